package decimals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20DecimalsABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20DecimalsABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 decimals ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// evmLookup reads ERC-20 decimals() over JSON-RPC. Clients are dialled
// lazily and reused per RPC URL.
type evmLookup struct {
	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func newEVMLookup() *evmLookup {
	return &evmLookup{clients: make(map[string]*ethclient.Client)}
}

// tokenAddress extracts the contract address from erc20/0x… or 0x… denoms.
func tokenAddress(denom string) (common.Address, bool) {
	raw := denom
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		raw = raw[i+1:]
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (e *evmLookup) decimals(ctx context.Context, rpcURL string, token common.Address) (int, error) {
	client, err := e.client(ctx, rpcURL)
	if err != nil {
		return 0, err
	}

	payload, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals(): %w", err)
	}

	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals() response")
	}
	value, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals() output")
	}
	return int(value), nil
}

func (e *evmLookup) client(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[rpcURL]; ok {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	e.clients[rpcURL] = c
	return c, nil
}

func (e *evmLookup) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for url, c := range e.clients {
		c.Close()
		delete(e.clients, url)
	}
}
