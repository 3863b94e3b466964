package balance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"relayer-monitor/internal/fetcher"
)

// DecimalsResolver maps a (chain, denom) pair to its decimal exponent.
type DecimalsResolver interface {
	Resolve(ctx context.Context, chainID, denom string) int
}

// Balance is a wallet balance converted to display units.
type Balance struct {
	Account   string          `json:"address"`
	Chain     string          `json:"chain"`
	ChainName string          `json:"chainName"`
	Denom     string          `json:"denom"`
	Symbol    string          `json:"symbol"`
	RawValue  string          `json:"rawBalance"`
	Human     decimal.Decimal `json:"balance"`
	Decimals  int             `json:"decimals"`
	Timestamp time.Time       `json:"timestamp"`
}

// HumanFloat is a lossy view of Human for threshold comparisons and charts.
func (b Balance) HumanFloat() float64 {
	return b.Human.InexactFloat64()
}

// Normalizer converts raw balances using resolved decimals.
type Normalizer struct {
	resolver DecimalsResolver
	now      func() time.Time
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(resolver DecimalsResolver) *Normalizer {
	return &Normalizer{resolver: resolver, now: time.Now}
}

// Normalize converts one raw record. The raw amount is divided by
// 10^decimals with arbitrary precision.
func (n *Normalizer) Normalize(ctx context.Context, raw fetcher.WalletBalance) (Balance, error) {
	if raw.Account == "" || raw.Chain == "" || raw.Denom == "" {
		return Balance{}, fmt.Errorf("balance %s: account, chain and denom are required", raw.Key())
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw.Amount))
	if err != nil {
		return Balance{}, fmt.Errorf("balance %s: parse amount %q: %w", raw.Key(), raw.Amount, err)
	}
	if value.IsNegative() {
		return Balance{}, fmt.Errorf("balance %s: negative amount %s", raw.Key(), raw.Amount)
	}

	decimals := n.resolver.Resolve(ctx, raw.Chain, raw.Denom)
	if decimals < 0 {
		decimals = 0
	}

	return Balance{
		Account:   raw.Account,
		Chain:     raw.Chain,
		ChainName: ChainName(raw.Chain),
		Denom:     raw.Denom,
		Symbol:    Symbol(raw.Denom),
		RawValue:  raw.Amount,
		Human:     Human(value, decimals),
		Decimals:  decimals,
		Timestamp: n.now().UTC(),
	}, nil
}

// Human shifts raw by -decimals.
func Human(raw decimal.Decimal, decimals int) decimal.Decimal {
	return raw.Shift(int32(-decimals))
}

// Symbol is a display label: a leading micro marker is dropped and the rest
// upper-cased. IBC and ERC-20 denoms keep their last path segment.
func Symbol(denom string) string {
	d := denom
	if i := strings.LastIndex(d, "/"); i >= 0 && !strings.HasPrefix(d, "ibc/") {
		d = d[i+1:]
	}
	if strings.HasPrefix(d, "ibc/") {
		return "IBC/" + strings.ToUpper(d[4:min(len(d), 10)])
	}
	if len(d) > 1 && d[0] == 'u' {
		d = d[1:]
	}
	return strings.ToUpper(d)
}

// ChainGroup is the balances of one chain.
type ChainGroup struct {
	Chain     string    `json:"chain"`
	ChainName string    `json:"chainName"`
	Wallets   []Balance `json:"wallets"`
}

// Group buckets balances by chain. Groups are ordered by chain id and
// wallets keep their input order.
func Group(balances []Balance) []ChainGroup {
	index := make(map[string]int)
	groups := make([]ChainGroup, 0)
	for _, b := range balances {
		i, ok := index[b.Chain]
		if !ok {
			i = len(groups)
			index[b.Chain] = i
			groups = append(groups, ChainGroup{Chain: b.Chain, ChainName: b.ChainName})
		}
		groups[i].Wallets = append(groups[i].Wallets, b)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Chain < groups[b].Chain })
	return groups
}
