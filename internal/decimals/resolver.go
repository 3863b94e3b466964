package decimals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/config"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/storage"
	"relayer-monitor/internal/telemetry"
	"relayer-monitor/internal/version"
)

// Tier names the resolution step that produced a value.
type Tier string

const (
	TierMemo      Tier = "memo"
	TierStore     Tier = "store"
	TierChain     Tier = "chain"
	TierEVM       Tier = "evm"
	TierRegistry  Tier = "registry"
	TierNative    Tier = "native"
	TierHeuristic Tier = "heuristic"
)

// Stats counts resolutions per tier.
type Stats struct {
	Memo      int64 `json:"memo"`
	Store     int64 `json:"store"`
	Chain     int64 `json:"chain"`
	EVM       int64 `json:"evm"`
	Registry  int64 `json:"registry"`
	Native    int64 `json:"native"`
	Heuristic int64 `json:"heuristic"`
}

// Options parameterise the resolver.
type Options struct {
	RequestTimeout time.Duration
	RegistryURL    string
	Chains         map[string]config.ChainEndpoints
}

// OptionsFromConfig maps runtime settings onto Options.
func OptionsFromConfig(cfg config.DecimalsConfig) Options {
	return Options{
		RequestTimeout: cfg.RequestTimeout,
		RegistryURL:    cfg.RegistryURL,
		Chains:         cfg.Chains,
	}
}

// Resolver maps (chain, denom) to a decimal exponent. Resolve never fails:
// it degrades from the memo and the store, through the chain's REST API and
// the chain registry, down to a naming heuristic.
type Resolver struct {
	opts   Options
	store  storage.DecimalsStore
	client *http.Client
	evm    *evmLookup
	memo   *xsync.Map[string, int]
	logger zerolog.Logger

	counters map[Tier]*atomic.Int64
}

var tiers = []Tier{TierMemo, TierStore, TierChain, TierEVM, TierRegistry, TierNative, TierHeuristic}

// NewResolver builds a resolver backed by store.
func NewResolver(opts Options, store storage.DecimalsStore, logger zerolog.Logger) *Resolver {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	opts.RegistryURL = strings.TrimRight(opts.RegistryURL, "/")
	counters := make(map[Tier]*atomic.Int64, len(tiers))
	for _, t := range tiers {
		counters[t] = new(atomic.Int64)
	}
	return &Resolver{
		opts:     opts,
		store:    store,
		client:   &http.Client{},
		evm:      newEVMLookup(),
		memo:     xsync.NewMap[string, int](),
		logger:   logging.Component(logger, "decimals"),
		counters: counters,
	}
}

// Close releases pooled EVM clients.
func (r *Resolver) Close() {
	r.evm.close()
}

func memoKey(chainID, denom string) string {
	return chainID + "|" + denom
}

// Resolve returns the decimals for denom on chainID.
func (r *Resolver) Resolve(ctx context.Context, chainID, denom string) int {
	key := memoKey(chainID, denom)
	if d, ok := r.memo.Load(key); ok {
		r.count(TierMemo)
		return d
	}

	entry, err := r.store.GetDecimals(ctx, chainID, denom)
	switch {
	case err == nil:
		r.memo.Store(key, entry.Decimals)
		r.count(TierStore)
		return entry.Decimals
	case !errors.Is(err, storage.ErrNotFound):
		r.logger.Warn().Err(err).Str("chain", chainID).Str("denom", denom).Msg("decimals cache lookup failed")
	}

	decimals, tier := r.lookup(ctx, chainID, denom)
	r.count(tier)
	r.memo.Store(key, decimals)
	if err := r.store.SetDecimals(ctx, storage.DecimalsEntry{
		ChainID:  chainID,
		Denom:    denom,
		Decimals: decimals,
		Source:   string(tier),
	}); err != nil {
		r.logger.Warn().Err(err).Str("chain", chainID).Str("denom", denom).Msg("persist decimals failed")
	}
	r.logger.Debug().Str("chain", chainID).Str("denom", denom).Int("decimals", decimals).Str("tier", string(tier)).Msg("decimals resolved")
	return decimals
}

// lookup runs the network and fallback tiers.
func (r *Resolver) lookup(ctx context.Context, chainID, denom string) (int, Tier) {
	ep, _ := r.chain(chainID)
	base := denom

	if ep.EVMRPC != "" {
		if token, ok := tokenAddress(denom); ok {
			evmCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
			d, err := r.evm.decimals(evmCtx, ep.EVMRPC, token)
			cancel()
			if err == nil {
				return d, TierEVM
			}
			r.logger.Debug().Err(err).Str("chain", chainID).Str("denom", denom).Msg("evm decimals lookup failed")
		}
	}

	if ep.REST != "" {
		if d, ok := r.fromChain(ctx, ep.REST, denom); ok {
			return d, TierChain
		}
		if hash, ok := strings.CutPrefix(denom, "ibc/"); ok {
			if traced, ok := r.traceIBC(ctx, ep.REST, hash); ok {
				base = traced
				if d, ok := Native(base); ok {
					return d, TierChain
				}
			}
		}
	}

	if r.opts.RegistryURL != "" {
		if d, ok := r.fromRegistry(ctx, RegistryName(chainID, ep.RegistryName), denom, base); ok {
			return d, TierRegistry
		}
	}

	if d, ok := Native(base); ok {
		return d, TierNative
	}
	return Heuristic(base), TierHeuristic
}

// fromChain tries the single-denom metadata endpoint, the bulk listing and
// finally a supply existence check against the native table.
func (r *Resolver) fromChain(ctx context.Context, rest, denom string) (int, bool) {
	base := strings.TrimRight(rest, "/")

	var single struct {
		Metadata denomMetadata `json:"metadata"`
	}
	if err := r.getJSON(ctx, base+"/cosmos/bank/v1beta1/denoms_metadata/"+denom, &single); err == nil {
		if d, ok := single.Metadata.exponent(); ok {
			return d, true
		}
	} else {
		r.logger.Debug().Err(err).Str("denom", denom).Msg("denom metadata lookup failed")
	}

	var bulk struct {
		Metadatas []denomMetadata `json:"metadatas"`
	}
	if err := r.getJSON(ctx, base+"/cosmos/bank/v1beta1/denoms_metadata?pagination.limit=1000", &bulk); err == nil {
		for _, md := range bulk.Metadatas {
			if md.Base == denom {
				if d, ok := md.exponent(); ok {
					return d, true
				}
			}
		}
	} else {
		r.logger.Debug().Err(err).Str("denom", denom).Msg("bulk denom metadata lookup failed")
	}

	if native, ok := Native(denom); ok {
		var supply struct {
			Amount struct {
				Denom  string `json:"denom"`
				Amount string `json:"amount"`
			} `json:"amount"`
		}
		endpoint := base + "/cosmos/bank/v1beta1/supply/by_denom?denom=" + url.QueryEscape(denom)
		if err := r.getJSON(ctx, endpoint, &supply); err == nil {
			if supply.Amount.Amount != "" && supply.Amount.Amount != "0" {
				return native, true
			}
		} else {
			r.logger.Debug().Err(err).Str("denom", denom).Msg("supply lookup failed")
		}
	}
	return 0, false
}

func (r *Resolver) traceIBC(ctx context.Context, rest, hash string) (string, bool) {
	var trace struct {
		DenomTrace struct {
			Path      string `json:"path"`
			BaseDenom string `json:"base_denom"`
		} `json:"denom_trace"`
	}
	endpoint := strings.TrimRight(rest, "/") + "/ibc/apps/transfer/v1/denom_traces/" + hash
	if err := r.getJSON(ctx, endpoint, &trace); err != nil {
		r.logger.Debug().Err(err).Str("hash", hash).Msg("ibc denom trace lookup failed")
		return "", false
	}
	if trace.DenomTrace.BaseDenom == "" {
		return "", false
	}
	return trace.DenomTrace.BaseDenom, true
}

func (r *Resolver) fromRegistry(ctx context.Context, registryName, denom, base string) (int, bool) {
	var list struct {
		Assets []denomMetadata `json:"assets"`
	}
	endpoint := r.opts.RegistryURL + "/" + registryName + "/assetlist.json"
	if err := r.getJSON(ctx, endpoint, &list); err != nil {
		r.logger.Debug().Err(err).Str("registry", registryName).Msg("chain registry lookup failed")
		return 0, false
	}
	for _, candidate := range []string{denom, base} {
		for _, asset := range list.Assets {
			if asset.Base == candidate {
				if d, ok := asset.exponent(); ok {
					return d, true
				}
			}
		}
	}
	return 0, false
}

func (r *Resolver) getJSON(ctx context.Context, endpoint string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: http %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out)
}

func (r *Resolver) chain(chainID string) (config.ChainEndpoints, bool) {
	if r.opts.Chains == nil {
		return config.ChainEndpoints{}, false
	}
	ep, ok := r.opts.Chains[strings.ToLower(chainID)]
	return ep, ok
}

// Invalidate drops a memoised value so the next Resolve refreshes it.
func (r *Resolver) Invalidate(ctx context.Context, chainID, denom string) error {
	r.memo.Delete(memoKey(chainID, denom))
	return r.store.DeleteDecimals(ctx, chainID, denom)
}

// CacheSize reports how many (chain, denom) pairs are memoised in process.
func (r *Resolver) CacheSize() int {
	return r.memo.Size()
}

// Stats returns a snapshot of per-tier counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Memo:      r.counters[TierMemo].Load(),
		Store:     r.counters[TierStore].Load(),
		Chain:     r.counters[TierChain].Load(),
		EVM:       r.counters[TierEVM].Load(),
		Registry:  r.counters[TierRegistry].Load(),
		Native:    r.counters[TierNative].Load(),
		Heuristic: r.counters[TierHeuristic].Load(),
	}
}

func (r *Resolver) count(tier Tier) {
	r.counters[tier].Add(1)
	telemetry.DecimalsResolved.WithLabelValues(string(tier)).Inc()
}

type denomUnit struct {
	Denom    string `json:"denom"`
	Exponent int    `json:"exponent"`
}

type denomMetadata struct {
	Base       string      `json:"base"`
	Display    string      `json:"display"`
	DenomUnits []denomUnit `json:"denom_units"`
}

// exponent returns the exponent of the display unit, or the largest exponent
// when no unit matches display.
func (m denomMetadata) exponent() (int, bool) {
	if len(m.DenomUnits) == 0 {
		return 0, false
	}
	maxExp := 0
	for _, u := range m.DenomUnits {
		if m.Display != "" && strings.EqualFold(u.Denom, m.Display) {
			return u.Exponent, true
		}
		if u.Exponent > maxExp {
			maxExp = u.Exponent
		}
	}
	return maxExp, true
}
