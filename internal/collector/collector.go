package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"relayer-monitor/internal/alerting"
	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/balance"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/hub"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/retry"
	"relayer-monitor/internal/scheduler"
	"relayer-monitor/internal/storage"
	"relayer-monitor/internal/telemetry"
)

// ErrBreakerOpen is returned while a source's circuit breaker short-circuits.
var ErrBreakerOpen = errors.New("collector: circuit breaker open")

var errNotProcessed = errors.New("balance record not processed")

// State of a collector's cycle.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateBackoff    State = "backoff"
)

// Store is the slice of storage a collector writes to.
type Store interface {
	storage.WalletStore
	storage.BalanceStore
}

// Normalizer converts raw balances into display units.
type Normalizer interface {
	Normalize(ctx context.Context, raw fetcher.WalletBalance) (balance.Balance, error)
}

// AlertSink grades and raises alert conditions.
type AlertSink interface {
	Evaluate(c alerting.Condition) *alerting.Alert
	Raise(ctx context.Context, a alerting.Alert) (storage.AlertRecord, alerting.Outcome, error)
}

// Broadcaster pushes events to live connections.
type Broadcaster interface {
	Broadcast(ch hub.Channel, ev hub.Event) int
	BroadcastToRole(ch hub.Channel, role string, ev hub.Event) int
}

// Options tune the collection cycle.
type Options struct {
	DefaultInterval     time.Duration
	BatchSize           int
	BatchDelay          time.Duration
	Workers             int
	StartupWait         time.Duration
	StartupPollInterval time.Duration
	ReloadInterval      time.Duration
	Retry               retry.Policy
	BreakerFailures     int
	BreakerWindow       time.Duration
}

// OptionsFromConfig maps runtime settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultInterval:     cfg.Collector.DefaultInterval,
		BatchSize:           cfg.Collector.BatchSize,
		BatchDelay:          cfg.Collector.BatchDelay,
		Workers:             cfg.Collector.Workers,
		StartupWait:         cfg.Collector.StartupWait,
		StartupPollInterval: cfg.Collector.StartupPollInterval,
		ReloadInterval:      cfg.Collector.ReloadInterval,
		Retry:               retry.FromConfig(cfg.Retry),
		BreakerFailures:     cfg.Breaker.Failures,
		BreakerWindow:       cfg.Breaker.Window,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.StartupPollInterval <= 0 {
		o.StartupPollInterval = 2 * time.Second
	}
	if o.ReloadInterval <= 0 {
		o.ReloadInterval = time.Minute
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerWindow <= 0 {
		o.BreakerWindow = 5 * time.Minute
	}
	return o
}

// Deps are the collaborators shared by every collector. Alerts and Hub are
// optional; Pool is created when nil.
type Deps struct {
	Fetcher    fetcher.MetricsFetcher
	Normalizer Normalizer
	Store      Store
	Alerts     AlertSink
	Hub        Broadcaster
	Pool       pond.Pool
}

// ItemResult reports the outcome of one balance record.
type ItemResult struct {
	Key   string `json:"key"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of one collection cycle.
type Result struct {
	Source      string             `json:"source"`
	Balances    []balance.Balance  `json:"balances"`
	Items       []ItemResult       `json:"items,omitempty"`
	Skipped     bool               `json:"skipped"`
	BreakerOpen bool               `json:"breakerOpen"`
	Cached      bool               `json:"cached"`
	ParseStats  fetcher.ParseStats `json:"parseStats"`
	NewWallets  int                `json:"newWallets"`
	Alerts      int                `json:"alerts"`
	CompletedAt time.Time          `json:"completedAt"`
}

// Failed counts the items that could not be processed.
func (r Result) Failed() int {
	n := 0
	for _, it := range r.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

// Health is a collector's externally visible status.
type Health struct {
	SourceID    int64      `json:"sourceId"`
	Source      string     `json:"source"`
	State       State      `json:"state"`
	Healthy     bool       `json:"healthy"`
	LastSuccess *time.Time `json:"lastSuccessfulFetch,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	ErrorCount  int64      `json:"errorCount"`
	BreakerOpen bool       `json:"circuitBreakerOpen"`
	Balances    int        `json:"balances"`
}

// Collector owns the single-flight collection cycle of one metric source.
type Collector struct {
	source  storage.MetricSource
	auth    fetcher.Auth
	opts    Options
	deps    Deps
	breaker *gobreaker.CircuitBreaker
	ownPool bool
	logger  zerolog.Logger
	now     func() time.Time

	running atomic.Bool

	mu          sync.RWMutex
	state       State
	last        Result
	lastSuccess time.Time
	lastErr     error
	errorCount  int64
}

// New constructs a collector for src.
func New(src storage.MetricSource, auth fetcher.Auth, opts Options, deps Deps, logger zerolog.Logger) *Collector {
	opts = opts.withDefaults()
	ownPool := deps.Pool == nil
	if ownPool {
		deps.Pool = pond.NewPool(opts.Workers)
	}
	c := &Collector{
		source:  src,
		auth:    auth,
		opts:    opts,
		deps:    deps,
		ownPool: ownPool,
		logger:  logging.Component(logger, "collector").With().Str("source", src.Name).Logger(),
		now:     time.Now,
		state:   StateIdle,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        src.Name,
		MaxRequests: 1,
		Interval:    opts.BreakerWindow,
		Timeout:     opts.BreakerWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(opts.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			telemetry.BreakerOpen.WithLabelValues(name).Set(open)
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			c.broadcastAdmin(hub.EventBreakerState, breakerState{
				SourceID: src.ID,
				Source:   name,
				From:     from.String(),
				To:       to.String(),
			})
		},
	})
	return c
}

// Close stops the worker pool if the collector created it.
func (c *Collector) Close() {
	if c.ownPool {
		c.deps.Pool.StopAndWait()
	}
}

// Source returns the polled source.
func (c *Collector) Source() storage.MetricSource { return c.source }

// Interval returns the source's polling period.
func (c *Collector) Interval() time.Duration {
	if c.source.RefreshInterval > 0 {
		return c.source.RefreshInterval
	}
	return c.opts.DefaultInterval
}

// State returns the current cycle state.
func (c *Collector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// BreakerOpen reports whether the breaker currently short-circuits.
func (c *Collector) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Health returns a snapshot of the collector's status.
func (c *Collector) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := Health{
		SourceID:    c.source.ID,
		Source:      c.source.Name,
		State:       c.state,
		ErrorCount:  c.errorCount,
		BreakerOpen: c.breaker.State() == gobreaker.StateOpen,
		Balances:    len(c.last.Balances),
	}
	if !c.lastSuccess.IsZero() {
		ts := c.lastSuccess
		h.LastSuccess = &ts
	}
	if c.lastErr != nil {
		h.LastError = fetcher.Describe(c.lastErr)
	}
	h.Healthy = !h.BreakerOpen && c.lastErr == nil
	return h
}

// Run waits for the source to become reachable, then collects on every tick
// until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.WaitUntilReachable(ctx)
	sched := scheduler.New(scheduler.Options{Name: "collect:" + c.source.Name, Interval: c.Interval(), Immediate: true}, c.logger)
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := c.Collect(ctx)
		if errors.Is(err, ErrBreakerOpen) {
			return nil
		}
		return err
	})
}

// WaitUntilReachable polls the source until it answers or the startup budget
// runs out. It reports whether the source answered; either way the caller
// proceeds.
func (c *Collector) WaitUntilReachable(ctx context.Context) bool {
	if c.opts.StartupWait <= 0 {
		return true
	}
	deadline := c.now().Add(c.opts.StartupWait)
	for attempt := 1; ; attempt++ {
		err := c.deps.Fetcher.Ping(ctx, c.source.URL)
		if err == nil {
			if attempt > 1 {
				c.logger.Info().Int("attempts", attempt).Msg("metrics source reachable")
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !c.now().Add(c.opts.StartupPollInterval).Before(deadline) {
			c.logger.Warn().Err(err).Dur("waited", c.opts.StartupWait).Msg("metrics source still unreachable, starting anyway")
			return false
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("waiting for metrics source")
		timer := time.NewTimer(c.opts.StartupPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Collect runs one cycle. A call made while another cycle is in flight
// returns a Skipped result immediately without touching the network.
func (c *Collector) Collect(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("collection already in progress, skipping")
		return Result{Source: c.source.Name, Skipped: true}, nil
	}
	defer c.running.Store(false)

	c.setState(StateCollecting)
	start := c.now()
	defer func() {
		telemetry.PollDuration.WithLabelValues(c.source.Name).Observe(time.Since(start).Seconds())
	}()

	exp, stats, err := c.fetch(ctx)
	if err != nil {
		return c.fail(ctx, err)
	}

	res := c.process(ctx, exp)
	res.ParseStats = stats
	res.CompletedAt = c.now().UTC()
	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		telemetry.PollTotal.WithLabelValues(c.source.Name, "cancelled").Inc()
		return res, err
	}
	if stats.Skipped > 0 {
		telemetry.LinesSkipped.WithLabelValues(c.source.Name).Add(float64(stats.Skipped))
	}

	c.mu.Lock()
	c.state = StateIdle
	c.last = res
	c.lastSuccess = res.CompletedAt
	c.lastErr = nil
	c.mu.Unlock()

	telemetry.PollTotal.WithLabelValues(c.source.Name, "success").Inc()
	telemetry.PollLastSuccess.WithLabelValues(c.source.Name).Set(float64(res.CompletedAt.Unix()))
	c.broadcast(hub.ChannelMetrics, hub.EventMetricsUpdate, metricsUpdate{
		Source:     c.source.Name,
		Chains:     balance.Group(res.Balances),
		Failed:     res.Failed(),
		ParseStats: stats,
		At:         res.CompletedAt,
	})

	c.logger.Info().
		Int("balances", len(res.Balances)).
		Int("failed", res.Failed()).
		Int("new_wallets", res.NewWallets).
		Int("alerts", res.Alerts).
		Int("skipped_lines", stats.Skipped).
		Dur("took", time.Since(start)).
		Msg("collection complete")
	return res, nil
}

type metricsUpdate struct {
	Source     string               `json:"source"`
	Chains     []balance.ChainGroup `json:"chains"`
	Failed     int                  `json:"failed"`
	ParseStats fetcher.ParseStats   `json:"parseStats"`
	At         time.Time            `json:"timestamp"`
}

type breakerState struct {
	SourceID int64  `json:"sourceId"`
	Source   string `json:"source"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type balanceUpdate struct {
	balance.Balance
	Delta     string            `json:"delta"`
	Direction storage.Direction `json:"direction"`
}

// fail records a failed cycle. An open breaker serves the last good result.
func (c *Collector) fail(ctx context.Context, err error) (Result, error) {
	c.mu.Lock()
	c.lastErr = err
	c.errorCount++
	cached := c.last
	c.mu.Unlock()

	if errors.Is(err, ErrBreakerOpen) {
		c.setState(StateBackoff)
		telemetry.PollTotal.WithLabelValues(c.source.Name, "breaker_open").Inc()
		c.logger.Debug().Msg("circuit breaker open, serving cached result")
		cached.Source = c.source.Name
		cached.BreakerOpen = true
		cached.Cached = true
		cached.Items = nil
		return cached, err
	}

	telemetry.PollTotal.WithLabelValues(c.source.Name, "error").Inc()
	if c.BreakerOpen() {
		c.setState(StateBackoff)
	} else {
		c.setState(StateIdle)
	}
	c.logger.Error().Err(err).Str("reason", fetcher.Describe(err)).Msg("collection failed")

	if ctx.Err() == nil {
		if rec, dispatched := c.raise(ctx, alerting.SourceUnreachable(c.source.Name, err)); dispatched {
			c.broadcastAdmin(hub.EventSourceUnreachable, rec)
		}
	}
	return Result{Source: c.source.Name, BreakerOpen: c.BreakerOpen(), CompletedAt: c.now().UTC()}, err
}

// fetch retrieves and parses the payload through the breaker with retries.
func (c *Collector) fetch(ctx context.Context) (fetcher.Exposition, fetcher.ParseStats, error) {
	type parsed struct {
		exp   fetcher.Exposition
		stats fetcher.ParseStats
	}

	policy := c.opts.Retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ErrBreakerOpen) && fetcher.Retryable(err)
	}

	req := fetcher.Request{URL: c.source.URL, Auth: c.auth, Timeout: c.source.Timeout}
	var out parsed
	err := retry.Do(ctx, policy, c.logger, "collect "+c.source.Name, func(ctx context.Context) error {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			body, err := c.deps.Fetcher.FetchRaw(ctx, req)
			if err != nil {
				return nil, err
			}
			if c.source.Kind == storage.SourceKindCustom {
				exp, stats, err := fetcher.ParseJSON(c.source.URL, body)
				if err != nil {
					return nil, err
				}
				return parsed{exp: exp, stats: stats}, nil
			}
			exp, stats := fetcher.ParseExposition(body)
			return parsed{exp: exp, stats: stats}, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s", ErrBreakerOpen, c.source.Name)
		}
		if err != nil {
			return err
		}
		out = v.(parsed)
		return nil
	})
	return out.exp, out.stats, err
}

// process normalizes balances concurrently in batches, then persists each
// batch in order. Per-item failures are recorded and never abort the cycle.
func (c *Collector) process(ctx context.Context, exp fetcher.Exposition) Result {
	res := Result{Source: c.source.Name}
	raws := exp.WalletBalances
	size := c.opts.BatchSize

	for start := 0; start < len(raws); start += size {
		if start > 0 && c.opts.BatchDelay > 0 {
			timer := time.NewTimer(c.opts.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			c.logger.Warn().Int("processed", start).Int("total", len(raws)).Msg("collection interrupted between batches")
			break
		}

		end := min(start+size, len(raws))
		batch := raws[start:end]
		normalized := make([]balance.Balance, len(batch))
		errs := make([]error, len(batch))

		group := c.deps.Pool.NewGroupContext(ctx)
		for i, raw := range batch {
			errs[i] = errNotProcessed
			group.Submit(func() {
				normalized[i], errs[i] = c.deps.Normalizer.Normalize(ctx, raw)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			c.logger.Warn().Err(err).Msg("balance batch interrupted")
		}
		if err := ctx.Err(); err != nil {
			for _, raw := range batch {
				res.Items = append(res.Items, ItemResult{Key: raw.Key(), Err: err, Error: err.Error()})
			}
			c.logger.Warn().Int("processed", start).Int("total", len(raws)).Msg("collection interrupted, batch discarded")
			break
		}

		for i, raw := range batch {
			item := ItemResult{Key: raw.Key()}
			err := errs[i]
			if err == nil {
				var created bool
				created, err = c.persist(ctx, normalized[i])
				if created {
					res.NewWallets++
				}
			}
			if err != nil {
				item.Err, item.Error = err, err.Error()
				telemetry.ItemsFailed.WithLabelValues(c.source.Name).Inc()
				c.logger.Warn().Err(err).Str("item", item.Key).Msg("balance record failed")
			} else {
				res.Balances = append(res.Balances, normalized[i])
			}
			res.Items = append(res.Items, item)
		}
	}

	if c.deps.Alerts != nil && ctx.Err() == nil {
		res.Alerts = c.evaluate(ctx, exp, res.Balances)
	}
	return res
}

// persist writes one balance and reports whether its wallet was created.
func (c *Collector) persist(ctx context.Context, b balance.Balance) (bool, error) {
	wallet, created, err := c.deps.Store.UpsertWallet(ctx, storage.WalletRecord{
		ChainID:     b.Chain,
		ChainName:   b.ChainName,
		Address:     b.Account,
		AddressKind: storage.AddressRelayer,
		Active:      true,
	})
	if err != nil {
		return false, fmt.Errorf("upsert wallet: %w", err)
	}
	if created {
		c.logger.Info().Str("chain", b.Chain).Str("address", b.Account).Msg("new wallet discovered")
	}

	change, err := c.deps.Store.UpsertBalance(ctx, storage.BalanceObservation{
		WalletID:    wallet.ID,
		Denom:       b.Denom,
		Balance:     b.Human,
		RawBalance:  b.RawValue,
		Decimals:    b.Decimals,
		LastUpdated: b.Timestamp,
	})
	if err != nil {
		return created, fmt.Errorf("upsert balance: %w", err)
	}
	if !change.Material() {
		return created, nil
	}

	if err := c.deps.Store.AppendHistory(ctx, storage.HistoryEntry{
		WalletID:   wallet.ID,
		Denom:      b.Denom,
		OldBalance: change.Old,
		NewBalance: change.New,
		Delta:      change.Delta,
		Direction:  change.Direction(),
		Timestamp:  b.Timestamp,
	}); err != nil {
		return created, fmt.Errorf("append history: %w", err)
	}
	c.broadcast(hub.ChannelBalances, hub.EventBalanceUpdate, balanceUpdate{
		Balance:   b,
		Delta:     change.Delta.String(),
		Direction: change.Direction(),
	})
	return created, nil
}

// evaluate hands every observed condition to the alert engine and returns
// how many alerts were dispatched. Duplicates inside the dedup window are
// persisted by the engine but neither counted nor pushed.
func (c *Collector) evaluate(ctx context.Context, exp fetcher.Exposition, balances []balance.Balance) int {
	raised := 0
	for _, b := range balances {
		if rec, dispatched := c.raise(ctx, alerting.LowBalance(b)); dispatched {
			raised++
			c.broadcast(hub.ChannelWallets, hub.EventWalletAlert, rec)
		}
	}
	conditions := make([]alerting.Condition, 0, len(exp.Backlogs)+len(exp.Misbehaviours)+len(exp.TimeoutEvents))
	for _, b := range exp.Backlogs {
		conditions = append(conditions, alerting.PendingPackets(b))
	}
	for _, m := range exp.Misbehaviours {
		conditions = append(conditions, alerting.Misbehaviour(m))
	}
	for _, t := range exp.TimeoutEvents {
		conditions = append(conditions, alerting.FailedPackets(t))
	}
	for _, cond := range conditions {
		if _, dispatched := c.raise(ctx, cond); dispatched {
			raised++
		}
	}
	return raised
}

// raise grades cond and hands any resulting alert to the engine. It reports
// whether the alert was dispatched.
func (c *Collector) raise(ctx context.Context, cond alerting.Condition) (storage.AlertRecord, bool) {
	if c.deps.Alerts == nil {
		return storage.AlertRecord{}, false
	}
	a := c.deps.Alerts.Evaluate(cond)
	if a == nil {
		return storage.AlertRecord{}, false
	}
	rec, out, err := c.deps.Alerts.Raise(ctx, *a)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(a.Type)).Msg("raise alert failed")
		return storage.AlertRecord{}, false
	}
	return rec, out.Dispatched
}

func (c *Collector) broadcast(ch hub.Channel, typ string, data any) {
	if c.deps.Hub == nil {
		return
	}
	c.deps.Hub.Broadcast(ch, hub.Event{Type: typ, Data: data})
}

func (c *Collector) broadcastAdmin(typ string, data any) {
	if c.deps.Hub == nil {
		return
	}
	c.deps.Hub.BroadcastToRole(hub.ChannelAdmin, auth.RoleAdmin, hub.Event{Type: typ, Data: data})
}

// CredentialsAuth turns a source's decrypted credentials into fetcher auth.
// Basic credentials are "user:password"; bearer credentials are the token.
func CredentialsAuth(mode storage.AuthMode, plain string) (fetcher.Auth, error) {
	auth := fetcher.Auth{Mode: string(mode)}
	switch mode {
	case storage.AuthBasic:
		user, pass, ok := strings.Cut(plain, ":")
		if !ok {
			return fetcher.Auth{}, fmt.Errorf("basic credentials must be user:password")
		}
		auth.Username, auth.Password = user, pass
	case storage.AuthBearer:
		if plain == "" {
			return fetcher.Auth{}, fmt.Errorf("bearer credentials are empty")
		}
		auth.Token = plain
	}
	return auth, nil
}
