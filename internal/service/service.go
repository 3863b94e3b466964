package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/alerting"
	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/balance"
	"relayer-monitor/internal/collector"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/decimals"
	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/hub"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/secrets"
	"relayer-monitor/internal/storage"
)

// ErrInvalid marks a request rejected by validation.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Option customises Service construction.
type Option func(*options)

type options struct {
	fetcher fetcher.MetricsFetcher
	deduper alerting.Deduper
}

// WithFetcher replaces the HTTP metrics fetcher.
func WithFetcher(f fetcher.MetricsFetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithDeduper replaces the configured dedup backend.
func WithDeduper(d alerting.Deduper) Option {
	return func(o *options) { o.deduper = d }
}

// Service wires collection, alerting and live fan-out together.
type Service struct {
	cfg        *config.Config
	store      storage.Store
	resolver   *decimals.Resolver
	engine     *alerting.Engine
	hub        *hub.Hub
	collectors *collector.Manager
	sealer     *secrets.Sealer
	amqp       *alerting.AMQPPublisher
	cron       *cron.Cron
	logger     zerolog.Logger
	started    time.Time
}

// New constructs the service and its collaborators on top of store.
func New(ctx context.Context, cfg *config.Config, store storage.Store, logger zerolog.Logger, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		sealer:  secrets.NewSealer(cfg.Secrets.CredentialsKey),
		logger:  logging.Component(logger, "service"),
		started: time.Now().UTC(),
	}
	s.resolver = decimals.NewResolver(decimals.OptionsFromConfig(cfg.Decimals), store, logger)
	s.hub = hub.New(hub.OptionsFromConfig(cfg.Hub, cfg.HTTP.FrontendOrigin), logger)

	deduper := o.deduper
	if deduper == nil {
		var err error
		if deduper, err = newDeduper(ctx, cfg); err != nil {
			return nil, err
		}
	}

	gotify := alerting.NewGotifyNotifier(alerting.Target{URL: cfg.Alerting.Gotify.URL, Token: cfg.Alerting.Gotify.Token}, cfg.Alerting.Gotify.Timeout, logger)
	var notifiers []alerting.Notifier
	if cfg.Alerting.Gotify.Enabled {
		notifiers = append(notifiers, gotify)
	}
	if cfg.Alerting.AMQP.Enabled {
		pub, err := alerting.NewAMQPPublisher(cfg.Alerting.AMQP, logger)
		if err != nil {
			s.logger.Error().Err(err).Msg("amqp publisher unavailable, continuing without it")
		} else {
			s.amqp = pub
			notifiers = append(notifiers, pub)
		}
	}

	s.engine = alerting.NewEngine(alerting.OptionsFromConfig(cfg.Alerting), alerting.Deps{
		Store:     store,
		Deduper:   deduper,
		Pusher:    gotify,
		Hub:       s.hub,
		Notifiers: notifiers,
	}, logger)
	if err := s.engine.LoadThresholds(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring stored threshold override")
	}

	f := o.fetcher
	if f == nil {
		f = fetcher.NewHTTPFetcher(fetcher.OptionsFromConfig(cfg.Fetcher), logger)
	}
	s.collectors = collector.NewManager(collector.OptionsFromConfig(cfg), collector.Deps{
		Fetcher:    f,
		Normalizer: balance.NewNormalizer(s.resolver),
		Store:      store,
		Alerts:     s.engine,
		Hub:        s.hub,
	}, store, s.sealer, logger)

	cl := cronLogger{logger: logging.Component(logger, "cron")}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	if _, err := s.cron.AddFunc(cfg.Alerting.CleanupSchedule, s.cleanup); err != nil {
		s.Close()
		return nil, fmt.Errorf("alerting.cleanup_schedule: %w", err)
	}
	return s, nil
}

func newDeduper(ctx context.Context, cfg *config.Config) (alerting.Deduper, error) {
	switch strings.ToLower(cfg.Alerting.DedupBackend) {
	case "", "memory":
		return alerting.NewMemoryDeduper(), nil
	case "redis":
		return alerting.NewRedisDeduper(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Alerting.DedupBackend)
	}
}

// Hub returns the live connection registry.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Engine returns the alert engine.
func (s *Service) Engine() *alerting.Engine { return s.engine }

// Store returns the storage collaborator.
func (s *Service) Store() storage.Store { return s.store }

// Run seeds configured sources, then runs collectors, the heartbeat and
// the cleanup schedule until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.SeedSources(ctx); err != nil {
		return err
	}

	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	go s.hub.Run(ctx)

	s.logger.Info().Msg("relayer monitor started")
	return s.collectors.Run(ctx)
}

// Close releases every collaborator except the store.
func (s *Service) Close() {
	if s.collectors != nil {
		s.collectors.Close()
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close alert engine")
		}
	}
	if s.amqp != nil {
		_ = s.amqp.Close()
	}
	s.hub.CloseAll()
	s.resolver.Close()
}

func (s *Service) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.engine.Cleanup(ctx, time.Now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("scheduled cleanup failed")
	}
}

// SeedSources upserts the sources listed in configuration, sealing their
// credentials.
func (s *Service) SeedSources(ctx context.Context) error {
	for _, sc := range s.cfg.Sources {
		if _, err := s.SaveSource(ctx, SourceInput{
			Name:            sc.Name,
			URL:             sc.URL,
			Kind:            sc.Kind,
			AuthMode:        sc.AuthMode,
			Credentials:     sc.Credentials,
			RefreshInterval: sc.RefreshInterval,
			Timeout:         sc.Timeout,
		}); err != nil {
			return fmt.Errorf("seed source %s: %w", sc.Name, err)
		}
	}
	return nil
}

// SourceInput is an admin request to create or update a source.
type SourceInput struct {
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	Kind            string        `json:"kind"`
	AuthMode        string        `json:"authMode"`
	Credentials     string        `json:"credentials"`
	RefreshInterval time.Duration `json:"refreshInterval"`
	Timeout         time.Duration `json:"timeout"`
}

// SaveSource validates in, seals its credentials and upserts it by name.
func (s *Service) SaveSource(ctx context.Context, in SourceInput) (storage.MetricSource, error) {
	src := storage.MetricSource{
		Name:            strings.TrimSpace(in.Name),
		URL:             strings.TrimSpace(in.URL),
		Kind:            storage.SourceKind(strings.ToLower(in.Kind)),
		AuthMode:        storage.AuthMode(strings.ToLower(in.AuthMode)),
		RefreshInterval: in.RefreshInterval,
		Timeout:         in.Timeout,
		Active:          true,
	}
	if src.Kind == "" {
		src.Kind = storage.SourceKindRelayer
	}
	if src.AuthMode == "" {
		src.AuthMode = storage.AuthNone
	}
	if err := src.Validate(); err != nil {
		return storage.MetricSource{}, invalid("%v", err)
	}
	if src.AuthMode != storage.AuthNone {
		if _, err := collector.CredentialsAuth(src.AuthMode, in.Credentials); err != nil {
			return storage.MetricSource{}, invalid("%v", err)
		}
		sealed, err := s.sealer.Seal(in.Credentials)
		if err != nil {
			return storage.MetricSource{}, fmt.Errorf("seal credentials: %w", err)
		}
		src.EncryptedCredentials = sealed
	}
	saved, err := s.store.UpsertSource(ctx, src)
	if err != nil {
		return storage.MetricSource{}, err
	}
	s.notifySource("saved", saved)
	return saved, nil
}

type sourceEvent struct {
	Action string               `json:"action"`
	Source storage.MetricSource `json:"source"`
}

func (s *Service) notifySource(action string, src storage.MetricSource) {
	s.hub.BroadcastToRole(hub.ChannelAdmin, auth.RoleAdmin, hub.Event{
		Type: hub.EventSourceUpdate,
		Data: sourceEvent{Action: action, Source: src},
	})
}

// Sources lists every source, including inactive ones.
func (s *Service) Sources(ctx context.Context) ([]storage.MetricSource, error) {
	return s.store.ListSources(ctx, false)
}

// DeleteSource soft-deletes a source and reconciles collectors.
func (s *Service) DeleteSource(ctx context.Context, id int64) error {
	if err := s.store.DeactivateSource(ctx, id); err != nil {
		return err
	}
	s.notifySource("deleted", storage.MetricSource{ID: id})
	return s.collectors.Reload(ctx)
}

// Collect runs one collection cycle for a source.
func (s *Service) Collect(ctx context.Context, id int64) (collector.Result, error) {
	return s.collectors.Collect(ctx, id)
}

// ResolveDecimals resolves and optionally refreshes a decimals entry.
func (s *Service) ResolveDecimals(ctx context.Context, chainID, denom string, refresh bool) (int, error) {
	if chainID == "" || denom == "" {
		return 0, invalid("chain and denom are required")
	}
	if refresh {
		if err := s.resolver.Invalidate(ctx, chainID, denom); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
	}
	return s.resolver.Resolve(ctx, chainID, denom), nil
}

// ChainSummary is one chain on the dashboard.
type ChainSummary struct {
	Chain     string `json:"chain"`
	ChainName string `json:"chainName"`
	Wallets   int    `json:"wallets"`
	Balances  int    `json:"balances"`
}

// Dashboard is the aggregated overview snapshot.
type Dashboard struct {
	Chains      []ChainSummary `json:"chains"`
	Workers     int            `json:"activeWorkers"`
	OpenAlerts  int64          `json:"outstandingAlerts"`
	Sources     int            `json:"sources"`
	Connections int            `json:"connections"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Dashboard builds the overview snapshot.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	groups, err := s.Balances(ctx, "")
	if err != nil {
		return Dashboard{}, err
	}
	open, err := s.store.CountOpenAlerts(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	sources, err := s.store.ListSources(ctx, true)
	if err != nil {
		return Dashboard{}, err
	}

	chains := make([]ChainSummary, 0, len(groups))
	for _, g := range groups {
		wallets := make(map[string]struct{}, len(g.Wallets))
		for _, b := range g.Wallets {
			wallets[b.Account] = struct{}{}
		}
		chains = append(chains, ChainSummary{Chain: g.Chain, ChainName: g.ChainName, Wallets: len(wallets), Balances: len(g.Wallets)})
	}
	return Dashboard{
		Chains:      chains,
		Workers:     s.collectors.Workers(),
		OpenAlerts:  open,
		Sources:     len(sources),
		Connections: s.hub.Count(),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Balances returns stored balances grouped by chain, optionally for one chain.
func (s *Service) Balances(ctx context.Context, chainID string) ([]balance.ChainGroup, error) {
	rows, err := s.store.ListBalances(ctx, chainID)
	if err != nil {
		return nil, err
	}
	out := make([]balance.Balance, 0, len(rows))
	for _, row := range rows {
		out = append(out, balance.Balance{
			Account:   row.Wallet.Address,
			Chain:     row.Wallet.ChainID,
			ChainName: balance.ChainName(row.Wallet.ChainID),
			Denom:     row.Observation.Denom,
			Symbol:    balance.Symbol(row.Observation.Denom),
			RawValue:  row.Observation.RawBalance,
			Human:     row.Observation.Balance,
			Decimals:  row.Observation.Decimals,
			Timestamp: row.Observation.LastUpdated,
		})
	}
	return balance.Group(out), nil
}

// HealthReport summarises collector, cache and hub state.
type HealthReport struct {
	Status              string             `json:"status"`
	LastSuccessfulFetch *time.Time         `json:"lastSuccessfulFetch"`
	ErrorCount          int64              `json:"errorCount"`
	CacheSize           int                `json:"cacheSize"`
	CircuitBreakerOpen  bool               `json:"circuitBreakerOpen"`
	Uptime              string             `json:"uptime"`
	UptimeSeconds       int64              `json:"uptimeSeconds"`
	Connections         int                `json:"connections"`
	Decimals            decimals.Stats     `json:"decimals"`
	Sources             []collector.Health `json:"sources"`
}

// Health reports unhealthy when any source's breaker is open or its last
// cycle failed.
func (s *Service) Health(_ context.Context) HealthReport {
	uptime := time.Since(s.started).Truncate(time.Second)
	report := HealthReport{
		Status:        "healthy",
		CacheSize:     s.resolver.CacheSize(),
		Uptime:        uptime.String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Connections:   s.hub.Count(),
		Decimals:      s.resolver.Stats(),
		Sources:       s.collectors.Health(),
	}
	for _, h := range report.Sources {
		report.ErrorCount += h.ErrorCount
		if h.BreakerOpen {
			report.CircuitBreakerOpen = true
		}
		if !h.Healthy {
			report.Status = "unhealthy"
		}
		if h.LastSuccess != nil && (report.LastSuccessfulFetch == nil || h.LastSuccess.After(*report.LastSuccessfulFetch)) {
			ts := *h.LastSuccess
			report.LastSuccessfulFetch = &ts
		}
	}
	return report
}

// ManualAlert is a privileged request to raise an alert by hand.
type ManualAlert struct {
	Type     string            `json:"type"`
	Chain    string            `json:"chain,omitempty"`
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
	Data     map[string]string `json:"data,omitempty"`
}

// TriggerAlert validates and raises a manual alert through the engine.
func (s *Service) TriggerAlert(ctx context.Context, in ManualAlert) (storage.AlertRecord, alerting.Outcome, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return storage.AlertRecord{}, alerting.Outcome{}, invalid("message is required")
	}
	severity, err := storage.ParseSeverity(in.Severity)
	if err != nil {
		return storage.AlertRecord{}, alerting.Outcome{}, invalid("%v", err)
	}
	typ := alerting.Type(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = alerting.TypeManual
	}

	a := alerting.Alert{
		Type:     typ,
		Severity: severity,
		Message:  message,
		Payload:  alerting.Payload{ChainID: in.Chain, Discriminator: message, Extra: in.Data},
	}
	if in.Chain != "" {
		a.ChainName = balance.ChainName(in.Chain)
	}
	return s.engine.Raise(ctx, a)
}

// Alerts lists recent alerts, newest first.
func (s *Service) Alerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListAlerts(ctx, limit)
}

// Acknowledge marks an alert as handled.
func (s *Service) Acknowledge(ctx context.Context, id int64, user string) (storage.AlertRecord, error) {
	return s.engine.Acknowledge(ctx, id, user)
}

// Thresholds returns the system-wide thresholds in force.
func (s *Service) Thresholds() config.Thresholds { return s.engine.Thresholds() }

// SetThresholds overrides the system-wide thresholds at runtime.
func (s *Service) SetThresholds(ctx context.Context, t config.Thresholds) error {
	if err := s.engine.SetThresholds(ctx, t); err != nil {
		if errors.Is(err, config.ErrInvalidThresholds) {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return err
	}
	return nil
}

// PreferenceInput is a user's notification settings update.
type PreferenceInput struct {
	GotifyURL   string                       `json:"gotifyUrl"`
	GotifyToken string                       `json:"gotifyToken"`
	Enabled     bool                         `json:"enabled"`
	Thresholds  storage.SubscriberThresholds `json:"thresholds"`
}

func (s *Service) user(ctx context.Context, id auth.Identity) (storage.User, error) {
	if id.UserID == "" {
		return storage.User{}, auth.ErrUnauthorized
	}
	return s.store.UpsertUser(ctx, storage.User{Username: id.UserID, Role: id.Role, Active: true})
}

// Preferences returns the caller's notification preferences, or disabled
// defaults when none are stored.
func (s *Service) Preferences(ctx context.Context, id auth.Identity) (storage.NotificationPreference, error) {
	u, err := s.user(ctx, id)
	if err != nil {
		return storage.NotificationPreference{}, err
	}
	pref, err := s.store.GetPreferences(ctx, u.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NotificationPreference{UserID: u.ID}, nil
	}
	return pref, err
}

// SetPreferences stores the caller's notification preferences. An empty
// token keeps the stored one.
func (s *Service) SetPreferences(ctx context.Context, id auth.Identity, in PreferenceInput) (storage.NotificationPreference, error) {
	if err := in.Thresholds.Validate(); err != nil {
		return storage.NotificationPreference{}, invalid("%v", err)
	}
	if in.Enabled && strings.TrimSpace(in.GotifyURL) == "" {
		return storage.NotificationPreference{}, invalid("gotifyUrl is required when notifications are enabled")
	}
	current, err := s.Preferences(ctx, id)
	if err != nil {
		return storage.NotificationPreference{}, err
	}
	pref := storage.NotificationPreference{
		UserID:      current.UserID,
		GotifyURL:   strings.TrimSpace(in.GotifyURL),
		GotifyToken: current.GotifyToken,
		Enabled:     in.Enabled,
		Thresholds:  in.Thresholds,
	}
	if in.GotifyToken != "" {
		pref.GotifyToken = in.GotifyToken
	}
	if err := s.store.SetPreferences(ctx, pref); err != nil {
		return storage.NotificationPreference{}, err
	}
	return pref, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
