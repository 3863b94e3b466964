package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/scheduler"
	"relayer-monitor/internal/secrets"
	"relayer-monitor/internal/storage"
)

// Manager runs one collector per active metric source. Sources are
// independent: each runs on its own schedule and may collect concurrently
// with the others.
type Manager struct {
	opts    Options
	deps    Deps
	sources storage.SourceStore
	sealer  *secrets.Sealer
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[int64]*worker
	oneShot map[int64]*worker
	wg      sync.WaitGroup
}

type worker struct {
	collector   *Collector
	fingerprint string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewManager constructs a Manager. Collectors share one normalization pool.
func NewManager(opts Options, deps Deps, sources storage.SourceStore, sealer *secrets.Sealer, logger zerolog.Logger) *Manager {
	opts = opts.withDefaults()
	if deps.Pool == nil {
		deps.Pool = pond.NewPool(opts.Workers)
	}
	return &Manager{
		opts:    opts,
		deps:    deps,
		sources: sources,
		sealer:  sealer,
		logger:  logging.Component(logger, "collector_manager"),
		running: make(map[int64]*worker),
		oneShot: make(map[int64]*worker),
	}
}

// Run starts collectors for the active sources and reconciles them every
// reload interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Reload(ctx); err != nil {
		m.logger.Error().Err(err).Msg("initial source load failed")
	}
	sched := scheduler.New(scheduler.Options{Name: "source-reload", Interval: m.opts.ReloadInterval}, m.logger)
	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return m.Reload(ctx)
	})
	m.stopAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload starts collectors for new or changed sources and stops the ones
// whose source is gone or inactive.
func (m *Manager) Reload(ctx context.Context) error {
	sources, err := m.sources.ListSources(ctx, true)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]bool, len(sources))
	for _, src := range sources {
		wanted[src.ID] = true
		fp := fingerprint(src)
		if w, ok := m.running[src.ID]; ok {
			if w.fingerprint == fp {
				continue
			}
			m.logger.Info().Str("source", src.Name).Msg("source changed, restarting collector")
			m.stop(src.ID, w)
		}
		c, err := m.build(src)
		if err != nil {
			m.logger.Error().Err(err).Str("source", src.Name).Msg("cannot start collector")
			continue
		}
		delete(m.oneShot, src.ID)
		m.start(ctx, src.ID, c, fp)
	}
	for id, w := range m.running {
		if !wanted[id] {
			m.logger.Info().Str("source", w.collector.Source().Name).Msg("source removed, stopping collector")
			m.stop(id, w)
		}
	}
	return nil
}

func (m *Manager) start(parent context.Context, id int64, c *Collector, fp string) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	w := &worker{collector: c, fingerprint: fp, cancel: cancel, done: make(chan struct{})}
	m.running[id] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(w.done)
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Str("source", c.Source().Name).Msg("collector stopped")
		}
	}()
	m.logger.Info().Str("source", c.Source().Name).Dur("interval", c.Interval()).Msg("collector started")
}

func (m *Manager) stop(id int64, w *worker) {
	w.cancel()
	<-w.done
	delete(m.running, id)
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	for id, w := range m.running {
		w.cancel()
		delete(m.running, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Close stops every collector and the shared pool.
func (m *Manager) Close() {
	m.stopAll()
	m.deps.Pool.StopAndWait()
}

// build decrypts credentials and constructs a collector for src.
func (m *Manager) build(src storage.MetricSource) (*Collector, error) {
	plain := ""
	if src.EncryptedCredentials != "" {
		if m.sealer == nil {
			return nil, fmt.Errorf("source %s has credentials but no credentials key is configured", src.Name)
		}
		var err error
		plain, err = m.sealer.Open(src.EncryptedCredentials)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for %s: %w", src.Name, err)
		}
	}
	auth, err := CredentialsAuth(src.AuthMode, plain)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}
	return New(src, auth, m.opts, m.deps, m.logger), nil
}

// Collect runs one cycle for the source with id. A running collector is
// reused so the single-flight guard and breaker hold; otherwise a one-shot
// collector is built from storage and kept for later calls until the
// source changes or starts running.
func (m *Manager) Collect(ctx context.Context, id int64) (Result, error) {
	m.mu.Lock()
	w, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		return w.collector.Collect(ctx)
	}

	src, err := m.sources.GetSource(ctx, id)
	if err != nil {
		return Result{}, err
	}
	c, err := m.oneShotCollector(src)
	if err != nil {
		return Result{}, err
	}
	return c.Collect(ctx)
}

func (m *Manager) oneShotCollector(src storage.MetricSource) (*Collector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.running[src.ID]; ok {
		return w.collector, nil
	}
	fp := fingerprint(src)
	if w, ok := m.oneShot[src.ID]; ok && w.fingerprint == fp {
		return w.collector, nil
	}
	c, err := m.build(src)
	if err != nil {
		return nil, err
	}
	m.oneShot[src.ID] = &worker{collector: c, fingerprint: fp}
	return c, nil
}

// Workers returns the number of running collectors.
func (m *Manager) Workers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Health lists collector health ordered by source id.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	out := make([]Health, 0, len(m.running))
	for _, w := range m.running {
		out = append(out, w.collector.Health())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func fingerprint(src storage.MetricSource) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d",
		src.URL, src.Kind, src.AuthMode, src.EncryptedCredentials,
		src.RefreshInterval, src.Timeout, src.UpdatedAt.UnixNano())
}
