package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/config"
	"relayer-monitor/internal/hub"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/storage"
	"relayer-monitor/internal/telemetry"
)

// ThresholdsConfigKey overrides the configured thresholds at runtime.
const ThresholdsConfigKey = "alerting.thresholds"

// Store is the slice of storage the engine needs.
type Store interface {
	storage.AlertStore
	storage.PreferenceStore
	storage.ConfigStore
}

// Broadcaster pushes events to live connections.
type Broadcaster interface {
	Broadcast(ch hub.Channel, ev hub.Event) int
}

// Options configure the engine.
type Options struct {
	Enabled          bool
	Window           time.Duration
	Retention        time.Duration
	HistoryRetention time.Duration
	Workers          int
	Thresholds       config.Thresholds
}

// OptionsFromConfig maps runtime settings onto Options.
func OptionsFromConfig(cfg config.AlertingConfig) Options {
	return Options{
		Enabled:          cfg.Enabled,
		Window:           cfg.DedupWindow,
		Retention:        cfg.DedupRetention,
		HistoryRetention: cfg.HistoryRetention,
		Workers:          cfg.DispatchWorkers,
		Thresholds:       cfg.Thresholds,
	}
}

// Deps are the engine collaborators. Hub, Pusher and Notifiers are optional.
type Deps struct {
	Store     Store
	Deduper   Deduper
	Pusher    Pusher
	Hub       Broadcaster
	Notifiers []Notifier
}

// DispatchReport summarises one fan-out.
type DispatchReport struct {
	Subscribers int `json:"subscribers"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// Outcome describes what Raise did with an alert.
type Outcome struct {
	Persisted    bool           `json:"persisted"`
	Deduplicated bool           `json:"deduplicated"`
	Dispatched   bool           `json:"dispatched"`
	Report       DispatchReport `json:"report"`
}

// Engine persists, deduplicates and routes alerts.
type Engine struct {
	opts       Options
	deps       Deps
	pool       pond.Pool
	thresholds atomic.Pointer[config.Thresholds]
	logger     zerolog.Logger
	now        func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(opts Options, deps Deps, logger zerolog.Logger) *Engine {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if deps.Deduper == nil {
		deps.Deduper = NewMemoryDeduper()
	}
	e := &Engine{
		opts:   opts,
		deps:   deps,
		pool:   pond.NewPool(opts.Workers, pond.WithQueueSize(256)),
		logger: logging.Component(logger, "alert_engine"),
		now:    time.Now,
	}
	t := opts.Thresholds
	e.thresholds.Store(&t)
	return e
}

// Close stops the dispatch pool and the deduper.
func (e *Engine) Close() error {
	e.pool.StopAndWait()
	return e.deps.Deduper.Close()
}

// Thresholds returns the thresholds currently in force.
func (e *Engine) Thresholds() config.Thresholds {
	return *e.thresholds.Load()
}

// LoadThresholds applies the runtime override stored under
// ThresholdsConfigKey, if any.
func (e *Engine) LoadThresholds(ctx context.Context) error {
	raw, err := e.deps.Store.GetConfig(ctx, ThresholdsConfigKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	t := e.opts.Thresholds
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return fmt.Errorf("decode %s: %w", ThresholdsConfigKey, err)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	e.thresholds.Store(&t)
	e.logger.Info().Interface("thresholds", t).Msg("runtime thresholds applied")
	return nil
}

// SetThresholds validates, persists and applies new thresholds.
func (e *Engine) SetThresholds(ctx context.Context, t config.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := e.deps.Store.SetConfig(ctx, ThresholdsConfigKey, string(raw)); err != nil {
		return fmt.Errorf("persist thresholds: %w", err)
	}
	e.thresholds.Store(&t)
	return nil
}

// Evaluate grades a condition against the current thresholds.
func (e *Engine) Evaluate(c Condition) *Alert {
	return Evaluate(c, e.Thresholds())
}

// Raise persists a, then dispatches it unless the same dedup key was
// dispatched within the window. Persistence always happens first, so a
// suppressed duplicate still appears in history.
func (e *Engine) Raise(ctx context.Context, a Alert) (storage.AlertRecord, Outcome, error) {
	var out Outcome
	rec, err := a.Record()
	if err != nil {
		return storage.AlertRecord{}, out, err
	}
	rec, err = e.deps.Store.AppendAlert(ctx, rec)
	if err != nil {
		return storage.AlertRecord{}, out, fmt.Errorf("persist alert: %w", err)
	}
	out.Persisted = true
	telemetry.AlertsRaised.WithLabelValues(rec.Type, string(rec.Severity)).Inc()

	if !e.opts.Enabled {
		return rec, out, nil
	}

	key := a.DedupKey()
	fresh, err := e.deps.Deduper.Claim(ctx, key, e.opts.Window, e.now())
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("dedup check failed, dispatching anyway")
		fresh = true
	}
	if !fresh {
		telemetry.AlertsDeduplicated.WithLabelValues(rec.Type).Inc()
		e.logger.Debug().Str("key", key).Int64("alert_id", rec.ID).Msg("alert suppressed by dedup window")
		out.Deduplicated = true
		return rec, out, nil
	}

	out.Report = e.dispatch(ctx, rec, a)
	out.Dispatched = true
	return rec, out, nil
}

// Dispatch pushes a persisted record to live connections, operator
// channels and every subscriber whose gates pass.
func (e *Engine) Dispatch(ctx context.Context, rec storage.AlertRecord) DispatchReport {
	return e.dispatch(ctx, rec, FromRecord(rec))
}

func (e *Engine) dispatch(ctx context.Context, rec storage.AlertRecord, a Alert) DispatchReport {
	var report DispatchReport
	log := e.logger.With().Int64("alert_id", rec.ID).Str("type", rec.Type).Str("severity", string(rec.Severity)).Logger()

	if e.deps.Hub != nil {
		e.deps.Hub.Broadcast(hub.ChannelAlerts, hub.Event{Type: hub.EventNewAlert, Data: rec})
	}

	for _, n := range e.deps.Notifiers {
		if err := n.Notify(ctx, rec); err != nil {
			telemetry.AlertsFailed.WithLabelValues(n.Name()).Inc()
			log.Error().Err(err).Str("channel", n.Name()).Msg("operator notification failed")
			continue
		}
		telemetry.AlertsSent.WithLabelValues(n.Name()).Inc()
	}

	if e.deps.Pusher == nil {
		return report
	}
	subs, err := e.deps.Store.ListSubscribers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list subscribers failed")
		return report
	}
	report.Subscribers = len(subs)

	var delivered, failed atomic.Int32
	thresholds := e.Thresholds()
	note := Render(rec)
	group := e.pool.NewGroupContext(ctx)
	for _, sub := range subs {
		ok, reason := Route(a, sub, thresholds)
		if !ok {
			report.Skipped++
			log.Debug().Int64("user_id", sub.User.ID).Str("reason", reason).Msg("subscriber skipped")
			continue
		}
		target := Target{URL: sub.Preferences.GotifyURL, Token: sub.Preferences.GotifyToken}
		userID := sub.User.ID
		group.Submit(func() {
			if err := e.deps.Pusher.Push(ctx, target, note); err != nil {
				failed.Add(1)
				telemetry.AlertsFailed.WithLabelValues("subscriber").Inc()
				log.Error().Err(err).Int64("user_id", userID).Msg("subscriber notification failed")
				return
			}
			delivered.Add(1)
			telemetry.AlertsSent.WithLabelValues("subscriber").Inc()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		log.Warn().Err(err).Msg("subscriber fan-out interrupted")
	}

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	log.Info().Int("delivered", report.Delivered).Int("failed", report.Failed).Int("skipped", report.Skipped).Msg("alert dispatched")
	return report
}

// Acknowledge marks an alert as handled by user.
func (e *Engine) Acknowledge(ctx context.Context, id int64, user string) (storage.AlertRecord, error) {
	rec, err := e.deps.Store.AcknowledgeAlert(ctx, id, user, e.now().UTC())
	if err != nil {
		return storage.AlertRecord{}, err
	}
	if e.deps.Hub != nil {
		e.deps.Hub.Broadcast(hub.ChannelAlerts, hub.Event{Type: hub.EventAlertsUpdate, Data: rec})
	}
	return rec, nil
}

// Cleanup evicts dedup entries older than the retention and, when history
// retention is set, deletes old alert records.
func (e *Engine) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed, err := e.deps.Deduper.Cleanup(ctx, now.Add(-e.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("dedup cleanup: %w", err)
	}
	if e.opts.HistoryRetention > 0 {
		deleted, err := e.deps.Store.DeleteAlertsBefore(ctx, now.Add(-e.opts.HistoryRetention))
		if err != nil {
			return removed, fmt.Errorf("alert retention sweep: %w", err)
		}
		if deleted > 0 {
			e.logger.Info().Int64("deleted", deleted).Msg("old alerts removed")
		}
	}
	e.logger.Debug().Int("evicted", removed).Msg("dedup cleanup complete")
	return removed, nil
}
