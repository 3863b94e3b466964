package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the scheduled tick time.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	Immediate    bool
	StartupDelay time.Duration
}

// Scheduler drives one periodic job. Ticks never overlap: a slow tick delays
// the next one and missed ticks are skipped rather than queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler. A non-positive interval panics.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	l := logger.With().Str("component", "scheduler")
	if opts.Name != "" {
		l = l.Str("job", opts.Name)
	}
	return &Scheduler{opts: opts, logger: l.Logger()}
}

// Interval returns the configured period.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick every interval until ctx is cancelled. Tick
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.Immediate {
		s.fire(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		if delay := time.Until(next); delay < 0 {
			skipped := int(-delay/s.opts.Interval) + 1
			s.logger.Warn().Int("skipped", skipped).Msg("tick overran its interval")
			next = s.nextTick(time.Now().UTC())
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := sleep(ctx, time.Until(next)); err != nil {
			return err
		}

		s.fire(ctx, tick, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) {
	if err := tick(ctx, at); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	t := now.Truncate(s.opts.Interval)
	if !t.After(now) {
		t = t.Add(s.opts.Interval)
	}
	return t
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
