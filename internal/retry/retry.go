package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"relayer-monitor/internal/config"
)

// ErrExhausted wraps the last attempt error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy is an explicit retry policy: attempt count plus a capped
// exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable reports whether an error deserves another attempt. Nil
	// retries everything.
	Retryable func(error) bool
}

// FromConfig builds a Policy from runtime settings.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
	}
}

// Delay returns the wait before retry n (1-based): base * multiplier^(n-1),
// capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached.
func Do(ctx context.Context, p Policy, logger zerolog.Logger, operation string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().Str("operation", operation).Int("attempts", attempt).Msg("operation succeeded after retries")
			}
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		logger.Warn().
			Err(lastErr).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", delay).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w: %w", operation, attempts, ErrExhausted, lastErr)
}
