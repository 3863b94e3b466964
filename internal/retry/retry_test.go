package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDelayStrictlyGrowsUntilCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	prev := time.Duration(0)
	capped := false
	for n := 1; n <= 8; n++ {
		d := p.Delay(n)
		if d > p.MaxDelay {
			t.Fatalf("delay %d = %s exceeds cap", n, d)
		}
		if d == p.MaxDelay {
			capped = true
			continue
		}
		if capped {
			t.Fatalf("delay %d dropped below cap after reaching it", n)
		}
		if d <= prev {
			t.Fatalf("delay %d = %s not greater than previous %s", n, d, prev)
		}
		prev = d
	}
	if !capped {
		t.Fatalf("expected cap to be reached within 8 retries")
	}
	if got := p.Delay(3); got != 4*time.Second {
		t.Fatalf("Delay(3) = %s, want 4s", got)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, zerolog.Nop(), "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhausts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}
	sentinel := errors.New("down")
	calls := 0
	err := Do(context.Background(), p, zerolog.Nop(), "down", func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want ErrExhausted wrapping sentinel", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("unauthorized")
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}
	calls := 0
	err := Do(context.Background(), p, zerolog.Nop(), "auth", func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, zerolog.Nop(), "slow", func(context.Context) error {
			return errors.New("fail")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Do did not return after cancel")
	}
}
