package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"relayer-monitor/internal/config"
)

// Deduper records which dedup keys were dispatched recently.
type Deduper interface {
	// Claim returns true when key was not dispatched within window and
	// records it as dispatched at now.
	Claim(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error)
	// Cleanup evicts entries recorded before cutoff and returns how many.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// MemoryDeduper keeps the window in process.
type MemoryDeduper struct {
	seen *xsync.Map[string, time.Time]
}

var _ Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper constructs an empty in-process deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: xsync.NewMap[string, time.Time]()}
}

// Claim is atomic per key.
func (d *MemoryDeduper) Claim(_ context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	claimed := false
	d.seen.Compute(key, func(last time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Sub(last) < window {
			return last, xsync.CancelOp
		}
		claimed = true
		return now, xsync.UpdateOp
	})
	return claimed, nil
}

// Cleanup drops entries older than cutoff.
func (d *MemoryDeduper) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	d.seen.Range(func(key string, last time.Time) bool {
		if last.Before(cutoff) {
			d.seen.Compute(key, func(current time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
				if loaded && current.Before(cutoff) {
					removed++
					return current, xsync.DeleteOp
				}
				return current, xsync.CancelOp
			})
		}
		return true
	})
	return removed, nil
}

// Size returns the number of tracked keys.
func (d *MemoryDeduper) Size() int { return d.seen.Size() }

// Close is a no-op.
func (d *MemoryDeduper) Close() error { return nil }

// RedisDeduper shares the window between replicas with SET NX PX. Redis
// expires keys itself, so Cleanup has nothing to do.
type RedisDeduper struct {
	rdb    *redis.Client
	prefix string
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper dials redis and verifies the connection.
func NewRedisDeduper(ctx context.Context, cfg config.RedisConfig) (*RedisDeduper, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisDeduper{rdb: rdb, prefix: "relayer-monitor:dedup:"}, nil
}

// Claim sets the key only if absent, with the window as its TTL.
func (d *RedisDeduper) Claim(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+key, now.UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Cleanup is handled by key expiry.
func (d *RedisDeduper) Cleanup(context.Context, time.Time) (int, error) { return 0, nil }

// Close shuts down the Redis connection.
func (d *RedisDeduper) Close() error { return d.rdb.Close() }
