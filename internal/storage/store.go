package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"relayer-monitor/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned for unknown sources, wallets, alerts and keys.
	ErrNotFound = errors.New("storage: not found")
)

// SourceStore persists metric sources.
type SourceStore interface {
	ListSources(ctx context.Context, activeOnly bool) ([]MetricSource, error)
	GetSource(ctx context.Context, id int64) (MetricSource, error)
	UpsertSource(ctx context.Context, src MetricSource) (MetricSource, error)
	DeactivateSource(ctx context.Context, id int64) error
}

// WalletStore persists wallet identities.
type WalletStore interface {
	// UpsertWallet returns the stored wallet and whether it was created.
	UpsertWallet(ctx context.Context, w WalletRecord) (WalletRecord, bool, error)
	GetWallets(ctx context.Context, filter WalletFilter) ([]WalletRecord, error)
	DeleteWallet(ctx context.Context, id int64) error
}

// BalanceStore persists current balances and their history.
type BalanceStore interface {
	UpsertBalance(ctx context.Context, obs BalanceObservation) (BalanceChange, error)
	ListBalances(ctx context.Context, chainID string) ([]BalanceRow, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, walletID int64, denom string, from, to time.Time) ([]HistoryEntry, error)
}

// DecimalsStore is the durable decimals memo.
type DecimalsStore interface {
	GetDecimals(ctx context.Context, chainID, denom string) (DecimalsEntry, error)
	SetDecimals(ctx context.Context, entry DecimalsEntry) error
	DeleteDecimals(ctx context.Context, chainID, denom string) error
}

// AlertStore defines operations for alert history.
type AlertStore interface {
	AppendAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	AcknowledgeAlert(ctx context.Context, id int64, by string, at time.Time) (AlertRecord, error)
	CountOpenAlerts(ctx context.Context) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// PreferenceStore holds users and their notification preferences.
type PreferenceStore interface {
	UpsertUser(ctx context.Context, u User) (User, error)
	GetPreferences(ctx context.Context, userID int64) (NotificationPreference, error)
	SetPreferences(ctx context.Context, pref NotificationPreference) error
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
}

// ConfigStore is an arbitrary key-value table.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Store aggregates every storage concern the monitor consumes.
type Store interface {
	SourceStore
	WalletStore
	BalanceStore
	DecimalsStore
	AlertStore
	PreferenceStore
	ConfigStore
	Close()
}

// Open selects Postgres when a DSN is configured and the in-memory store otherwise.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	if cfg.DSN == "" {
		return NewMemory(), nil
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pg := NewPostgres(pool)
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
