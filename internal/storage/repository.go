package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const (
	sourceColumns = `id, name, url, kind, auth_mode, encrypted_credentials,
        refresh_seconds, timeout_seconds, active, created_at, updated_at`

	listSourcesSQL = `SELECT ` + sourceColumns + `
    FROM metric_sources
    WHERE ($1 = FALSE OR active)
    ORDER BY id;`

	getSourceSQL = `SELECT ` + sourceColumns + ` FROM metric_sources WHERE id = $1;`

	upsertSourceSQL = `INSERT INTO metric_sources (
        name, url, kind, auth_mode, encrypted_credentials, refresh_seconds, timeout_seconds, active
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (name) DO UPDATE
    SET
        url                   = EXCLUDED.url,
        kind                  = EXCLUDED.kind,
        auth_mode             = EXCLUDED.auth_mode,
        encrypted_credentials = EXCLUDED.encrypted_credentials,
        refresh_seconds       = EXCLUDED.refresh_seconds,
        timeout_seconds       = EXCLUDED.timeout_seconds,
        active                = EXCLUDED.active,
        updated_at            = NOW()
    RETURNING ` + sourceColumns + `;`

	deactivateSourceSQL = `UPDATE metric_sources SET active = FALSE, updated_at = NOW() WHERE id = $1;`

	walletColumns = `id, chain_id, chain_name, address, address_kind, active, created_at`

	insertWalletSQL = `INSERT INTO wallets (chain_id, chain_name, address, address_kind, active)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (chain_id, address, address_kind) DO NOTHING
    RETURNING ` + walletColumns + `;`

	getWalletByKeySQL = `SELECT ` + walletColumns + `
    FROM wallets
    WHERE chain_id = $1 AND address = $2 AND address_kind = $3;`

	listWalletsSQL = `SELECT ` + walletColumns + `
    FROM wallets
    WHERE ($1 = '' OR chain_id = $1)
      AND ($2 = '' OR address = $2)
      AND ($3 = FALSE OR active)
    ORDER BY id;`

	deleteWalletSQL = `DELETE FROM wallets WHERE id = $1;`

	lockBalanceSQL = `SELECT balance::text FROM balances WHERE wallet_id = $1 AND denom = $2 FOR UPDATE;`

	upsertBalanceSQL = `INSERT INTO balances (
        wallet_id, denom, balance, raw_balance, decimals, block_height, last_updated
    ) VALUES (
        $1,$2,$3::numeric,$4,$5,$6,$7
    )
    ON CONFLICT (wallet_id, denom) DO UPDATE
    SET
        balance      = EXCLUDED.balance,
        raw_balance  = EXCLUDED.raw_balance,
        decimals     = EXCLUDED.decimals,
        block_height = EXCLUDED.block_height,
        last_updated = EXCLUDED.last_updated;`

	listBalancesSQL = `SELECT
        w.id, w.chain_id, w.chain_name, w.address, w.address_kind, w.active, w.created_at,
        b.denom, b.balance::text, b.raw_balance, b.decimals, b.block_height, b.last_updated
    FROM balances b
    JOIN wallets w ON w.id = b.wallet_id
    WHERE ($1 = '' OR w.chain_id = $1)
    ORDER BY w.chain_id, w.address, b.denom;`

	appendHistorySQL = `INSERT INTO balance_history (
        wallet_id, denom, old_balance, new_balance, delta, direction, ts
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5::numeric,$6,$7
    );`

	listHistorySQL = `SELECT
        id, wallet_id, denom, old_balance::text, new_balance::text, delta::text, direction, ts
    FROM balance_history
    WHERE wallet_id = $1
      AND denom = $2
      AND ts >= $3
      AND ts < $4
    ORDER BY ts, id;`

	getDecimalsSQL = `SELECT chain_id, denom, decimals, source, updated_at
    FROM decimals_cache
    WHERE chain_id = $1 AND denom = $2;`

	setDecimalsSQL = `INSERT INTO decimals_cache (chain_id, denom, decimals, source, updated_at)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (chain_id, denom) DO UPDATE
    SET decimals = EXCLUDED.decimals,
        source = EXCLUDED.source,
        updated_at = EXCLUDED.updated_at;`

	deleteDecimalsSQL = `DELETE FROM decimals_cache WHERE chain_id = $1 AND denom = $2;`

	alertColumns = `id, type, chain_name, severity, message, data,
        acknowledged, acknowledged_by, acknowledged_at, created_at`

	appendAlertSQL = `INSERT INTO alerts (type, chain_name, severity, message, data)
    VALUES ($1,$2,$3,$4,$5)
    RETURNING ` + alertColumns + `;`

	listAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	acknowledgeAlertSQL = `UPDATE alerts
    SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
    WHERE id = $1
    RETURNING ` + alertColumns + `;`

	countOpenAlertsSQL = `SELECT COUNT(*) FROM alerts WHERE NOT acknowledged;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	upsertUserSQL = `INSERT INTO users (username, role, active)
    VALUES ($1,$2,$3)
    ON CONFLICT (username) DO UPDATE
    SET role = EXCLUDED.role, active = EXCLUDED.active
    RETURNING id, username, role, active;`

	getPreferencesSQL = `SELECT user_id, gotify_url, gotify_token, enabled, thresholds
    FROM notification_preferences
    WHERE user_id = $1;`

	setPreferencesSQL = `INSERT INTO notification_preferences (user_id, gotify_url, gotify_token, enabled, thresholds)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (user_id) DO UPDATE
    SET gotify_url   = EXCLUDED.gotify_url,
        gotify_token = EXCLUDED.gotify_token,
        enabled      = EXCLUDED.enabled,
        thresholds   = EXCLUDED.thresholds;`

	listSubscribersSQL = `SELECT
        u.id, u.username, u.role, u.active,
        p.gotify_url, p.gotify_token, p.enabled, p.thresholds
    FROM users u
    JOIN notification_preferences p ON p.user_id = u.id
    WHERE u.active
    ORDER BY u.id;`

	getConfigSQL = `SELECT value FROM config_kv WHERE key = $1;`

	setConfigSQL = `INSERT INTO config_kv (key, value, updated_at)
    VALUES ($1,$2,NOW())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, updated_at = NOW();`
)

// Postgres implements Store on top of a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres wires a pgx pool into a Postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ListSources lists sources, optionally only the active ones.
func (s *Postgres) ListSources(ctx context.Context, activeOnly bool) ([]MetricSource, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSourcesSQL, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	sources := make([]MetricSource, 0)
	for rows.Next() {
		src, scanErr := scanSource(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// GetSource loads one source by id.
func (s *Postgres) GetSource(ctx context.Context, id int64) (MetricSource, error) {
	pool, err := s.getPool()
	if err != nil {
		return MetricSource{}, err
	}
	src, err := scanSource(pool.QueryRow(ctx, getSourceSQL, id))
	if err != nil {
		return MetricSource{}, notFound(err)
	}
	return src, nil
}

// UpsertSource inserts or updates a source keyed by name.
func (s *Postgres) UpsertSource(ctx context.Context, src MetricSource) (MetricSource, error) {
	pool, err := s.getPool()
	if err != nil {
		return MetricSource{}, err
	}
	row := pool.QueryRow(ctx, upsertSourceSQL,
		src.Name,
		src.URL,
		string(src.Kind),
		string(src.AuthMode),
		src.EncryptedCredentials,
		int(src.RefreshInterval/time.Second),
		int(src.Timeout/time.Second),
		src.Active,
	)
	stored, err := scanSource(row)
	if err != nil {
		return MetricSource{}, fmt.Errorf("upsert source: %w", err)
	}
	return stored, nil
}

// DeactivateSource soft-deletes a source.
func (s *Postgres) DeactivateSource(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deactivateSourceSQL, id)
	if err != nil {
		return fmt.Errorf("deactivate source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertWallet creates the wallet on first sight and otherwise returns the
// stored record untouched.
func (s *Postgres) UpsertWallet(ctx context.Context, w WalletRecord) (WalletRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return WalletRecord{}, false, err
	}
	kind := w.AddressKind
	if kind == "" {
		kind = AddressRelayer
	}

	created, err := scanWallet(pool.QueryRow(ctx, insertWalletSQL, w.ChainID, w.ChainName, w.Address, string(kind), true))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return WalletRecord{}, false, fmt.Errorf("insert wallet: %w", err)
	}

	existing, err := scanWallet(pool.QueryRow(ctx, getWalletByKeySQL, w.ChainID, w.Address, string(kind)))
	if err != nil {
		return WalletRecord{}, false, fmt.Errorf("load wallet: %w", err)
	}
	return existing, false, nil
}

// GetWallets lists wallets matching filter.
func (s *Postgres) GetWallets(ctx context.Context, filter WalletFilter) ([]WalletRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listWalletsSQL, filter.ChainID, filter.Address, filter.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	wallets := make([]WalletRecord, 0)
	for rows.Next() {
		w, scanErr := scanWallet(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// DeleteWallet removes a wallet; balances and history cascade.
func (s *Postgres) DeleteWallet(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteWalletSQL, id)
	if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertBalance overwrites the current observation and reports the change.
func (s *Postgres) UpsertBalance(ctx context.Context, obs BalanceObservation) (BalanceChange, error) {
	pool, err := s.getPool()
	if err != nil {
		return BalanceChange{}, err
	}

	var change BalanceChange
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var oldStr string
		switch scanErr := tx.QueryRow(ctx, lockBalanceSQL, obs.WalletID, obs.Denom).Scan(&oldStr); {
		case scanErr == nil:
			old, parseErr := decimal.NewFromString(oldStr)
			if parseErr != nil {
				return fmt.Errorf("parse stored balance: %w", parseErr)
			}
			change.Existed = true
			change.Old = old
		case errors.Is(scanErr, pgx.ErrNoRows):
			change.Old = decimal.Zero
		default:
			return fmt.Errorf("lock balance: %w", scanErr)
		}

		var block interface{}
		if obs.BlockHeight != nil {
			block = *obs.BlockHeight
		}
		_, execErr := tx.Exec(ctx, upsertBalanceSQL,
			obs.WalletID,
			obs.Denom,
			obs.Balance.String(),
			obs.RawBalance,
			obs.Decimals,
			block,
			obs.LastUpdated,
		)
		if execErr != nil {
			return fmt.Errorf("upsert balance: %w", execErr)
		}
		return nil
	})
	if txErr != nil {
		return BalanceChange{}, txErr
	}

	change.New = obs.Balance
	change.Delta = obs.Balance.Sub(change.Old)
	return change, nil
}

// ListBalances joins balances with wallets, optionally for one chain.
func (s *Postgres) ListBalances(ctx context.Context, chainID string) ([]BalanceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listBalancesSQL, chainID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	out := make([]BalanceRow, 0)
	for rows.Next() {
		var (
			row        BalanceRow
			kind       string
			balanceStr string
			block      *int64
		)
		if err := rows.Scan(
			&row.Wallet.ID,
			&row.Wallet.ChainID,
			&row.Wallet.ChainName,
			&row.Wallet.Address,
			&kind,
			&row.Wallet.Active,
			&row.Wallet.CreatedAt,
			&row.Observation.Denom,
			&balanceStr,
			&row.Observation.RawBalance,
			&row.Observation.Decimals,
			&block,
			&row.Observation.LastUpdated,
		); err != nil {
			return nil, err
		}
		row.Wallet.AddressKind = AddressKind(kind)
		row.Observation.WalletID = row.Wallet.ID
		row.Observation.BlockHeight = block
		if row.Observation.Balance, err = decimal.NewFromString(balanceStr); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AppendHistory appends one balance movement.
func (s *Postgres) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = pool.Exec(ctx, appendHistorySQL,
		entry.WalletID,
		entry.Denom,
		entry.OldBalance.String(),
		entry.NewBalance.String(),
		entry.Delta.String(),
		string(entry.Direction),
		ts,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns history entries in [from, to) oldest first.
func (s *Postgres) ListHistory(ctx context.Context, walletID int64, denom string, from, to time.Time) ([]HistoryEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listHistorySQL, walletID, denom, from, to)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			e                        HistoryEntry
			oldStr, newStr, deltaStr string
			direction                string
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Denom, &oldStr, &newStr, &deltaStr, &direction, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Direction = Direction(direction)
		if e.OldBalance, err = decimal.NewFromString(oldStr); err != nil {
			return nil, fmt.Errorf("parse old balance: %w", err)
		}
		if e.NewBalance, err = decimal.NewFromString(newStr); err != nil {
			return nil, fmt.Errorf("parse new balance: %w", err)
		}
		if e.Delta, err = decimal.NewFromString(deltaStr); err != nil {
			return nil, fmt.Errorf("parse delta: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetDecimals returns ErrNotFound on a cache miss.
func (s *Postgres) GetDecimals(ctx context.Context, chainID, denom string) (DecimalsEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return DecimalsEntry{}, err
	}
	var e DecimalsEntry
	if err := pool.QueryRow(ctx, getDecimalsSQL, chainID, denom).Scan(
		&e.ChainID, &e.Denom, &e.Decimals, &e.Source, &e.UpdatedAt,
	); err != nil {
		return DecimalsEntry{}, notFound(err)
	}
	return e, nil
}

// SetDecimals writes or refreshes a cache entry.
func (s *Postgres) SetDecimals(ctx context.Context, entry DecimalsEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := entry.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := pool.Exec(ctx, setDecimalsSQL, entry.ChainID, entry.Denom, entry.Decimals, entry.Source, updated); err != nil {
		return fmt.Errorf("set decimals: %w", err)
	}
	return nil
}

// DeleteDecimals invalidates one cache entry.
func (s *Postgres) DeleteDecimals(ctx context.Context, chainID, denom string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteDecimalsSQL, chainID, denom); err != nil {
		return fmt.Errorf("delete decimals: %w", err)
	}
	return nil
}

// AppendAlert persists an alert with a server-assigned id and timestamp.
func (s *Postgres) AppendAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	var data []byte
	if len(alert.Data) > 0 {
		data = alert.Data
	}
	rec, err := scanAlert(pool.QueryRow(ctx, appendAlertSQL,
		alert.Type,
		alert.ChainName,
		string(alert.Severity),
		alert.Message,
		data,
	))
	if err != nil {
		return AlertRecord{}, fmt.Errorf("append alert: %w", err)
	}
	return rec, nil
}

// ListAlerts lists most recent alerts first.
func (s *Postgres) ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert sets the acknowledgement fields.
func (s *Postgres) AcknowledgeAlert(ctx context.Context, id int64, by string, at time.Time) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, acknowledgeAlertSQL, id, by, at))
	if err != nil {
		return AlertRecord{}, notFound(err)
	}
	return rec, nil
}

// CountOpenAlerts counts unacknowledged alerts.
func (s *Postgres) CountOpenAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countOpenAlertsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open alerts: %w", err)
	}
	return count, nil
}

// DeleteAlertsBefore deletes historical alerts and returns how many went.
func (s *Postgres) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertUser inserts or updates a user keyed by username.
func (s *Postgres) UpsertUser(ctx context.Context, u User) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	var out User
	if err := pool.QueryRow(ctx, upsertUserSQL, u.Username, u.Role, u.Active).Scan(
		&out.ID, &out.Username, &out.Role, &out.Active,
	); err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

// GetPreferences returns ErrNotFound when the user has none.
func (s *Postgres) GetPreferences(ctx context.Context, userID int64) (NotificationPreference, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationPreference{}, err
	}
	var (
		pref       NotificationPreference
		thresholds []byte
	)
	if err := pool.QueryRow(ctx, getPreferencesSQL, userID).Scan(
		&pref.UserID, &pref.GotifyURL, &pref.GotifyToken, &pref.Enabled, &thresholds,
	); err != nil {
		return NotificationPreference{}, notFound(err)
	}
	if err := decodeThresholds(thresholds, &pref.Thresholds); err != nil {
		return NotificationPreference{}, err
	}
	return pref, nil
}

// SetPreferences validates and stores a user's preferences.
func (s *Postgres) SetPreferences(ctx context.Context, pref NotificationPreference) error {
	if err := pref.Thresholds.Validate(); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	thresholds, err := json.Marshal(pref.Thresholds)
	if err != nil {
		return fmt.Errorf("encode thresholds: %w", err)
	}
	if _, err := pool.Exec(ctx, setPreferencesSQL, pref.UserID, pref.GotifyURL, pref.GotifyToken, pref.Enabled, thresholds); err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}

// ListSubscribers lists active users that have stored preferences.
func (s *Postgres) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSubscribersSQL)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs := make([]Subscriber, 0)
	for rows.Next() {
		var (
			sub        Subscriber
			thresholds []byte
		)
		if err := rows.Scan(
			&sub.User.ID, &sub.User.Username, &sub.User.Role, &sub.User.Active,
			&sub.Preferences.GotifyURL, &sub.Preferences.GotifyToken, &sub.Preferences.Enabled, &thresholds,
		); err != nil {
			return nil, err
		}
		sub.Preferences.UserID = sub.User.ID
		if err := decodeThresholds(thresholds, &sub.Preferences.Thresholds); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetConfig returns ErrNotFound for unknown keys.
func (s *Postgres) GetConfig(ctx context.Context, key string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var value string
	if err := pool.QueryRow(ctx, getConfigSQL, key).Scan(&value); err != nil {
		return "", notFound(err)
	}
	return value, nil
}

// SetConfig stores a key-value pair.
func (s *Postgres) SetConfig(ctx context.Context, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, setConfigSQL, key, value); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func decodeThresholds(raw []byte, out *SubscriberThresholds) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode thresholds: %w", err)
	}
	return nil
}

func scanSource(row pgx.Row) (MetricSource, error) {
	var (
		src            MetricSource
		kind, authMode string
		refresh, tmo   int
	)
	if err := row.Scan(
		&src.ID,
		&src.Name,
		&src.URL,
		&kind,
		&authMode,
		&src.EncryptedCredentials,
		&refresh,
		&tmo,
		&src.Active,
		&src.CreatedAt,
		&src.UpdatedAt,
	); err != nil {
		return MetricSource{}, err
	}
	src.Kind = SourceKind(kind)
	src.AuthMode = AuthMode(authMode)
	src.RefreshInterval = time.Duration(refresh) * time.Second
	src.Timeout = time.Duration(tmo) * time.Second
	return src, nil
}

func scanWallet(row pgx.Row) (WalletRecord, error) {
	var (
		w    WalletRecord
		kind string
	)
	if err := row.Scan(&w.ID, &w.ChainID, &w.ChainName, &w.Address, &kind, &w.Active, &w.CreatedAt); err != nil {
		return WalletRecord{}, err
	}
	w.AddressKind = AddressKind(kind)
	return w, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec      AlertRecord
		severity string
		data     []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.ChainName,
		&severity,
		&rec.Message,
		&data,
		&rec.Acknowledged,
		&rec.AcknowledgedBy,
		&rec.AcknowledgedAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	rec.Severity = Severity(severity)
	if len(data) > 0 {
		rec.Data = json.RawMessage(data)
	}
	return rec, nil
}
