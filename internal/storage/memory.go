package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type balanceKey struct {
	walletID int64
	denom    string
}

type walletKey struct {
	chainID string
	address string
	kind    AddressKind
}

type decimalsKey struct {
	chainID string
	denom   string
}

// Memory is a process-local Store used for development and tests. It keeps
// the same referential rules as Postgres: deleting a wallet removes its
// balances and history.
type Memory struct {
	mu sync.RWMutex

	nextID int64

	sources      map[int64]MetricSource
	wallets      map[int64]WalletRecord
	walletIndex  map[walletKey]int64
	balances     map[balanceKey]BalanceObservation
	history      []HistoryEntry
	decimals     map[decimalsKey]DecimalsEntry
	alerts       []AlertRecord
	users        map[int64]User
	usernames    map[string]int64
	preferences  map[int64]NotificationPreference
	configValues map[string]string

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sources:      make(map[int64]MetricSource),
		wallets:      make(map[int64]WalletRecord),
		walletIndex:  make(map[walletKey]int64),
		balances:     make(map[balanceKey]BalanceObservation),
		decimals:     make(map[decimalsKey]DecimalsEntry),
		users:        make(map[int64]User),
		usernames:    make(map[string]int64),
		preferences:  make(map[int64]NotificationPreference),
		configValues: make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (m *Memory) Close() {}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// ListSources lists sources ordered by id.
func (m *Memory) ListSources(_ context.Context, activeOnly bool) ([]MetricSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MetricSource, 0, len(m.sources))
	for _, src := range m.sources {
		if activeOnly && !src.Active {
			continue
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSource loads one source.
func (m *Memory) GetSource(_ context.Context, id int64) (MetricSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return MetricSource{}, ErrNotFound
	}
	return src, nil
}

// UpsertSource inserts or updates a source keyed by name.
func (m *Memory) UpsertSource(_ context.Context, src MetricSource) (MetricSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, existing := range m.sources {
		if existing.Name == src.Name {
			src.ID = id
			src.CreatedAt = existing.CreatedAt
			src.UpdatedAt = now
			m.sources[id] = src
			return src, nil
		}
	}
	src.ID = m.id()
	src.CreatedAt = now
	src.UpdatedAt = now
	m.sources[src.ID] = src
	return src, nil
}

// DeactivateSource soft-deletes a source.
func (m *Memory) DeactivateSource(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return ErrNotFound
	}
	src.Active = false
	src.UpdatedAt = m.now()
	m.sources[id] = src
	return nil
}

// UpsertWallet creates the wallet on first sight only.
func (m *Memory) UpsertWallet(_ context.Context, w WalletRecord) (WalletRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.AddressKind == "" {
		w.AddressKind = AddressRelayer
	}
	key := walletKey{chainID: w.ChainID, address: w.Address, kind: w.AddressKind}
	if id, ok := m.walletIndex[key]; ok {
		return m.wallets[id], false, nil
	}
	w.ID = m.id()
	w.Active = true
	w.CreatedAt = m.now()
	m.wallets[w.ID] = w
	m.walletIndex[key] = w.ID
	return w, true, nil
}

// GetWallets lists wallets matching filter ordered by id.
func (m *Memory) GetWallets(_ context.Context, filter WalletFilter) ([]WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WalletRecord, 0)
	for _, w := range m.wallets {
		if filter.Match(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWallet removes a wallet together with its balances and history.
func (m *Memory) DeleteWallet(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.wallets, id)
	delete(m.walletIndex, walletKey{chainID: w.ChainID, address: w.Address, kind: w.AddressKind})
	for key := range m.balances {
		if key.walletID == id {
			delete(m.balances, key)
		}
	}
	kept := m.history[:0]
	for _, e := range m.history {
		if e.WalletID != id {
			kept = append(kept, e)
		}
	}
	m.history = kept
	return nil
}

// UpsertBalance overwrites the observation and reports the change. The wallet
// must exist.
func (m *Memory) UpsertBalance(_ context.Context, obs BalanceObservation) (BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[obs.WalletID]; !ok {
		return BalanceChange{}, ErrNotFound
	}
	key := balanceKey{walletID: obs.WalletID, denom: obs.Denom}
	change := BalanceChange{Old: decimal.Zero, New: obs.Balance}
	if prev, ok := m.balances[key]; ok {
		change.Existed = true
		change.Old = prev.Balance
	}
	change.Delta = obs.Balance.Sub(change.Old)
	if obs.LastUpdated.IsZero() {
		obs.LastUpdated = m.now()
	}
	m.balances[key] = obs
	return change, nil
}

// ListBalances joins balances with wallets, optionally for one chain.
func (m *Memory) ListBalances(_ context.Context, chainID string) ([]BalanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BalanceRow, 0, len(m.balances))
	for key, obs := range m.balances {
		w := m.wallets[key.walletID]
		if chainID != "" && w.ChainID != chainID {
			continue
		}
		out = append(out, BalanceRow{Wallet: w, Observation: obs})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Wallet.ChainID != b.Wallet.ChainID {
			return a.Wallet.ChainID < b.Wallet.ChainID
		}
		if a.Wallet.Address != b.Wallet.Address {
			return a.Wallet.Address < b.Wallet.Address
		}
		return a.Observation.Denom < b.Observation.Denom
	})
	return out, nil
}

// AppendHistory appends one balance movement.
func (m *Memory) AppendHistory(_ context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[entry.WalletID]; !ok {
		return ErrNotFound
	}
	entry.ID = m.id()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.history = append(m.history, entry)
	return nil
}

// ListHistory returns entries in [from, to) oldest first.
func (m *Memory) ListHistory(_ context.Context, walletID int64, denom string, from, to time.Time) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HistoryEntry, 0)
	for _, e := range m.history {
		if e.WalletID != walletID || e.Denom != denom {
			continue
		}
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetDecimals returns ErrNotFound on a miss.
func (m *Memory) GetDecimals(_ context.Context, chainID, denom string) (DecimalsEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.decimals[decimalsKey{chainID: chainID, denom: denom}]
	if !ok {
		return DecimalsEntry{}, ErrNotFound
	}
	return e, nil
}

// SetDecimals writes or refreshes an entry.
func (m *Memory) SetDecimals(_ context.Context, entry DecimalsEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = m.now()
	}
	m.decimals[decimalsKey{chainID: entry.ChainID, denom: entry.Denom}] = entry
	return nil
}

// DeleteDecimals invalidates an entry.
func (m *Memory) DeleteDecimals(_ context.Context, chainID, denom string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.decimals, decimalsKey{chainID: chainID, denom: denom})
	return nil
}

// AppendAlert assigns an id and creation timestamp.
func (m *Memory) AppendAlert(_ context.Context, alert AlertRecord) (AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.ID = m.id()
	alert.CreatedAt = m.now()
	alert.Acknowledged = false
	alert.AcknowledgedBy = ""
	alert.AcknowledgedAt = nil
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

// ListAlerts lists the newest alerts first.
func (m *Memory) ListAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertRecord, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.alerts[i])
	}
	return out, nil
}

// AcknowledgeAlert sets the acknowledgement fields.
func (m *Memory) AcknowledgeAlert(_ context.Context, id int64, by string, at time.Time) (AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		ackAt := at
		m.alerts[i].Acknowledged = true
		m.alerts[i].AcknowledgedBy = by
		m.alerts[i].AcknowledgedAt = &ackAt
		return m.alerts[i], nil
	}
	return AlertRecord{}, ErrNotFound
}

// CountOpenAlerts counts unacknowledged alerts.
func (m *Memory) CountOpenAlerts(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, a := range m.alerts {
		if !a.Acknowledged {
			n++
		}
	}
	return n, nil
}

// DeleteAlertsBefore removes alerts created before olderThan.
func (m *Memory) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	var removed int64
	for _, a := range m.alerts {
		if a.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
	return removed, nil
}

// UpsertUser inserts or updates a user keyed by username.
func (m *Memory) UpsertUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.usernames[u.Username]; ok {
		u.ID = id
	} else {
		u.ID = m.id()
		m.usernames[u.Username] = u.ID
	}
	m.users[u.ID] = u
	return u, nil
}

// GetPreferences returns ErrNotFound when none are stored.
func (m *Memory) GetPreferences(_ context.Context, userID int64) (NotificationPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pref, ok := m.preferences[userID]
	if !ok {
		return NotificationPreference{}, ErrNotFound
	}
	return pref, nil
}

// SetPreferences validates and stores preferences for an existing user.
func (m *Memory) SetPreferences(_ context.Context, pref NotificationPreference) error {
	if err := pref.Thresholds.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[pref.UserID]; !ok {
		return ErrNotFound
	}
	m.preferences[pref.UserID] = pref
	return nil
}

// ListSubscribers lists active users with preferences ordered by id.
func (m *Memory) ListSubscribers(_ context.Context) ([]Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscriber, 0, len(m.preferences))
	for id, pref := range m.preferences {
		u, ok := m.users[id]
		if !ok || !u.Active {
			continue
		}
		out = append(out, Subscriber{User: u, Preferences: pref})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out, nil
}

// GetConfig returns ErrNotFound for unknown keys.
func (m *Memory) GetConfig(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.configValues[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetConfig stores a key-value pair.
func (m *Memory) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configValues[key] = value
	return nil
}
