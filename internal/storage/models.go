package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind tells the collector how to parse a source payload.
type SourceKind string

const (
	SourceKindRelayer    SourceKind = "relayer"
	SourceKindPrometheus SourceKind = "prometheus"
	SourceKindCustom     SourceKind = "custom"
)

// AuthMode is the credential scheme sent to a metric source.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
)

// MetricSource is a polled metrics endpoint. Sources are soft-deleted.
type MetricSource struct {
	ID                   int64         `json:"id"`
	Name                 string        `json:"name"`
	URL                  string        `json:"url"`
	Kind                 SourceKind    `json:"kind"`
	AuthMode             AuthMode      `json:"authMode"`
	EncryptedCredentials string        `json:"-"`
	RefreshInterval      time.Duration `json:"refreshInterval"`
	Timeout              time.Duration `json:"timeout"`
	Active               bool          `json:"active"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Validate checks the enumerations and required fields of a source.
func (s MetricSource) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("source name is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("source url is required")
	}
	switch s.Kind {
	case SourceKindRelayer, SourceKindPrometheus, SourceKindCustom:
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	switch s.AuthMode {
	case AuthNone, AuthBasic, AuthBearer:
	default:
		return fmt.Errorf("unknown auth mode %q", s.AuthMode)
	}
	if s.RefreshInterval < 0 || s.Timeout < 0 {
		return fmt.Errorf("intervals cannot be negative")
	}
	return nil
}

// AddressKind classifies what a tracked wallet pays for.
type AddressKind string

const (
	AddressRelayer AddressKind = "relayer"
	AddressFee     AddressKind = "fee"
	AddressGas     AddressKind = "gas"
)

// WalletRecord is unique on (ChainID, Address, AddressKind).
type WalletRecord struct {
	ID          int64       `json:"id"`
	ChainID     string      `json:"chainId"`
	ChainName   string      `json:"chainName"`
	Address     string      `json:"address"`
	AddressKind AddressKind `json:"addressKind"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// WalletFilter narrows GetWallets. Zero values match everything.
type WalletFilter struct {
	ChainID    string
	Address    string
	ActiveOnly bool
}

// Match reports whether w passes the filter.
func (f WalletFilter) Match(w WalletRecord) bool {
	if f.ChainID != "" && f.ChainID != w.ChainID {
		return false
	}
	if f.Address != "" && f.Address != w.Address {
		return false
	}
	if f.ActiveOnly && !w.Active {
		return false
	}
	return true
}

// BalanceObservation is the current balance of one wallet in one denom.
type BalanceObservation struct {
	WalletID    int64
	Denom       string
	Balance     decimal.Decimal
	RawBalance  string
	Decimals    int
	BlockHeight *int64
	LastUpdated time.Time
}

// BalanceChange is returned by UpsertBalance.
type BalanceChange struct {
	Existed bool
	Old     decimal.Decimal
	New     decimal.Decimal
	Delta   decimal.Decimal
}

// HistoryEpsilon is the smallest absolute change that gets a history entry.
var HistoryEpsilon = decimal.New(1, -6)

// Material reports whether the change is large enough to record.
func (c BalanceChange) Material() bool {
	return c.Delta.Abs().GreaterThan(HistoryEpsilon)
}

// Direction of a balance movement.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// Direction derives the movement direction from the delta sign.
func (c BalanceChange) Direction() Direction {
	if c.Delta.IsNegative() {
		return DirectionDecrease
	}
	return DirectionIncrease
}

// HistoryEntry is an append-only audit record of a balance movement.
type HistoryEntry struct {
	ID         int64           `json:"id"`
	WalletID   int64           `json:"walletId"`
	Denom      string          `json:"denom"`
	OldBalance decimal.Decimal `json:"oldBalance"`
	NewBalance decimal.Decimal `json:"newBalance"`
	Delta      decimal.Decimal `json:"delta"`
	Direction  Direction       `json:"direction"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BalanceRow joins a wallet with one of its observations.
type BalanceRow struct {
	Wallet      WalletRecord
	Observation BalanceObservation
}

// DecimalsEntry is the durable memo of a resolved decimals value.
type DecimalsEntry struct {
	ChainID   string
	Denom     string
	Decimals  int
	Source    string
	UpdatedAt time.Time
}

// Severity is ordered info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity, or -1 when unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// ParseSeverity accepts any casing.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// AlertRecord is immutable apart from its acknowledgement fields.
type AlertRecord struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	ChainName      string          `json:"chainName,omitempty"`
	Severity       Severity        `json:"severity"`
	Message        string          `json:"message"`
	Data           json.RawMessage `json:"data,omitempty"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedBy string          `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// User is the minimal identity the alert fan-out needs.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}

// SubscriberThresholds are per-user overrides. Nil pointers defer to the
// system-wide defaults.
type SubscriberThresholds struct {
	PendingWarning   *int64   `json:"pendingWarning,omitempty"`
	PendingCritical  *int64   `json:"pendingCritical,omitempty"`
	FailedPackets    *int64   `json:"failedPackets,omitempty"`
	BalanceThreshold *float64 `json:"balanceThreshold,omitempty"`
	MinSeverity      Severity `json:"minSeverity,omitempty"`
	DisabledTypes    []string `json:"disabledTypes,omitempty"`
	DisabledChains   []string `json:"disabledChains,omitempty"`
}

// Validate rejects malformed overrides before they reach storage.
func (t SubscriberThresholds) Validate() error {
	if t.MinSeverity != "" && !t.MinSeverity.Valid() {
		return fmt.Errorf("unknown minSeverity %q", t.MinSeverity)
	}
	if t.PendingWarning != nil && *t.PendingWarning < 0 {
		return fmt.Errorf("pendingWarning cannot be negative")
	}
	if t.PendingCritical != nil && *t.PendingCritical < 0 {
		return fmt.Errorf("pendingCritical cannot be negative")
	}
	if t.PendingWarning != nil && t.PendingCritical != nil && *t.PendingCritical < *t.PendingWarning {
		return fmt.Errorf("pendingCritical must be at least pendingWarning")
	}
	if t.FailedPackets != nil && *t.FailedPackets < 0 {
		return fmt.Errorf("failedPackets cannot be negative")
	}
	if t.BalanceThreshold != nil && *t.BalanceThreshold < 0 {
		return fmt.Errorf("balanceThreshold cannot be negative")
	}
	return nil
}

// NotificationPreference is owned by a user and read by the alert fan-out.
type NotificationPreference struct {
	UserID      int64                `json:"userId"`
	GotifyURL   string               `json:"gotifyUrl"`
	GotifyToken string               `json:"-"`
	Enabled     bool                 `json:"enabled"`
	Thresholds  SubscriberThresholds `json:"thresholds"`
}

// Subscriber is an active user together with their preferences.
type Subscriber struct {
	User        User
	Preferences NotificationPreference
}
