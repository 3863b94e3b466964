package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryUpsertWalletCreatesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	w := WalletRecord{ChainID: "atomone-1", ChainName: "AtomOne", Address: "atone1xyz"}
	first, created, err := m.UpsertWallet(ctx, w)
	if err != nil || !created {
		t.Fatalf("first upsert created=%v err=%v", created, err)
	}
	if first.AddressKind != AddressRelayer || !first.Active {
		t.Fatalf("unexpected defaults: %+v", first)
	}

	w.ChainName = "renamed"
	second, created, err := m.UpsertWallet(ctx, w)
	if err != nil || created {
		t.Fatalf("second upsert created=%v err=%v", created, err)
	}
	if second.ID != first.ID || second.ChainName != "AtomOne" {
		t.Fatalf("wallet was overwritten: %+v", second)
	}

	wallets, _ := m.GetWallets(ctx, WalletFilter{ChainID: "atomone-1"})
	if len(wallets) != 1 {
		t.Fatalf("wallets = %d, want 1", len(wallets))
	}
}

func TestMemoryUpsertBalanceReportsChange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	w, _, _ := m.UpsertWallet(ctx, WalletRecord{ChainID: "osmosis-1", Address: "osmo1"})

	change, err := m.UpsertBalance(ctx, BalanceObservation{WalletID: w.ID, Denom: "uosmo", Balance: decimal.RequireFromString("12.5")})
	if err != nil {
		t.Fatalf("UpsertBalance: %v", err)
	}
	if change.Existed || !change.Delta.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("first change = %+v", change)
	}

	change, err = m.UpsertBalance(ctx, BalanceObservation{WalletID: w.ID, Denom: "uosmo", Balance: decimal.RequireFromString("10")})
	if err != nil {
		t.Fatalf("UpsertBalance: %v", err)
	}
	if !change.Existed || !change.Old.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("second change = %+v", change)
	}
	if change.Direction() != DirectionDecrease || !change.Material() {
		t.Fatalf("expected material decrease, got %+v", change)
	}

	tiny, _ := m.UpsertBalance(ctx, BalanceObservation{WalletID: w.ID, Denom: "uosmo", Balance: decimal.RequireFromString("10.0000001")})
	if tiny.Material() {
		t.Fatalf("sub-epsilon change should not be material: %s", tiny.Delta)
	}
}

func TestMemoryBalanceRequiresWallet(t *testing.T) {
	m := NewMemory()
	_, err := m.UpsertBalance(context.Background(), BalanceObservation{WalletID: 42, Denom: "uatom"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryDeleteWalletCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	w, _, _ := m.UpsertWallet(ctx, WalletRecord{ChainID: "cosmoshub-4", Address: "cosmos1"})
	_, _ = m.UpsertBalance(ctx, BalanceObservation{WalletID: w.ID, Denom: "uatom", Balance: decimal.NewFromInt(3)})
	_ = m.AppendHistory(ctx, HistoryEntry{WalletID: w.ID, Denom: "uatom", NewBalance: decimal.NewFromInt(3), Delta: decimal.NewFromInt(3)})

	if err := m.DeleteWallet(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWallet: %v", err)
	}
	rows, _ := m.ListBalances(ctx, "")
	if len(rows) != 0 {
		t.Fatalf("balances survived wallet delete: %+v", rows)
	}
	hist, _ := m.ListHistory(ctx, w.ID, "uatom", time.Time{}, time.Now().Add(time.Hour))
	if len(hist) != 0 {
		t.Fatalf("history survived wallet delete: %+v", hist)
	}
}

func TestMemoryAlertsLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	first, _ := m.AppendAlert(ctx, AlertRecord{Type: "low_balance", Severity: SeverityWarning, Message: "a"})
	clock = base.Add(time.Hour)
	second, _ := m.AppendAlert(ctx, AlertRecord{Type: "low_balance", Severity: SeverityCritical, Message: "b"})

	list, _ := m.ListAlerts(ctx, 10)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("alerts not newest-first: %+v", list)
	}

	if _, err := m.AcknowledgeAlert(ctx, first.ID, "ops", clock); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if n, _ := m.CountOpenAlerts(ctx); n != 1 {
		t.Fatalf("open alerts = %d, want 1", n)
	}
	if _, err := m.AcknowledgeAlert(ctx, 999, "ops", clock); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ack unknown err = %v", err)
	}

	removed, _ := m.DeleteAlertsBefore(ctx, base.Add(30*time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestMemorySubscribersRequireActiveUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	alice, _ := m.UpsertUser(ctx, User{Username: "alice", Role: "viewer", Active: true})
	bob, _ := m.UpsertUser(ctx, User{Username: "bob", Role: "viewer", Active: false})
	_ = m.SetPreferences(ctx, NotificationPreference{UserID: alice.ID, Enabled: true})
	_ = m.SetPreferences(ctx, NotificationPreference{UserID: bob.ID, Enabled: true})

	subs, _ := m.ListSubscribers(ctx)
	if len(subs) != 1 || subs[0].User.Username != "alice" {
		t.Fatalf("subscribers = %+v", subs)
	}

	bad := SubscriberThresholds{MinSeverity: "loud"}
	if err := m.SetPreferences(ctx, NotificationPreference{UserID: alice.ID, Thresholds: bad}); err == nil {
		t.Fatalf("expected validation error for unknown severity")
	}
}

func TestMemorySourcesSoftDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	src, _ := m.UpsertSource(ctx, MetricSource{Name: "hermes", URL: "http://h/metrics", Kind: SourceKindRelayer, AuthMode: AuthNone, Active: true})
	if err := m.DeactivateSource(ctx, src.ID); err != nil {
		t.Fatalf("DeactivateSource: %v", err)
	}
	active, _ := m.ListSources(ctx, true)
	all, _ := m.ListSources(ctx, false)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("active=%d all=%d", len(active), len(all))
	}
	if _, err := m.GetSource(ctx, 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSource unknown err = %v", err)
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityInfo.Rank() < SeverityWarning.Rank() && SeverityWarning.Rank() < SeverityCritical.Rank()) {
		t.Fatalf("severity ordering broken")
	}
	if _, err := ParseSeverity("CRITICAL"); err != nil {
		t.Fatalf("ParseSeverity: %v", err)
	}
	if _, err := ParseSeverity("fatal"); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}
