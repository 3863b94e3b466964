package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer-monitor/internal/config"
	"relayer-monitor/internal/hub"
	"relayer-monitor/internal/storage"
)

type recordingPusher struct {
	mu     sync.Mutex
	tokens []string
}

func (p *recordingPusher) Push(_ context.Context, target Target, _ Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target.Token == "bad" {
		return errors.New("gotify responded 401")
	}
	p.tokens = append(p.tokens, target.Token)
	return nil
}

func (p *recordingPusher) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

type recordingHub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (h *recordingHub) Broadcast(_ hub.Channel, ev hub.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return 1
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) Name() string { return "broken" }

func (n *failingNotifier) Notify(context.Context, storage.AlertRecord) error {
	n.calls++
	return errors.New("down")
}

func addSubscriber(t *testing.T, store *storage.Memory, name, token string, th storage.SubscriberThresholds) {
	t.Helper()
	u, err := store.UpsertUser(context.Background(), storage.User{Username: name, Role: "viewer", Active: true})
	require.NoError(t, err)
	require.NoError(t, store.SetPreferences(context.Background(), storage.NotificationPreference{
		UserID:      u.ID,
		GotifyURL:   "https://push.example",
		GotifyToken: token,
		Enabled:     true,
		Thresholds:  th,
	}))
}

func newTestEngine(store *storage.Memory, pusher Pusher, h Broadcaster, notifiers ...Notifier) *Engine {
	opts := Options{Enabled: true, Window: 5 * time.Minute, Workers: 2, Thresholds: defaultThresholds}
	return NewEngine(opts, Deps{Store: store, Pusher: pusher, Hub: h, Notifiers: notifiers}, zerolog.Nop())
}

func manual(sev storage.Severity, msg string) Alert {
	return Alert{Type: TypeManual, Severity: sev, Message: msg, Payload: Payload{Discriminator: msg}}
}

func TestRaiseDedupPersistsBothDispatchesOnce(t *testing.T) {
	store := storage.NewMemory()
	addSubscriber(t, store, "ops", "tok-ops", storage.SubscriberThresholds{})
	pusher := &recordingPusher{}
	h := &recordingHub{}
	e := newTestEngine(store, pusher, h)
	defer e.Close()

	a := Evaluate(Condition{Type: TypeMisbehaviour, ChainID: "cosmoshub-4", Subject: "07-tendermint-1", Value: 1}, defaultThresholds)
	require.NotNil(t, a)

	_, first, err := e.Raise(context.Background(), *a)
	require.NoError(t, err)
	_, second, err := e.Raise(context.Background(), *a)
	require.NoError(t, err)

	assert.True(t, first.Dispatched)
	assert.False(t, first.Deduplicated)
	assert.True(t, second.Persisted)
	assert.True(t, second.Deduplicated)
	assert.False(t, second.Dispatched)

	history, err := store.ListAlerts(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 2, "both alerts are persisted")
	assert.Equal(t, []string{"tok-ops"}, pusher.delivered(), "only one dispatch reaches the subscriber")
	assert.Len(t, h.events, 1)
	assert.Equal(t, hub.EventNewAlert, h.events[0].Type)
}

func TestRaiseAfterWindowDispatchesAgain(t *testing.T) {
	store := storage.NewMemory()
	addSubscriber(t, store, "ops", "tok", storage.SubscriberThresholds{})
	pusher := &recordingPusher{}
	e := newTestEngine(store, pusher, nil)
	defer e.Close()

	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	a := manual(storage.SeverityWarning, "disk")
	_, _, err := e.Raise(context.Background(), a)
	require.NoError(t, err)
	clock = clock.Add(6 * time.Minute)
	_, out, err := e.Raise(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, out.Dispatched)
	assert.Len(t, pusher.delivered(), 2)
}

func TestSeverityGatingThroughEngine(t *testing.T) {
	store := storage.NewMemory()
	addSubscriber(t, store, "ops", "tok", storage.SubscriberThresholds{MinSeverity: storage.SeverityWarning})
	pusher := &recordingPusher{}
	e := newTestEngine(store, pusher, nil)
	defer e.Close()

	_, out, err := e.Raise(context.Background(), manual(storage.SeverityInfo, "fyi"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Report.Skipped)
	assert.Empty(t, pusher.delivered())

	_, _, err = e.Raise(context.Background(), manual(storage.SeverityWarning, "heads up"))
	require.NoError(t, err)
	_, _, err = e.Raise(context.Background(), manual(storage.SeverityCritical, "fire"))
	require.NoError(t, err)
	assert.Len(t, pusher.delivered(), 2)
}

func TestSubscriberFailureIsIsolated(t *testing.T) {
	store := storage.NewMemory()
	addSubscriber(t, store, "a", "tok-a", storage.SubscriberThresholds{})
	addSubscriber(t, store, "b", "bad", storage.SubscriberThresholds{})
	addSubscriber(t, store, "c", "tok-c", storage.SubscriberThresholds{})
	pusher := &recordingPusher{}
	broken := &failingNotifier{}
	e := newTestEngine(store, pusher, nil, broken)
	defer e.Close()

	_, out, err := e.Raise(context.Background(), manual(storage.SeverityCritical, "fire"))
	require.NoError(t, err)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 3, out.Report.Subscribers)
	assert.Equal(t, 2, out.Report.Delivered)
	assert.Equal(t, 1, out.Report.Failed)
	assert.ElementsMatch(t, []string{"tok-a", "tok-c"}, pusher.delivered())
}

func TestDisabledEnginePersistsOnly(t *testing.T) {
	store := storage.NewMemory()
	addSubscriber(t, store, "ops", "tok", storage.SubscriberThresholds{})
	pusher := &recordingPusher{}
	e := NewEngine(Options{Thresholds: defaultThresholds}, Deps{Store: store, Pusher: pusher}, zerolog.Nop())
	defer e.Close()

	rec, out, err := e.Raise(context.Background(), manual(storage.SeverityCritical, "quiet"))
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.True(t, out.Persisted)
	assert.False(t, out.Dispatched)
	assert.Empty(t, pusher.delivered())
}

func TestAcknowledgeBroadcastsUpdate(t *testing.T) {
	store := storage.NewMemory()
	h := &recordingHub{}
	e := newTestEngine(store, nil, h)
	defer e.Close()

	rec, _, err := e.Raise(context.Background(), manual(storage.SeverityWarning, "ack me"))
	require.NoError(t, err)

	acked, err := e.Acknowledge(context.Background(), rec.ID, "alice")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	assert.Equal(t, hub.EventAlertsUpdate, h.events[len(h.events)-1].Type)

	_, err = e.Acknowledge(context.Background(), 9999, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestThresholdOverrideIsPersisted(t *testing.T) {
	store := storage.NewMemory()
	e := newTestEngine(store, nil, nil)
	defer e.Close()

	override := defaultThresholds
	override.BalanceWarning, override.BalanceCritical = 100, 50
	require.NoError(t, e.SetThresholds(context.Background(), override))
	assert.Equal(t, 100.0, e.Thresholds().BalanceWarning)

	bad := override
	bad.BalanceCritical = 500
	assert.Error(t, e.SetThresholds(context.Background(), bad))

	fresh := newTestEngine(store, nil, nil)
	defer fresh.Close()
	require.NoError(t, fresh.LoadThresholds(context.Background()))
	assert.Equal(t, override, fresh.Thresholds())

	a := fresh.Evaluate(Condition{Type: TypeLowBalance, ChainID: "atomone-1", Subject: "a", Denom: "uphoton", Value: 60})
	require.NotNil(t, a)
	assert.Equal(t, storage.SeverityWarning, a.Severity)
}

func TestCleanupEvictsAndSweepsHistory(t *testing.T) {
	store := storage.NewMemory()
	dedup := NewMemoryDeduper()
	e := NewEngine(Options{
		Enabled:          true,
		HistoryRetention: 24 * time.Hour,
		Thresholds:       config.Thresholds{BalanceWarning: 10, BalanceCritical: 5, PendingWarning: 10, PendingCritical: 50},
	}, Deps{Store: store, Deduper: dedup}, zerolog.Nop())
	defer e.Close()

	_, _, err := e.Raise(context.Background(), manual(storage.SeverityInfo, "old"))
	require.NoError(t, err)
	require.Equal(t, 1, dedup.Size())

	removed, err := e.Cleanup(context.Background(), time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, dedup.Size())

	history, err := store.ListAlerts(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
