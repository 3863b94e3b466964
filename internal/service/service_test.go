package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/storage"
)

const relayerBody = `# HELP wallet_balance The balance of each wallet
wallet_balance{account="atone1xyz",chain="atomone-1",denom="uphoton"} 12261010
wallet_balance{account="cosmos1abc",chain="cosmoshub-4",denom="uatom"} 3000000
`

type staticFetcher struct {
	body string
	err  error
}

func (f staticFetcher) FetchRaw(context.Context, fetcher.Request) (string, error) {
	return f.body, f.err
}

func (f staticFetcher) Ping(context.Context, string) error { return f.err }

func testConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Decimals.RegistryURL = ""
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, f fetcher.MetricsFetcher) (*Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	svc, err := New(context.Background(), cfg, store, zerolog.Nop(), WithFetcher(f))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, store
}

func TestSaveSourceValidates(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t, "{}\n"), staticFetcher{})
	ctx := context.Background()

	_, err := svc.SaveSource(ctx, SourceInput{URL: "http://relayer:3001/metrics"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SaveSource(ctx, SourceInput{Name: "a", URL: "http://relayer", Kind: "graphite"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SaveSource(ctx, SourceInput{Name: "a", URL: "http://relayer", AuthMode: "basic", Credentials: "no-colon"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SaveSource(ctx, SourceInput{Name: "a", URL: "http://relayer", AuthMode: "bearer", Credentials: "tok"})
	require.Error(t, err, "credentials need a key")
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestSaveSourceSealsCredentials(t *testing.T) {
	cfg := testConfig(t, "secrets:\n  credentials_key: passphrase\n")
	svc, store := newTestService(t, cfg, staticFetcher{})

	src, err := svc.SaveSource(context.Background(), SourceInput{
		Name:        "hermes",
		URL:         "http://relayer:3001/metrics",
		AuthMode:    "Bearer",
		Credentials: "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.SourceKindRelayer, src.Kind)
	assert.Equal(t, storage.AuthBearer, src.AuthMode)

	stored, err := store.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.EncryptedCredentials)
	assert.NotContains(t, stored.EncryptedCredentials, "s3cret")
}

func TestSeedSourcesFromConfig(t *testing.T) {
	cfg := testConfig(t, "sources:\n  - name: hermes\n    url: http://relayer:3001/metrics\n")
	svc, _ := newTestService(t, cfg, staticFetcher{})

	require.NoError(t, svc.SeedSources(context.Background()))
	require.NoError(t, svc.SeedSources(context.Background()))

	sources, err := svc.Sources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "hermes", sources[0].Name)
	assert.True(t, sources[0].Active)
}

func TestCollectFeedsBalancesAndDashboard(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t, "{}\n"), staticFetcher{body: relayerBody})
	ctx := context.Background()

	src, err := svc.SaveSource(ctx, SourceInput{Name: "hermes", URL: "http://relayer:3001/metrics"})
	require.NoError(t, err)

	res, err := svc.Collect(ctx, src.ID)
	require.NoError(t, err)
	assert.Len(t, res.Balances, 2)

	groups, err := svc.Balances(ctx, "")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "atomone-1", groups[0].Chain)
	assert.Equal(t, "12.26101", groups[0].Wallets[0].Human.String())
	assert.Equal(t, "PHOTON", groups[0].Wallets[0].Symbol)

	only, err := svc.Balances(ctx, "cosmoshub-4")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "3", only[0].Wallets[0].Human.String())

	dash, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	assert.Len(t, dash.Chains, 2)
	assert.Equal(t, 1, dash.Sources)
	// 3 ATOM is under the critical line.
	assert.Equal(t, int64(1), dash.OpenAlerts)
}

func TestTriggerAlert(t *testing.T) {
	svc, store := newTestService(t, testConfig(t, "{}\n"), staticFetcher{})
	ctx := context.Background()

	_, _, err := svc.TriggerAlert(ctx, ManualAlert{Severity: "warning"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, _, err = svc.TriggerAlert(ctx, ManualAlert{Severity: "loud", Message: "x"})
	assert.ErrorIs(t, err, ErrInvalid)

	rec, outcome, err := svc.TriggerAlert(ctx, ManualAlert{Chain: "cosmoshub-4", Severity: "CRITICAL", Message: "relayer restarted"})
	require.NoError(t, err)
	assert.Equal(t, "manual", rec.Type)
	assert.Equal(t, storage.SeverityCritical, rec.Severity)
	assert.Equal(t, "Cosmos Hub", rec.ChainName)
	assert.True(t, outcome.Persisted)
	assert.True(t, outcome.Dispatched)

	_, outcome, err = svc.TriggerAlert(ctx, ManualAlert{Chain: "cosmoshub-4", Severity: "critical", Message: "relayer restarted"})
	require.NoError(t, err)
	assert.True(t, outcome.Deduplicated)

	open, err := store.CountOpenAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), open)

	acked, err := svc.Acknowledge(ctx, rec.ID, "ops")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	alerts, err := svc.Alerts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestSetThresholds(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t, "{}\n"), staticFetcher{})

	err := svc.SetThresholds(context.Background(), config.Thresholds{BalanceWarning: 1, BalanceCritical: 2, PendingWarning: 1, PendingCritical: 2})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, config.ErrInvalidThresholds)

	next := config.Thresholds{BalanceWarning: 20, BalanceCritical: 2, PendingWarning: 5, PendingCritical: 9, FailedPackets: 1}
	require.NoError(t, svc.SetThresholds(context.Background(), next))
	assert.Equal(t, next, svc.Thresholds())
}

func TestHealthWithoutSources(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t, "{}\n"), staticFetcher{})
	h := svc.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Nil(t, h.LastSuccessfulFetch)
	assert.False(t, h.CircuitBreakerOpen)
	assert.Empty(t, h.Sources)
}

func TestResolveDecimals(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t, "{}\n"), staticFetcher{})

	_, err := svc.ResolveDecimals(context.Background(), "", "uatom", false)
	assert.ErrorIs(t, err, ErrInvalid)

	d, err := svc.ResolveDecimals(context.Background(), "cosmoshub-4", "uatom", true)
	require.NoError(t, err)
	assert.Equal(t, 6, d)
}

func TestNewRejectsBadCleanupSchedule(t *testing.T) {
	cfg := testConfig(t, "{}\n")
	cfg.Alerting.CleanupSchedule = "every so often"
	_, err := New(context.Background(), cfg, storage.NewMemory(), zerolog.Nop(), WithFetcher(staticFetcher{}))
	assert.Error(t, err)
}

func TestPreferences(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t, "{}\n"), staticFetcher{})
	ctx := context.Background()
	id := auth.Identity{UserID: "alice", Role: auth.RoleViewer}

	pref, err := svc.Preferences(ctx, id)
	require.NoError(t, err)
	assert.False(t, pref.Enabled)

	_, err = svc.SetPreferences(ctx, id, PreferenceInput{Enabled: true})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SetPreferences(ctx, id, PreferenceInput{Enabled: true, GotifyURL: "http://gotify", GotifyToken: "tok"})
	require.NoError(t, err)
	saved, err := svc.SetPreferences(ctx, id, PreferenceInput{Enabled: true, GotifyURL: "http://gotify"})
	require.NoError(t, err)
	assert.Equal(t, "tok", saved.GotifyToken)

	_, err = svc.Preferences(ctx, auth.Identity{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}
