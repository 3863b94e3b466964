package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "test" {
		t.Fatalf("app.name = %q", cfg.App.Name)
	}
	if cfg.Collector.BatchSize != 10 {
		t.Fatalf("batch size = %d, want 10", cfg.Collector.BatchSize)
	}
	if cfg.Alerting.DedupWindow != 5*time.Minute {
		t.Fatalf("dedup window = %s", cfg.Alerting.DedupWindow)
	}
	if cfg.Hub.HeartbeatInterval != 30*time.Second || cfg.Hub.HeartbeatTimeout != 60*time.Second {
		t.Fatalf("heartbeat = %s/%s", cfg.Hub.HeartbeatInterval, cfg.Hub.HeartbeatTimeout)
	}
	th := cfg.Alerting.Thresholds
	if th.BalanceWarning != 10 || th.BalanceCritical != 5 || th.PendingWarning != 10 || th.PendingCritical != 50 {
		t.Fatalf("unexpected default thresholds: %+v", th)
	}
	if len(cfg.Fetcher.TimeoutSteps) != 3 {
		t.Fatalf("timeout steps = %v", cfg.Fetcher.TimeoutSteps)
	}
}

func TestLoadChainsAndSources(t *testing.T) {
	body := `
decimals:
  chains:
    Cosmoshub-4:
      rest: http://lcd.example
      registry_name: cosmoshub
sources:
  - name: hermes-a
    url: http://hermes:3001/metrics
    kind: hermes
    refresh_interval: 30s
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ep, ok := cfg.Decimals.Chain("cosmoshub-4")
	if !ok || ep.REST != "http://lcd.example" || ep.RegistryName != "cosmoshub" {
		t.Fatalf("chain endpoints = %+v, %v", ep, ok)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].RefreshInterval != 30*time.Second {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAYERMON_COLLECTOR_BATCH_SIZE", "25")
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collector.BatchSize != 25 {
		t.Fatalf("batch size = %d, want 25", cfg.Collector.BatchSize)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"inverted balance lines", "alerting:\n  thresholds:\n    balance_warning: 2\n    balance_critical: 5\n"},
		{"inverted pending lines", "alerting:\n  thresholds:\n    pending_warning: 60\n    pending_critical: 50\n"},
		{"unknown dedup backend", "alerting:\n  dedup_backend: etcd\n"},
		{"gotify without token", "alerting:\n  gotify:\n    enabled: true\n    url: http://gotify\n"},
		{"source without url", "sources:\n  - name: broken\n"},
		{"multiplier below one", "retry:\n  multiplier: 0.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	if got := cfg.ResolveMaxPoints(0); got != 100 {
		t.Fatalf("ResolveMaxPoints(0) = %d", got)
	}
	if got := cfg.ResolveMaxPoints(7); got != 7 {
		t.Fatalf("ResolveMaxPoints(7) = %d", got)
	}
}

func TestThresholdsValidateWrapsSentinel(t *testing.T) {
	bad := []Thresholds{
		{BalanceWarning: -1, PendingWarning: 1, PendingCritical: 2},
		{BalanceWarning: 1, BalanceCritical: 2, PendingWarning: 1, PendingCritical: 2},
		{BalanceWarning: 10, BalanceCritical: 5, PendingWarning: 0, PendingCritical: 2},
		{BalanceWarning: 10, BalanceCritical: 5, PendingWarning: 1, PendingCritical: 2, FailedPackets: -1},
	}
	for _, th := range bad {
		if err := th.Validate(); !errors.Is(err, ErrInvalidThresholds) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidThresholds", th, err)
		}
	}
	ok := Thresholds{BalanceWarning: 10, BalanceCritical: 5, PendingWarning: 10, PendingCritical: 50, FailedPackets: 5}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid thresholds rejected: %v", err)
	}
}
