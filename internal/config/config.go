package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"relayer-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Collector CollectorConfig `mapstructure:"collector"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Decimals  DecimalsConfig  `mapstructure:"decimals"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Hub       HubConfig       `mapstructure:"hub"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig is only dialled when alerting.dedup_backend is "redis".
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
}

// HTTPConfig controls the route layer listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	FrontendOrigin  string        `mapstructure:"frontend_origin"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig configures identity verification.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	AdminToken string        `mapstructure:"admin_token"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// CollectorConfig governs the collection orchestrator.
type CollectorConfig struct {
	DefaultInterval     time.Duration `mapstructure:"default_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchDelay          time.Duration `mapstructure:"batch_delay"`
	Workers             int           `mapstructure:"workers"`
	StartupWait         time.Duration `mapstructure:"startup_wait"`
	StartupPollInterval time.Duration `mapstructure:"startup_poll_interval"`
	ReloadInterval      time.Duration `mapstructure:"reload_interval"`
}

// FetcherConfig sets the base timeout and its escalation steps.
type FetcherConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	TimeoutSteps     []int         `mapstructure:"timeout_steps"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// RetryConfig is the collection retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BreakerConfig trips after Failures consecutive failures within Window and
// stays open for Window.
type BreakerConfig struct {
	Failures int           `mapstructure:"failures"`
	Window   time.Duration `mapstructure:"window"`
}

// ChainEndpoints are the per-chain lookup endpoints for decimals resolution.
type ChainEndpoints struct {
	REST         string `mapstructure:"rest"`
	EVMRPC       string `mapstructure:"evm_rpc"`
	RegistryName string `mapstructure:"registry_name"`
}

// DecimalsConfig configures the decimals resolver tiers.
type DecimalsConfig struct {
	RequestTimeout time.Duration             `mapstructure:"request_timeout"`
	RegistryURL    string                    `mapstructure:"registry_url"`
	Chains         map[string]ChainEndpoints `mapstructure:"chains"`
}

// Thresholds are the system-wide alert cut lines in value-equivalent units.
type Thresholds struct {
	BalanceWarning  float64 `mapstructure:"balance_warning" json:"balanceWarning"`
	BalanceCritical float64 `mapstructure:"balance_critical" json:"balanceCritical"`
	PendingWarning  int64   `mapstructure:"pending_warning" json:"pendingWarning"`
	PendingCritical int64   `mapstructure:"pending_critical" json:"pendingCritical"`
	FailedPackets   int64   `mapstructure:"failed_packets" json:"failedPackets"`
}

// GotifyConfig is the operator-wide push target. Subscribers configure their own.
type GotifyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AMQPConfig enables publishing alerts to a topic exchange.
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// AlertingConfig defines thresholds, dedup and routing.
type AlertingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	DedupBackend     string        `mapstructure:"dedup_backend"`
	DedupRetention   time.Duration `mapstructure:"dedup_retention"`
	CleanupSchedule  string        `mapstructure:"cleanup_schedule"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	DispatchWorkers  int           `mapstructure:"dispatch_workers"`
	Thresholds       Thresholds    `mapstructure:"thresholds"`
	Gotify           GotifyConfig  `mapstructure:"gotify"`
	AMQP             AMQPConfig    `mapstructure:"amqp"`
}

// HubConfig governs the live connection registry.
type HubConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// SourceConfig seeds metric sources into storage at startup.
type SourceConfig struct {
	Name            string        `mapstructure:"name"`
	URL             string        `mapstructure:"url"`
	Kind            string        `mapstructure:"kind"`
	AuthMode        string        `mapstructure:"auth_mode"`
	Credentials     string        `mapstructure:"credentials"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SecretsConfig holds the key used to seal source credentials at rest.
type SecretsConfig struct {
	CredentialsKey string `mapstructure:"credentials_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, defaults and, when
// configured, Infisical.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYERMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "relayer-monitor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.frontend_origin", "*")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("auth.session_ttl", "8h")

	v.SetDefault("collector.default_interval", "60s")
	v.SetDefault("collector.batch_size", 10)
	v.SetDefault("collector.batch_delay", "100ms")
	v.SetDefault("collector.workers", 4)
	v.SetDefault("collector.startup_wait", "30s")
	v.SetDefault("collector.startup_poll_interval", "2s")
	v.SetDefault("collector.reload_interval", "1m")

	v.SetDefault("fetcher.timeout", "10s")
	v.SetDefault("fetcher.timeout_steps", []int{1, 2, 3})
	v.SetDefault("fetcher.max_response_bytes", int64(16<<20))

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("breaker.failures", 5)
	v.SetDefault("breaker.window", "5m")

	v.SetDefault("decimals.request_timeout", "5s")
	v.SetDefault("decimals.registry_url", "https://raw.githubusercontent.com/cosmos/chain-registry/master")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.dedup_window", "5m")
	v.SetDefault("alerting.dedup_backend", "memory")
	v.SetDefault("alerting.dedup_retention", "24h")
	v.SetDefault("alerting.cleanup_schedule", "@every 1h")
	v.SetDefault("alerting.history_retention", "0s")
	v.SetDefault("alerting.dispatch_workers", 4)
	v.SetDefault("alerting.thresholds.balance_warning", 10.0)
	v.SetDefault("alerting.thresholds.balance_critical", 5.0)
	v.SetDefault("alerting.thresholds.pending_warning", 10)
	v.SetDefault("alerting.thresholds.pending_critical", 50)
	v.SetDefault("alerting.thresholds.failed_packets", 5)
	v.SetDefault("alerting.gotify.enabled", false)
	v.SetDefault("alerting.gotify.timeout", "10s")
	v.SetDefault("alerting.amqp.enabled", false)
	v.SetDefault("alerting.amqp.exchange", "relayer.alerts")

	v.SetDefault("hub.heartbeat_interval", "30s")
	v.SetDefault("hub.heartbeat_timeout", "60s")
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.write_timeout", "10s")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Collector.DefaultInterval <= 0 {
		return fmt.Errorf("collector.default_interval must be greater than zero")
	}
	if c.Collector.BatchSize <= 0 {
		return fmt.Errorf("collector.batch_size must be greater than zero")
	}
	if c.Collector.Workers <= 0 {
		return fmt.Errorf("collector.workers must be greater than zero")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than zero")
	}
	for _, step := range c.Fetcher.TimeoutSteps {
		if step <= 0 {
			return fmt.Errorf("fetcher.timeout_steps must all be positive")
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Retry.Multiplier <= 1 {
		return fmt.Errorf("retry.multiplier must be greater than 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay cannot be below retry.base_delay")
	}
	if c.Breaker.Failures <= 0 || c.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.failures and breaker.window must be greater than zero")
	}
	if err := c.Alerting.Thresholds.Validate(); err != nil {
		return err
	}
	switch c.Alerting.DedupBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("alerting.dedup_backend must be memory or redis, got %q", c.Alerting.DedupBackend)
	}
	if c.Alerting.DedupWindow <= 0 {
		return fmt.Errorf("alerting.dedup_window must be greater than zero")
	}
	if c.Alerting.Gotify.Enabled {
		if c.Alerting.Gotify.URL == "" {
			return fmt.Errorf("alerting.gotify.url is required when gotify is enabled")
		}
		if c.Alerting.Gotify.Token == "" {
			return fmt.Errorf("alerting.gotify.token is required when gotify is enabled")
		}
	}
	if c.Alerting.AMQP.Enabled && c.Alerting.AMQP.URL == "" {
		return fmt.Errorf("alerting.amqp.url is required when amqp is enabled")
	}
	if c.Hub.HeartbeatInterval <= 0 || c.Hub.HeartbeatTimeout < c.Hub.HeartbeatInterval {
		return fmt.Errorf("hub.heartbeat_timeout must be at least hub.heartbeat_interval")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for i, src := range c.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("sources[%d]: name and url are required", i)
		}
	}
	return nil
}

// ErrInvalidThresholds marks a rejected set of alert thresholds.
var ErrInvalidThresholds = errors.New("alerting.thresholds")

// Validate checks that cut lines are ordered: balances alert below the line,
// pending packets above it.
func (t Thresholds) Validate() error {
	if t.BalanceCritical < 0 || t.BalanceWarning < 0 {
		return fmt.Errorf("%w: balance lines cannot be negative", ErrInvalidThresholds)
	}
	if t.BalanceCritical > t.BalanceWarning {
		return fmt.Errorf("%w: balance_critical must not exceed balance_warning", ErrInvalidThresholds)
	}
	if t.PendingWarning <= 0 || t.PendingCritical < t.PendingWarning {
		return fmt.Errorf("%w: pending_critical must be at least pending_warning (> 0)", ErrInvalidThresholds)
	}
	if t.FailedPackets < 0 {
		return fmt.Errorf("%w: failed_packets cannot be negative", ErrInvalidThresholds)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
