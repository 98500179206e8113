// Package config defines the top-level configuration for the relay and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DYDXRELAY_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Vault    VaultConfig    `toml:"vault"`
	Auth     AuthConfig     `toml:"auth"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Exchange ExchangeConfig `toml:"exchange"`
	Risk     RiskConfig     `toml:"risk"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	// Storage selects the position and user store: "postgres" or "memory".
	Storage string `toml:"storage"`
	// Cache selects the rate limiter, locks and event bus: "redis" or "memory".
	Cache string `toml:"cache"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	AuthRateLimit  int      `toml:"auth_rate_limit"`
	AuthRateWindow Duration `toml:"auth_rate_window"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout Duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// Prefix is prepended to every object key, e.g. "prod/".
	Prefix string `toml:"prefix"`
	// ServerSideEncryption requests SSE-S3 (AES256) on every upload.
	ServerSideEncryption bool `toml:"server_side_encryption"`
}

// VaultConfig holds the credential vault master key, base64 or raw.
type VaultConfig struct {
	MasterKey string `toml:"master_key"`
}

// AuthConfig holds wallet login and dashboard session parameters.
type AuthConfig struct {
	AppName       string   `toml:"app_name"`
	SessionSecret string   `toml:"session_secret"`
	SessionTTL    Duration `toml:"session_ttl"`
	Issuer        string   `toml:"issuer"`
	ChallengeTTL  Duration `toml:"challenge_ttl"`
}

// WebhookConfig holds inbound webhook protection parameters.
type WebhookConfig struct {
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   Duration `toml:"rate_window"`
	ReplayWindow Duration `toml:"replay_window"`
}

// ExchangeConfig selects and configures the exchange gateway.
type ExchangeConfig struct {
	// Mode is "dydx" for the live exchange or "paper" for the simulator.
	Mode               string   `toml:"mode"`
	IndexerURL         string   `toml:"indexer_url"`
	IndexerWSURL       string   `toml:"indexer_ws_url"`
	SignerURL          string   `toml:"signer_url"`
	SignerKeyID        string   `toml:"signer_key_id"`
	SignerSecret       string   `toml:"signer_secret"`
	Subaccount         int      `toml:"subaccount"`
	Timeout            Duration `toml:"timeout"`
	MarketSlippage     float64  `toml:"market_slippage"`
	GoodTilBlockOffset uint64   `toml:"good_til_block_offset"`
	BracketTTL         Duration `toml:"bracket_ttl"`
	ConfirmTimeout     Duration `toml:"confirm_timeout"`
	ConfirmInterval    Duration `toml:"confirm_interval"`
	SubmitAttempts     int      `toml:"submit_attempts"`
	PersistAttempts    int      `toml:"persist_attempts"`
	RetryBase          Duration `toml:"retry_base"`
	RetryMax           Duration `toml:"retry_max"`
	// TradeLockTTL and TradeLockWait govern the per-wallet lock that keeps
	// concurrent signals for one account from racing the position limit.
	TradeLockTTL  Duration    `toml:"trade_lock_ttl"`
	TradeLockWait Duration    `toml:"trade_lock_wait"`
	Paper         PaperConfig `toml:"paper"`
}

// PaperConfig seeds the simulated exchange.
type PaperConfig struct {
	StartingEquity float64            `toml:"starting_equity"`
	Prices         map[string]float64 `toml:"prices"`
	// LivePrices marks paper positions against the indexer when true. Marks
	// stream over indexer_ws_url when set and fall back to REST.
	LivePrices bool `toml:"live_prices"`
	// PriceMaxAge is how old a streamed mark may be before REST is asked.
	PriceMaxAge Duration `toml:"price_max_age"`
}

// RiskConfig holds sizing and price-level parameters.
type RiskConfig struct {
	RiskPercentage     float64 `toml:"risk_percentage"`
	StopLossPercentage float64 `toml:"stop_loss_percentage"`
	RiskRewardRatio    float64 `toml:"risk_reward_ratio"`
	MaxPositions       int     `toml:"max_positions"`
	MaxNotional        float64 `toml:"max_notional"`
	SizeStep           float64 `toml:"size_step"`
}

// MonitorConfig holds position monitor parameters.
type MonitorConfig struct {
	Interval          Duration `toml:"interval"`
	Concurrency       int      `toml:"concurrency"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	CallTimeout       Duration `toml:"call_timeout"`
	LockTTL           Duration `toml:"lock_ttl"`
	OrphanTimeout     Duration `toml:"orphan_timeout"`
	PendingBatch      int      `toml:"pending_batch"`
}

// ArchiveConfig holds cold-archive job parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      Duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials. The Telegram fields
// are the operator chat; users configure their own bots.
type NotifyConfig struct {
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Timeout           Duration `toml:"timeout"`
	Events            []string `toml:"events"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{30 * time.Second},
			AuthRateLimit:  20,
			AuthRateWindow: Duration{time.Minute},
		},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "dydxrelay",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: Duration{10 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dydxrelay-archive",
			ForcePathStyle: true,
			// Archived rows carry wallet addresses and P&L.
			ServerSideEncryption: true,
		},
		Auth: AuthConfig{
			AppName:      "dydxrelay",
			SessionTTL:   Duration{24 * time.Hour},
			Issuer:       "dydxrelay",
			ChallengeTTL: Duration{5 * time.Minute},
		},
		Webhook: WebhookConfig{
			RateLimit:    10,
			RateWindow:   Duration{time.Minute},
			ReplayWindow: Duration{10 * time.Second},
		},
		Exchange: ExchangeConfig{
			Mode:               "paper",
			IndexerURL:         "https://indexer.dydx.trade",
			IndexerWSURL:       "wss://indexer.dydx.trade/v4/ws",
			Timeout:            Duration{10 * time.Second},
			MarketSlippage:     0.05,
			GoodTilBlockOffset: 20,
			BracketTTL:         Duration{28 * 24 * time.Hour},
			ConfirmTimeout:     Duration{10 * time.Second},
			ConfirmInterval:    Duration{time.Second},
			SubmitAttempts:     3,
			PersistAttempts:    5,
			RetryBase:          Duration{500 * time.Millisecond},
			RetryMax:           Duration{5 * time.Second},
			TradeLockTTL:       Duration{2 * time.Minute},
			TradeLockWait:      Duration{30 * time.Second},
			Paper: PaperConfig{
				StartingEquity: 10_000,
				Prices: map[string]float64{
					"BTC-USD": 60_000,
					"ETH-USD": 3_000,
				},
				PriceMaxAge: Duration{time.Minute},
			},
		},
		Risk: RiskConfig{
			RiskPercentage:     0.01,
			StopLossPercentage: 0.02,
			RiskRewardRatio:    2,
			MaxPositions:       5,
			SizeStep:           0.001,
		},
		Monitor: MonitorConfig{
			Interval:          Duration{30 * time.Second},
			Concurrency:       4,
			RequestsPerSecond: 10,
			CallTimeout:       Duration{10 * time.Second},
			LockTTL:           Duration{time.Minute},
			OrphanTimeout:     Duration{10 * time.Minute},
			PendingBatch:      100,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      Duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			TelegramAPIURL: "https://api.telegram.org",
			Timeout:        Duration{10 * time.Second},
			Events:         []string{"reconciliation", "dangling_order", "close_anomaly", "unpersisted_trade", "archive"},
		},
		Mode:     "full",
		LogLevel: "info",
		Storage:  "postgres",
		Cache:    "redis",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsServer reports whether the mode serves HTTP.
func (c *Config) RunsServer() bool {
	return c.Mode == "server" || c.Mode == "full"
}

// RunsMonitor reports whether the mode runs the position monitor.
func (c *Config) RunsMonitor() bool {
	return c.Mode == "monitor" || c.Mode == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Backends
	switch c.Storage {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}
	switch c.Cache {
	case "redis":
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown cache %q (valid: redis, memory)", c.Cache))
	}
	// Separate processes only coordinate through shared backends.
	if c.Mode != "full" && (c.Storage == "memory" || c.Cache == "memory") {
		errs = append(errs, "mode "+c.Mode+" needs storage=postgres and cache=redis; memory backends are single-process")
	}

	// Vault
	if strings.TrimSpace(c.Vault.MasterKey) == "" {
		errs = append(errs, "vault: master_key is required (DYDXRELAY_VAULT_MASTER_KEY)")
	}

	// Auth
	if c.RunsServer() {
		if len(c.Auth.SessionSecret) < 32 {
			errs = append(errs, "auth: session_secret must be at least 32 characters")
		}
		if c.Auth.SessionTTL.Duration <= 0 {
			errs = append(errs, "auth: session_ttl must be > 0")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Webhook
	if c.Webhook.RateLimit < 0 {
		errs = append(errs, "webhook: rate_limit must be >= 0")
	}
	if c.Webhook.RateLimit > 0 && c.Webhook.RateWindow.Duration <= 0 {
		errs = append(errs, "webhook: rate_window must be > 0 when rate_limit is set")
	}

	// Exchange
	switch c.Exchange.Mode {
	case "dydx":
		if c.Exchange.IndexerURL == "" {
			errs = append(errs, "exchange: indexer_url must not be empty")
		}
		if c.Exchange.SignerURL == "" {
			errs = append(errs, "exchange: signer_url is required for mode dydx")
		}
	case "paper":
		if c.Mode != "full" {
			errs = append(errs, "mode "+c.Mode+" needs exchange.mode=dydx; the paper exchange is single-process")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown exchange.mode %q (valid: dydx, paper)", c.Exchange.Mode))
	}
	if c.Exchange.GoodTilBlockOffset == 0 {
		errs = append(errs, "exchange: good_til_block_offset must be > 0")
	}
	if c.Exchange.SubmitAttempts < 1 || c.Exchange.PersistAttempts < 1 {
		errs = append(errs, "exchange: submit_attempts and persist_attempts must be >= 1")
	}
	if c.Exchange.TradeLockTTL.Duration <= 0 || c.Exchange.TradeLockWait.Duration <= 0 {
		errs = append(errs, "exchange: trade_lock_ttl and trade_lock_wait must be > 0")
	}

	// Risk
	if c.Risk.RiskPercentage <= 0 || c.Risk.RiskPercentage >= 1 {
		errs = append(errs, "risk: risk_percentage must be in (0, 1)")
	}
	if c.Risk.StopLossPercentage <= 0 || c.Risk.StopLossPercentage >= 1 {
		errs = append(errs, "risk: stop_loss_percentage must be in (0, 1)")
	}
	if c.Risk.RiskRewardRatio <= 0 {
		errs = append(errs, "risk: risk_reward_ratio must be > 0")
	}
	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.SizeStep <= 0 {
		errs = append(errs, "risk: size_step must be > 0")
	}

	// Monitor
	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.Concurrency < 1 {
		errs = append(errs, "monitor: concurrency must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
