package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix prefixes every environment override.
const envPrefix = "DYDXRELAY_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DYDXRELAY_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DYDXRELAY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.AuthRateLimit, "SERVER_AUTH_RATE_LIMIT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "DATABASE_HOST")
	setInt(&cfg.Database.Port, "DATABASE_PORT")
	setStr(&cfg.Database.Database, "DATABASE_NAME")
	setStr(&cfg.Database.User, "DATABASE_USER")
	setStr(&cfg.Database.Password, "DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setBool(&cfg.S3.ServerSideEncryption, "S3_SERVER_SIDE_ENCRYPTION")

	// ── Vault & auth ──
	setStr(&cfg.Vault.MasterKey, "VAULT_MASTER_KEY")
	setStr(&cfg.Auth.SessionSecret, "AUTH_SESSION_SECRET")
	setDuration(&cfg.Auth.SessionTTL, "AUTH_SESSION_TTL")
	setDuration(&cfg.Auth.ChallengeTTL, "AUTH_CHALLENGE_TTL")

	// ── Webhook ──
	setInt(&cfg.Webhook.RateLimit, "WEBHOOK_RATE_LIMIT")
	setDuration(&cfg.Webhook.RateWindow, "WEBHOOK_RATE_WINDOW")
	setDuration(&cfg.Webhook.ReplayWindow, "WEBHOOK_REPLAY_WINDOW")

	// ── Exchange ──
	setStr(&cfg.Exchange.Mode, "EXCHANGE_MODE")
	setStr(&cfg.Exchange.IndexerURL, "EXCHANGE_INDEXER_URL")
	setStr(&cfg.Exchange.IndexerWSURL, "EXCHANGE_INDEXER_WS_URL")
	setStr(&cfg.Exchange.SignerURL, "EXCHANGE_SIGNER_URL")
	setStr(&cfg.Exchange.SignerKeyID, "EXCHANGE_SIGNER_KEY_ID")
	setStr(&cfg.Exchange.SignerSecret, "EXCHANGE_SIGNER_SECRET")
	setUint64(&cfg.Exchange.GoodTilBlockOffset, "EXCHANGE_GOOD_TIL_BLOCK_OFFSET")
	setBool(&cfg.Exchange.Paper.LivePrices, "EXCHANGE_PAPER_LIVE_PRICES")
	setDuration(&cfg.Exchange.Paper.PriceMaxAge, "EXCHANGE_PAPER_PRICE_MAX_AGE")
	setDuration(&cfg.Exchange.TradeLockTTL, "EXCHANGE_TRADE_LOCK_TTL")
	setDuration(&cfg.Exchange.TradeLockWait, "EXCHANGE_TRADE_LOCK_WAIT")

	// ── Risk ──
	setFloat64(&cfg.Risk.RiskPercentage, "RISK_RISK_PERCENTAGE")
	setFloat64(&cfg.Risk.StopLossPercentage, "RISK_STOP_LOSS_PERCENTAGE")
	setFloat64(&cfg.Risk.RiskRewardRatio, "RISK_RISK_REWARD_RATIO")
	setInt(&cfg.Risk.MaxPositions, "RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.MaxNotional, "RISK_MAX_NOTIONAL")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "MONITOR_INTERVAL")
	setInt(&cfg.Monitor.Concurrency, "MONITOR_CONCURRENCY")
	setFloat64(&cfg.Monitor.RequestsPerSecond, "MONITOR_REQUESTS_PER_SECOND")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Storage, "STORAGE")
	setStr(&cfg.Cache, "CACHE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
