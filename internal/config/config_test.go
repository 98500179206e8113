package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.MasterKey = strings.Repeat("m", 32)
	cfg.Auth.SessionSecret = strings.Repeat("s", 32)
	return cfg
}

func TestDefaultsNeedOnlySecrets(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults without secrets validated")
	}
	for _, want := range []string{"vault: master_key", "auth: session_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	cfg = validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"storage", func(c *Config) { c.Storage = "sqlite" }, "unknown storage"},
		{"cache", func(c *Config) { c.Cache = "memcached" }, "unknown cache"},
		{"split memory", func(c *Config) { c.Mode = "monitor"; c.Storage = "memory" }, "memory backends are single-process"},
		{"exchange", func(c *Config) { c.Exchange.Mode = "mock" }, "unknown exchange.mode"},
		{"signer", func(c *Config) { c.Exchange.Mode = "dydx" }, "signer_url is required"},
		{"split paper", func(c *Config) { c.Mode = "server" }, "paper exchange is single-process"},
		{"trade lock", func(c *Config) { c.Exchange.TradeLockWait = Duration{} }, "trade_lock_wait must be > 0"},
		{"risk", func(c *Config) { c.Risk.RiskPercentage = 1.5 }, "risk_percentage"},
		{"monitor", func(c *Config) { c.Monitor.Concurrency = 0 }, "monitor: concurrency"},
		{"archive", func(c *Config) { c.Archive.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMonitorModeSkipsSessionSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "monitor"
	cfg.Exchange.Mode = "dydx"
	cfg.Exchange.SignerURL = "http://signer:8080"
	cfg.Auth.SessionSecret = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.RunsServer() || !cfg.RunsMonitor() {
		t.Error("monitor mode flags wrong")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
mode = "server"
storage = "memory"

[monitor]
interval = "45s"

[exchange.paper]
prices = { "SOL-USD" = 150.0 }
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DYDXRELAY_MODE", "full")
	t.Setenv("DYDXRELAY_VAULT_MASTER_KEY", "from-env")
	t.Setenv("DYDXRELAY_WEBHOOK_REPLAY_WINDOW", "30s")
	t.Setenv("DYDXRELAY_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("DYDXRELAY_EXCHANGE_PAPER_PRICE_MAX_AGE", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "full" || cfg.Storage != "memory" || cfg.Cache != "redis" {
		t.Errorf("top level = %s/%s/%s", cfg.Mode, cfg.Storage, cfg.Cache)
	}
	if cfg.Monitor.Interval.Duration != 45*time.Second {
		t.Errorf("interval = %v", cfg.Monitor.Interval)
	}
	if cfg.Webhook.ReplayWindow.Duration != 30*time.Second {
		t.Errorf("replay window = %v", cfg.Webhook.ReplayWindow)
	}
	if cfg.Vault.MasterKey != "from-env" {
		t.Errorf("master key not overridden")
	}
	if got := cfg.Server.CORSOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("cors = %v", got)
	}
	if cfg.Exchange.Paper.Prices["SOL-USD"] != 150 {
		t.Errorf("paper prices = %v", cfg.Exchange.Paper.Prices)
	}
	if cfg.Exchange.Paper.PriceMaxAge.Duration != 2*time.Minute {
		t.Errorf("price max age = %v", cfg.Exchange.Paper.PriceMaxAge)
	}
	if cfg.Exchange.IndexerWSURL == "" {
		t.Error("indexer ws url default lost")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "pw"
	cfg.Exchange.SignerSecret = "signer"
	out := RedactedConfig(&cfg)

	for name, v := range map[string]string{
		"master key":     out.Vault.MasterKey,
		"session secret": out.Auth.SessionSecret,
		"db password":    out.Database.Password,
		"signer secret":  out.Exchange.SignerSecret,
	} {
		if v != redacted {
			t.Errorf("%s = %q", name, v)
		}
	}
	if out.Notify.TelegramToken != "" {
		t.Error("empty secret was filled in")
	}
	out.Exchange.Paper.Prices["BTC-USD"] = 1
	if cfg.Exchange.Paper.Prices["BTC-USD"] == 1 {
		t.Error("redacted copy shares the price map")
	}
	if cfg.Vault.MasterKey == redacted {
		t.Error("original mutated")
	}
}
