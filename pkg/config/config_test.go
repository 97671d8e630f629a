package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/partner-proxy/pkg/cache"
)

func validDefault() *Config {
	cfg := Default()
	cfg.Partner.BaseURL = "https://partner.example.com/v1"
	cfg.normalize()
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partner-proxy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	if err := validDefault().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDefault_RequiresBaseURL(t *testing.T) {
	if err := Default().Validate(); err == nil {
		t.Error("Validate() error = nil, want missing base_url error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad base url", mutate: func(c *Config) { c.Partner.BaseURL = "not a url" }},
		{name: "zero capacity", mutate: func(c *Config) { c.Cache.Capacity = 0 }},
		{name: "zero rate", mutate: func(c *Config) { c.RateLimit.RatePerSecond = 0 }},
		{name: "zero minute cap", mutate: func(c *Config) { c.RateLimit.RatePerMinute = 0 }},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{name: "max delay below base", mutate: func(c *Config) { c.Retry.MaxDelay = c.Retry.BaseDelay / 2 }},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "redis enabled without addr", mutate: func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{name: "persistent enabled without path", mutate: func(c *Config) { c.Persistent.Enabled = true; c.Persistent.Path = "" }},
		{name: "false positive rate of 1", mutate: func(c *Config) { c.Persistent.FalsePositiveRate = 1 }},
		{name: "maintenance without schedule", mutate: func(c *Config) { c.Maintenance.SweepSchedule = "" }},
		{name: "negative category ttl", mutate: func(c *Config) {
			c.Cache.Categories["bad"] = cache.Category{Name: "bad", TTL: -time.Second}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefault()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_PARTNER_KEY", "s3cret")

	path := writeConfig(t, `
partner:
  base_url: https://partner.example.com/v1
  api_key: ${TEST_PARTNER_KEY}
cache:
  capacity: 500
  tier_timeout: 50ms
  categories:
    pricing:
      ttl: 2m
      tier_ttl:
        redis: 10m
retry:
  max_attempts: 5
  base_delay: 500ms
  max_delay: 20s
  backoff_multiplier: 3
  jitter_enabled: false
ratelimit:
  rate_per_minute: 120
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Partner.APIKey != "s3cret" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Partner.APIKey)
	}
	if cfg.Cache.Capacity != 500 {
		t.Errorf("Capacity = %d, want 500", cfg.Cache.Capacity)
	}
	if cfg.Cache.TierTimeout != 50*time.Millisecond {
		t.Errorf("TierTimeout = %v, want 50ms", cfg.Cache.TierTimeout)
	}
	if cfg.Cache.Shards != Default().Cache.Shards {
		t.Errorf("Shards = %d, want default %d", cfg.Cache.Shards, Default().Cache.Shards)
	}

	pricing, ok := cfg.Cache.Categories["pricing"]
	if !ok {
		t.Fatal("pricing category missing")
	}
	if pricing.Name != "pricing" {
		t.Errorf("pricing.Name = %q, want name from key", pricing.Name)
	}
	if got := pricing.TTLFor(cache.TierRedis); got != 10*time.Minute {
		t.Errorf("pricing redis TTL = %v, want 10m", got)
	}
	if got := pricing.TTLFor(cache.TierMemory); got != 2*time.Minute {
		t.Errorf("pricing memory TTL = %v, want 2m", got)
	}
	if _, ok := cfg.Cache.Categories[cache.CategorySearch.Name]; !ok {
		t.Error("built-in search category dropped by file categories")
	}

	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.JitterEnabled {
		t.Errorf("Retry = %v, want file values", cfg.Retry)
	}
	if cfg.RateLimit.RatePerMinute != 120 {
		t.Errorf("RatePerMinute = %d, want 120", cfg.RateLimit.RatePerMinute)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PARTNER_BASE_URL", "https://env.example.com")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis.internal:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Partner.BaseURL != "https://env.example.com" {
		t.Errorf("BaseURL = %q", cfg.Partner.BaseURL)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis = %+v, want enabled at redis.internal:6379", cfg.Redis)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.RateLimit.RatePerMinute != 42 {
		t.Errorf("RatePerMinute = %d, want 42", cfg.RateLimit.RatePerMinute)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{
			name:  "missing file",
			setup: func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.yaml") },
		},
		{
			name:  "malformed yaml",
			setup: func(t *testing.T) string { return writeConfig(t, "partner: [unterminated") },
		},
		{
			name: "invalid values",
			setup: func(t *testing.T) string {
				return writeConfig(t, "partner:\n  base_url: https://p.example.com\ncache:\n  capacity: -1\n")
			},
		},
		{
			name: "bad env number",
			setup: func(t *testing.T) string {
				t.Setenv("RATE_LIMIT_PER_MINUTE", "lots")
				return writeConfig(t, "partner:\n  base_url: https://p.example.com\n")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.setup(t)); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := validDefault()
	cfg.Redis.KeyPrefix = ""

	if got := cfg.LimiterConfig(); got.RatePerMinute != cfg.RateLimit.RatePerMinute || got.BurstSize != cfg.RateLimit.BurstSize {
		t.Errorf("LimiterConfig() = %+v", got)
	}
	if got := cfg.MemoryConfig(); got.Capacity != cfg.Cache.Capacity {
		t.Errorf("MemoryConfig().Capacity = %d, want %d", got.Capacity, cfg.Cache.Capacity)
	}
	if got := cfg.RedisTierConfig(); got.KeyPrefix != cache.DefaultRedisConfig().KeyPrefix {
		t.Errorf("RedisTierConfig().KeyPrefix = %q, want default", got.KeyPrefix)
	}
	if got := cfg.PersistentTierConfig(); got.Path != cfg.Persistent.Path {
		t.Errorf("PersistentTierConfig().Path = %q", got.Path)
	}
	if got := cfg.AggregatorConfig(); got.SlowCallThreshold != cfg.Metrics.SlowCallThreshold {
		t.Errorf("AggregatorConfig().SlowCallThreshold = %v", got.SlowCallThreshold)
	}
	if got := cfg.LoggerConfig(); string(got.Level) != cfg.Logging.Level {
		t.Errorf("LoggerConfig().Level = %q", got.Level)
	}
}
