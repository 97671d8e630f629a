// Package config loads the partner-proxy configuration from YAML, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/partner-proxy/pkg/cache"
	"github.com/Sternrassler/partner-proxy/pkg/client"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
	"github.com/Sternrassler/partner-proxy/pkg/ratelimit"
)

// Config is the complete proxy configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Partner     PartnerConfig      `yaml:"partner"`
	Redis       RedisConfig        `yaml:"redis"`
	Persistent  PersistentConfig   `yaml:"persistent"`
	Cache       CacheConfig        `yaml:"cache"`
	RateLimit   RateLimitConfig    `yaml:"ratelimit"`
	Retry       client.RetryPolicy `yaml:"retry"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Logging     LoggingConfig      `yaml:"logging"`
	Maintenance MaintenanceConfig  `yaml:"maintenance"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PartnerConfig configures the upstream partner API.
type PartnerConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header" validate:"required"`
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RedisConfig configures the shared network cache tier.
type RedisConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db" validate:"gte=0"`
	KeyPrefix       string        `yaml:"key_prefix"`
	BreakerFailures uint32        `yaml:"breaker_failures" validate:"gte=1"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`
}

// PersistentConfig configures the local SQLite cache tier.
type PersistentConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Path              string  `yaml:"path" validate:"required_if=Enabled true"`
	ExpectedItems     uint    `yaml:"expected_items" validate:"gte=1"`
	FalsePositiveRate float64 `yaml:"false_positive_rate" validate:"gt=0,lt=1"`
}

// CacheConfig configures the memory tier and the tier chain.
type CacheConfig struct {
	Capacity    int                       `yaml:"capacity" validate:"gte=1"`
	Shards      int                       `yaml:"shards" validate:"gte=1"`
	TierTimeout time.Duration             `yaml:"tier_timeout" validate:"gt=0"`
	Categories  map[string]cache.Category `yaml:"categories"`
}

// RateLimitConfig configures the per-client limiter.
type RateLimitConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
	BurstSize     float64       `yaml:"burst_size" validate:"gte=1"`
	RatePerMinute int           `yaml:"rate_per_minute" validate:"gte=1"`
	IdleRetention time.Duration `yaml:"idle_retention" validate:"gt=0"`
	CallCost      float64       `yaml:"call_cost" validate:"gt=0"`
}

// MetricsConfig configures the aggregator.
type MetricsConfig struct {
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold" validate:"gt=0"`
	Shards            int           `yaml:"shards" validate:"gte=1"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `yaml:"pretty"`
}

// MaintenanceConfig holds the cron schedules of background jobs.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`

	// SweepSchedule drops idle rate-limit state.
	SweepSchedule string `yaml:"sweep_schedule" validate:"required_if=Enabled true"`

	// PurgeSchedule deletes expired persistent-tier rows.
	PurgeSchedule string `yaml:"purge_schedule" validate:"required_if=Enabled true"`
}

// Default returns the default configuration. Partner.BaseURL has no default
// and must be set.
func Default() *Config {
	retry := client.DefaultRetryPolicy()
	limits := ratelimit.DefaultConfig()
	agg := metrics.DefaultConfig()
	memory := cache.DefaultMemoryConfig()
	redisTier := cache.DefaultRedisConfig()
	persistent := cache.DefaultPersistentConfig()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Partner: PartnerConfig{
			APIKeyHeader: "X-API-Key",
			UserAgent:    "partner-proxy/0.1.0",
			Timeout:      10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			KeyPrefix:       redisTier.KeyPrefix,
			BreakerFailures: redisTier.BreakerFailures,
			BreakerCooldown: redisTier.BreakerCooldown,
		},
		Persistent: PersistentConfig{
			Path:              persistent.Path,
			ExpectedItems:     persistent.ExpectedItems,
			FalsePositiveRate: persistent.FalsePositiveRate,
		},
		Cache: CacheConfig{
			Capacity:    memory.Capacity,
			Shards:      memory.Shards,
			TierTimeout: cache.DefaultTierTimeout,
			Categories:  cache.DefaultCategories(),
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: limits.RatePerSecond,
			BurstSize:     limits.BurstSize,
			RatePerMinute: limits.RatePerMinute,
			IdleRetention: limits.IdleRetention,
			CallCost:      1,
		},
		Retry: retry,
		Metrics: MetricsConfig{
			SlowCallThreshold: agg.SlowCallThreshold,
			Shards:            agg.Shards,
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			SweepSchedule: "@every 1m",
			PurgeSchedule: "@every 10m",
		},
	}
}

// Load builds the configuration in order: defaults, the YAML file at path
// (skipped when path is empty) with ${VAR} expansion, then environment
// overrides. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands environment variables in data and decodes it over cfg.
// Keys absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	for name, cat := range c.Cache.Categories {
		if cat.TTL < 0 {
			return fmt.Errorf("config validation failed: category %q has negative ttl", name)
		}
		for tier, ttl := range cat.TierTTL {
			if ttl < 0 {
				return fmt.Errorf("config validation failed: category %q has negative %s ttl", name, tier)
			}
		}
	}
	return nil
}

// normalize fills category names from their map keys and makes sure the
// default category exists.
func (c *Config) normalize() {
	if c.Cache.Categories == nil {
		c.Cache.Categories = make(map[string]cache.Category)
	}
	for name, cat := range c.Cache.Categories {
		if cat.Name == "" {
			cat.Name = name
			c.Cache.Categories[name] = cat
		}
	}
	if _, ok := c.Cache.Categories[cache.CategoryDefault.Name]; !ok {
		c.Cache.Categories[cache.CategoryDefault.Name] = cache.CategoryDefault
	}
}

// applyEnv applies the environment overrides.
func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("PARTNER_PROXY_ADDR", c.Server.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}

	c.Partner.BaseURL = getEnv("PARTNER_BASE_URL", c.Partner.BaseURL)
	c.Partner.APIKey = getEnv("PARTNER_API_KEY", c.Partner.APIKey)
	c.Partner.UserAgent = getEnv("USER_AGENT", c.Partner.UserAgent)

	if addr := os.Getenv("REDIS_URL"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Persistent.Path = getEnv("CACHE_DB_PATH", c.Persistent.Path)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE %q: %w", v, err)
		}
		c.RateLimit.RatePerMinute = n
	}
	return nil
}

// LimiterConfig returns the rate limiter settings.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		RatePerSecond: c.RateLimit.RatePerSecond,
		BurstSize:     c.RateLimit.BurstSize,
		RatePerMinute: c.RateLimit.RatePerMinute,
		IdleRetention: c.RateLimit.IdleRetention,
	}
}

// MemoryConfig returns the memory tier settings.
func (c *Config) MemoryConfig() cache.MemoryConfig {
	return cache.MemoryConfig{
		Capacity: c.Cache.Capacity,
		Shards:   c.Cache.Shards,
	}
}

// RedisTierConfig returns the Redis tier settings.
func (c *Config) RedisTierConfig() cache.RedisConfig {
	cfg := cache.DefaultRedisConfig()
	if c.Redis.KeyPrefix != "" {
		cfg.KeyPrefix = c.Redis.KeyPrefix
	}
	cfg.BreakerFailures = c.Redis.BreakerFailures
	cfg.BreakerCooldown = c.Redis.BreakerCooldown
	return cfg
}

// PersistentTierConfig returns the persistent tier settings.
func (c *Config) PersistentTierConfig() cache.PersistentConfig {
	return cache.PersistentConfig{
		Path:              c.Persistent.Path,
		ExpectedItems:     c.Persistent.ExpectedItems,
		FalsePositiveRate: c.Persistent.FalsePositiveRate,
	}
}

// AggregatorConfig returns the metrics aggregator settings.
func (c *Config) AggregatorConfig() metrics.Config {
	return metrics.Config{
		SlowCallThreshold: c.Metrics.SlowCallThreshold,
		Shards:            c.Metrics.Shards,
	}
}

// LoggerConfig returns the zerolog settings writing to stderr.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
