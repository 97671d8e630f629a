package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
)

// RedisConfig holds the shared network tier configuration.
type RedisConfig struct {
	// KeyPrefix namespaces every key written by this tier.
	KeyPrefix string

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit breaker. While open, operations fail without a round-trip.
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration

	// ScanCount is the COUNT hint used when clearing by prefix.
	ScanCount int64

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultRedisConfig returns the default Redis tier configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:       "partner:",
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		ScanCount:       100,
	}
}

// RedisTier is the shared network tier backed by Redis.
// Entries are stored as sonic-encoded envelopes with a Redis TTL derived from
// the entry's expiry.
type RedisTier struct {
	redis   *redis.Client
	cfg     RedisConfig
	breaker *gobreaker.CircuitBreaker
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewRedisTier creates a Redis tier. The tier does not own the client until
// Close is called on it.
func NewRedisTier(redisClient *redis.Client, cfg RedisConfig) (*RedisTier, error) {
	if redisClient == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	def := DefaultRedisConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = def.ScanCount
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	t := &RedisTier{
		redis:  redisClient,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: logging.OrDefault(cfg.Logger, "cache-redis"),
	}

	failures := cfg.BreakerFailures
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Redis tier circuit breaker changed state")
		},
	})

	return t, nil
}

// Name implements Tier.
func (t *RedisTier) Name() string { return TierRedis }

func (t *RedisTier) key(key string) string {
	return t.cfg.KeyPrefix + key
}

// Get retrieves an entry. Returns ErrCacheMiss if the key doesn't exist or
// the entry is expired.
func (t *RedisTier) Get(ctx context.Context, key string) (*CacheEntry, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		data, err := t.redis.Get(ctx, t.key(key)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrCacheMiss
			}
			return nil, fmt.Errorf("redis get: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, breakerError(err)
	}

	var entry CacheEntry
	if err := sonic.Unmarshal(res.([]byte), &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired(t.clock.Now()) {
		return nil, ErrCacheMiss
	}
	return &entry, nil
}

// Set stores an entry with a Redis TTL matching its remaining lifetime.
// Already expired entries are not written.
func (t *RedisTier) Set(ctx context.Context, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL(t.clock.Now())
	if ttl <= 0 {
		return nil
	}

	data, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = t.breaker.Execute(func() (interface{}, error) {
		if err := t.redis.Set(ctx, t.key(entry.Key), data, ttl).Err(); err != nil {
			return nil, fmt.Errorf("redis set: %w", err)
		}
		return nil, nil
	})
	return breakerError(err)
}

// Delete implements Tier.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		if err := t.redis.Del(ctx, t.key(key)).Err(); err != nil {
			return nil, fmt.Errorf("redis del: %w", err)
		}
		return nil, nil
	})
	return breakerError(err)
}

// DeletePrefix scans for keys under prefix and deletes them in batches.
func (t *RedisTier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		pattern := escapeGlob(t.key(prefix)) + "*"
		removed := 0

		var cursor uint64
		for {
			keys, next, err := t.redis.Scan(ctx, cursor, pattern, t.cfg.ScanCount).Result()
			if err != nil {
				return removed, fmt.Errorf("redis scan: %w", err)
			}
			if len(keys) > 0 {
				n, err := t.redis.Del(ctx, keys...).Result()
				if err != nil {
					return removed, fmt.Errorf("redis del: %w", err)
				}
				removed += int(n)
			}
			cursor = next
			if cursor == 0 {
				return removed, nil
			}
		}
	})
	removed, _ := res.(int)
	return removed, breakerError(err)
}

// Ping checks that Redis is reachable.
func (t *RedisTier) Ping(ctx context.Context) error {
	if err := t.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (t *RedisTier) Close() error {
	return t.redis.Close()
}

// breakerError maps the breaker's own rejections onto ErrTierUnavailable.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return err
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes Redis MATCH metacharacters in s.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}

var (
	_ Tier   = (*RedisTier)(nil)
	_ Pinger = (*RedisTier)(nil)
)
