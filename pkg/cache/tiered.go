package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
)

// DefaultTierTimeout bounds every call to a tier that performs I/O.
const DefaultTierTimeout = 100 * time.Millisecond

var tracer = otel.Tracer("github.com/Sternrassler/partner-proxy/pkg/cache")

// Config holds the tiered cache configuration.
type Config struct {
	// Tiers in priority order, fastest first.
	Tiers []Tier

	// TierTimeout bounds each call to a non-memory tier. A timeout counts
	// as a miss for that request.
	TierTimeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.Aggregator
	Logger  *zerolog.Logger
}

// TieredCache reads through and writes through an ordered chain of tiers.
//
// A hit at tier n backfills tiers 0..n-1 with the entry's remaining TTL.
// Tier failures never reach the caller: they are logged, reported to the
// aggregator and treated as a miss (reads) or a no-op (writes).
type TieredCache struct {
	slots   []*slot
	timeout time.Duration
	clock   clock.Clock
	metrics *metrics.Aggregator
	logger  zerolog.Logger
}

type slot struct {
	tier      Tier
	local     bool
	available atomic.Bool
}

// New builds the chain and probes every tier that implements Pinger.
// Tiers that fail the probe are marked unavailable for the lifetime of the
// cache and skipped by every operation.
func New(ctx context.Context, cfg Config) *TieredCache {
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = DefaultTierTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	c := &TieredCache{
		slots:   make([]*slot, 0, len(cfg.Tiers)),
		timeout: cfg.TierTimeout,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  logging.OrDefault(cfg.Logger, "cache"),
	}

	for _, t := range cfg.Tiers {
		if t == nil {
			continue
		}
		_, local := t.(*MemoryTier)
		s := &slot{tier: t, local: local}
		s.available.Store(true)

		if p, ok := t.(Pinger); ok {
			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				s.available.Store(false)
				c.logger.Warn().Err(err).Str("tier", t.Name()).Msg("Cache tier unreachable, skipping it")
			}
		}

		if s.available.Load() {
			TierAvailable.WithLabelValues(t.Name()).Set(1)
			c.logger.Info().Str("tier", t.Name()).Msg("Cache tier available")
		} else {
			TierAvailable.WithLabelValues(t.Name()).Set(0)
		}
		c.slots = append(c.slots, s)
	}

	return c
}

// Get returns the cached value for key. Misses never error.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, _, ok := c.Lookup(ctx, key)
	return value, ok
}

// Lookup is Get that also reports the tier that served the hit.
func (c *TieredCache) Lookup(ctx context.Context, key string) ([]byte, string, bool) {
	ctx, span := tracer.Start(ctx, "cache.Get", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	for i, s := range c.slots {
		if !s.available.Load() {
			continue
		}

		entry, err := c.get(ctx, s, key)
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				c.tierFailed(ctx, s, "get", key, err)
			}
			continue
		}

		name := s.tier.Name()
		c.metrics.Record(metrics.CacheHit(name))
		c.logger.Debug().Str("key", key).Str("tier", name).Msg("Cache hit")
		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("cache.tier", name))

		c.backfill(ctx, i, entry)
		return entry.Value, name, true
	}

	c.metrics.Record(metrics.CacheMiss())
	c.logger.Debug().Str("key", key).Msg("Cache miss")
	span.SetAttributes(attribute.Bool("cache.hit", false))
	return nil, "", false
}

// backfill copies entry into every available tier before index n. The copy
// keeps the original expiry, so faster tiers inherit the remaining TTL.
func (c *TieredCache) backfill(ctx context.Context, n int, entry *CacheEntry) {
	if entry.IsExpired(c.clock.Now()) {
		return
	}
	for _, s := range c.slots[:n] {
		if !s.available.Load() {
			continue
		}
		if err := c.set(ctx, s, entry.Clone()); err != nil {
			c.tierFailed(ctx, s, "backfill", entry.Key, err)
			continue
		}
		TierBackfills.WithLabelValues(s.tier.Name()).Inc()
	}
}

// Set writes value to every tier with the same TTL. A non-positive ttl is a
// no-op. Failures of slower tiers are logged and swallowed; only a failure
// of the first available tier is returned.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.write(ctx, key, value, func(string) time.Duration { return ttl })
}

// SetCategory writes value to every tier using the TTL the category assigns
// to that tier.
func (c *TieredCache) SetCategory(ctx context.Context, key string, value []byte, cat Category) error {
	return c.write(ctx, key, value, cat.TTLFor)
}

func (c *TieredCache) write(ctx context.Context, key string, value []byte, ttlFor func(tier string) time.Duration) error {
	ctx, span := tracer.Start(ctx, "cache.Set", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	now := c.clock.Now()
	var primaryErr error
	for i, s := range c.slots {
		if !s.available.Load() {
			continue
		}
		ttl := ttlFor(s.tier.Name())
		if ttl <= 0 {
			continue
		}
		if err := c.set(ctx, s, NewEntry(key, value, now, ttl)); err != nil {
			c.tierFailed(ctx, s, "set", key, err)
			if i == c.primary() {
				span.RecordError(err)
				primaryErr = err
			}
		}
	}
	return primaryErr
}

// primary returns the index of the first available tier, or -1.
func (c *TieredCache) primary() int {
	for i, s := range c.slots {
		if s.available.Load() {
			return i
		}
	}
	return -1
}

// Delete removes key from every tier.
func (c *TieredCache) Delete(ctx context.Context, key string) {
	for _, s := range c.slots {
		if !s.available.Load() {
			continue
		}
		tctx, cancel := c.tierContext(ctx, s)
		err := s.tier.Delete(tctx, key)
		cancel()
		if err != nil {
			c.tierFailed(ctx, s, "delete", key, err)
		}
	}
}

// Clear removes every key starting with prefix from every tier and returns
// the number of entries removed.
func (c *TieredCache) Clear(ctx context.Context, prefix string) int {
	removed := 0
	for _, s := range c.slots {
		if !s.available.Load() {
			continue
		}
		tctx, cancel := c.tierContext(ctx, s)
		n, err := s.tier.DeletePrefix(tctx, prefix)
		cancel()
		removed += n
		if err != nil {
			c.tierFailed(ctx, s, "clear", prefix, err)
		}
	}
	return removed
}

// Stats returns the aggregator snapshot.
func (c *TieredCache) Stats() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// Available returns the names of the tiers in use, in priority order.
func (c *TieredCache) Available() []string {
	names := make([]string, 0, len(c.slots))
	for _, s := range c.slots {
		if s.available.Load() {
			names = append(names, s.tier.Name())
		}
	}
	return names
}

// Close closes every tier, including those marked unavailable.
func (c *TieredCache) Close() error {
	var errs []error
	for _, s := range c.slots {
		if err := s.tier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *TieredCache) get(ctx context.Context, s *slot, key string) (*CacheEntry, error) {
	tctx, cancel := c.tierContext(ctx, s)
	defer cancel()
	return s.tier.Get(tctx, key)
}

func (c *TieredCache) set(ctx context.Context, s *slot, entry *CacheEntry) error {
	tctx, cancel := c.tierContext(ctx, s)
	defer cancel()
	return s.tier.Set(tctx, entry)
}

func (c *TieredCache) tierContext(ctx context.Context, s *slot) (context.Context, context.CancelFunc) {
	if s.local {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *TieredCache) tierFailed(ctx context.Context, s *slot, op, key string, err error) {
	// The caller gave up; not the tier's fault.
	if ctx.Err() != nil {
		return
	}
	name := s.tier.Name()
	c.metrics.Record(metrics.CacheError(name))
	c.logger.Warn().
		Err(err).
		Str("tier", name).
		Str("op", op).
		Str("key", key).
		Msg("Cache tier failed, continuing without it")
}
