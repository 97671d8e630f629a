// Package cache provides the tiered response cache in front of the partner API.
//
// A TieredCache chains Tier implementations fastest first:
//
// - MemoryTier: bounded, sharded LRU; never performs I/O
// - RedisTier: shared network cache with a circuit breaker
// - PersistentTier: local SQLite store that survives restarts
//
// Reads probe tiers in order. A hit at a slower tier backfills every faster
// tier with the entry's remaining TTL. Writes go to every tier, each with the
// TTL its Category assigns. Tier failures and timeouts are logged and treated
// as misses; they never surface to the caller.
//
// # Basic Usage
//
//	memory := cache.NewMemoryTier(cache.DefaultMemoryConfig())
//	redisTier, err := cache.NewRedisTier(redisClient, cache.DefaultRedisConfig())
//	if err != nil {
//		return err
//	}
//
//	tiered := cache.New(ctx, cache.Config{
//		Tiers:   []cache.Tier{memory, redisTier},
//		Metrics: aggregator,
//	})
//	defer tiered.Close()
//
//	key := cache.NewKey("search", map[string]string{"q": "widgets", "page": "1"})
//	if value, ok := tiered.Get(ctx, key.String()); ok {
//		return value, nil
//	}
//
//	_ = tiered.SetCategory(ctx, key.String(), value, cache.CategorySearch)
//
// # Keys
//
// CacheKey.String() is deterministic: parameters are sorted by name, so the
// same operation and parameters always produce the same key. Every key of an
// operation shares OperationPrefix(op), which Clear uses for invalidation.
//
// # Metrics
//
// Hits, misses, evictions and tier errors are reported to the metrics
// Aggregator. The package also exports:
//
//   - partner_cache_entries{tier="memory"} - Entries held by the memory tier
//   - partner_cache_tier_available{tier} - 1 if the tier is in use
//   - partner_cache_backfills_total{tier} - Backfill writes per tier
package cache
