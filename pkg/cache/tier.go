package cache

import (
	"context"
	"errors"
	"hash/fnv"
)

// Tier names used in metrics, logs and category TTL overrides.
const (
	TierMemory     = "memory"
	TierRedis      = "redis"
	TierPersistent = "persistent"
)

var (
	// ErrCacheMiss indicates the requested key was not found in a tier
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrTierUnavailable indicates a tier refused the operation without trying
	ErrTierUnavailable = errors.New("cache tier unavailable")
)

// Tier is one backend in the fallback chain.
//
// Get returns ErrCacheMiss for absent or expired keys. Any other error is a
// tier failure; TieredCache recovers from it by treating the tier as absent
// for that request.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Pinger is implemented by tiers that can be probed for reachability at
// construction time.
type Pinger interface {
	Ping(ctx context.Context) error
}

// shardIndex maps a key onto one of n shards.
func shardIndex(n int, key string) int {
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		return 0
	}
	return int(h.Sum64() % uint64(n))
}
