package cache

import (
	"time"
)

// CacheEntry is one cached partner response as held by a single tier.
// Tiers never share entries by reference; each stores its own copy.
type CacheEntry struct {
	// Key is the string form of the CacheKey
	Key string `json:"key"`

	// Value is the opaque response payload
	Value []byte `json:"value"`

	// CreatedAt is when the entry was written
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry stops being served
	ExpiresAt time.Time `json:"expires_at"`

	// HitCount is the number of reads served by the holding tier
	HitCount int64 `json:"hit_count"`
}

// NewEntry creates an entry that expires ttl after now. The value is copied.
func NewEntry(key string, value []byte, now time.Time, ttl time.Duration) *CacheEntry {
	return &CacheEntry{
		Key:       key,
		Value:     cloneBytes(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired returns true if the entry has expired at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clone returns a deep copy with a fresh hit count, suitable for handing to
// another tier.
func (e *CacheEntry) Clone() *CacheEntry {
	return &CacheEntry{
		Key:       e.Key,
		Value:     cloneBytes(e.Value),
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
