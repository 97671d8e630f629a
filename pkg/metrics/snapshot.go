package metrics

import "time"

// Snapshot is an immutable point-in-time read of the aggregator.
// All fields, including the derived rates, are set by newSnapshot.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`

	// Cache
	Hits        map[string]uint64  `json:"hits"`
	Misses      uint64             `json:"misses"`
	Evictions   map[string]uint64  `json:"evictions"`
	CacheErrors map[string]uint64  `json:"cache_errors"`
	HitRate     float64            `json:"hit_rate"`
	TierHitRate map[string]float64 `json:"tier_hit_rate"`

	// Retry
	RetryAttempts map[string]uint64 `json:"retry_attempts"`
	Successes     uint64            `json:"successes"`
	Failures      map[string]uint64 `json:"failures"`

	// Rate limiting
	RateLimitRejections uint64 `json:"rate_limit_rejections"`

	// Calls
	TotalCalls        uint64        `json:"total_calls"`
	FailedCalls       uint64        `json:"failed_calls"`
	ErrorRate         float64       `json:"error_rate"`
	SlowCalls         uint64        `json:"slow_calls"`
	SlowCallThreshold time.Duration `json:"slow_call_threshold"`
	AverageLatency    time.Duration `json:"average_latency"`
}

func newSnapshot(c counters, slowThreshold time.Duration, takenAt time.Time) Snapshot {
	var totalHits uint64
	for _, v := range c.hits {
		totalHits += v
	}
	lookups := totalHits + c.misses

	tierRates := make(map[string]float64, len(c.hits))
	for tier, v := range c.hits {
		tierRates[tier] = ratio(v, lookups)
	}

	var avg time.Duration
	if c.calls > 0 {
		avg = c.totalDuration / time.Duration(c.calls)
	}

	return Snapshot{
		TakenAt:             takenAt,
		Hits:                c.hits,
		Misses:              c.misses,
		Evictions:           c.evictions,
		CacheErrors:         c.cacheErrors,
		HitRate:             ratio(totalHits, lookups),
		TierHitRate:         tierRates,
		RetryAttempts:       c.retries,
		Successes:           c.successes,
		Failures:            c.failures,
		RateLimitRejections: c.rejections,
		TotalCalls:          c.calls,
		FailedCalls:         c.failedCalls,
		ErrorRate:           ratio(c.failedCalls, c.calls),
		SlowCalls:           c.slowCalls,
		SlowCallThreshold:   slowThreshold,
		AverageLatency:      avg,
	}
}

// TotalHits returns the number of hits across every tier.
func (s Snapshot) TotalHits() uint64 {
	var n uint64
	for _, v := range s.Hits {
		n += v
	}
	return n
}

// TotalRetries returns the number of retry attempts across every error class.
func (s Snapshot) TotalRetries() uint64 {
	var n uint64
	for _, v := range s.RetryAttempts {
		n += v
	}
	return n
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
