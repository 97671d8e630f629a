package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestAggregator_Snapshot_Rates(t *testing.T) {
	a := NewAggregator(Config{SlowCallThreshold: time.Second, Shards: 4})

	a.Record(CacheHit("memory"))
	a.Record(CacheHit("memory"))
	a.Record(CacheHit("redis"))
	a.Record(CacheMiss())
	a.Record(CallCompleted(100*time.Millisecond, true))
	a.Record(CallCompleted(3*time.Second, false))
	a.Record(CallCompleted(500*time.Millisecond, true))
	a.Record(CallCompleted(1500*time.Millisecond, false))

	s := a.Snapshot()

	if s.Hits["memory"] != 2 {
		t.Errorf("Hits[memory] = %d, want 2", s.Hits["memory"])
	}
	if s.Misses != 1 {
		t.Errorf("Misses = %d, want 1", s.Misses)
	}
	if s.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", s.HitRate)
	}
	if s.TierHitRate["memory"] != 0.5 {
		t.Errorf("TierHitRate[memory] = %v, want 0.5", s.TierHitRate["memory"])
	}
	if s.TierHitRate["redis"] != 0.25 {
		t.Errorf("TierHitRate[redis] = %v, want 0.25", s.TierHitRate["redis"])
	}
	if s.TotalCalls != 4 {
		t.Errorf("TotalCalls = %d, want 4", s.TotalCalls)
	}
	if s.ErrorRate != 0.5 {
		t.Errorf("ErrorRate = %v, want 0.5", s.ErrorRate)
	}
	if s.SlowCalls != 2 {
		t.Errorf("SlowCalls = %d, want 2", s.SlowCalls)
	}
	if s.AverageLatency != 1275*time.Millisecond {
		t.Errorf("AverageLatency = %v, want 1.275s", s.AverageLatency)
	}
}

func TestAggregator_EmptySnapshot(t *testing.T) {
	s := NewAggregator(DefaultConfig()).Snapshot()

	if s.HitRate != 0 || s.ErrorRate != 0 {
		t.Errorf("empty rates = (%v, %v), want (0, 0)", s.HitRate, s.ErrorRate)
	}
	if s.AverageLatency != 0 {
		t.Errorf("AverageLatency = %v, want 0", s.AverageLatency)
	}
}

func TestAggregator_RetryAndOutcomeCounters(t *testing.T) {
	a := NewAggregator(DefaultConfig())

	a.Record(RetryAttempt("transient"))
	a.Record(RetryAttempt("transient"))
	a.Record(RetryAttempt("rate_limited"))
	a.Record(CallSucceeded())
	a.Record(CallFailed(OutcomeExhausted))
	a.Record(RateLimitRejected())
	a.Record(CacheEviction("memory"))
	a.Record(CacheError("redis"))

	s := a.Snapshot()

	if s.TotalRetries() != 3 {
		t.Errorf("TotalRetries() = %d, want 3", s.TotalRetries())
	}
	if s.RetryAttempts["transient"] != 2 {
		t.Errorf("RetryAttempts[transient] = %d, want 2", s.RetryAttempts["transient"])
	}
	if s.Successes != 1 {
		t.Errorf("Successes = %d, want 1", s.Successes)
	}
	if s.Failures[OutcomeExhausted] != 1 {
		t.Errorf("Failures[exhausted] = %d, want 1", s.Failures[OutcomeExhausted])
	}
	if s.RateLimitRejections != 1 {
		t.Errorf("RateLimitRejections = %d, want 1", s.RateLimitRejections)
	}
	if s.Evictions["memory"] != 1 || s.CacheErrors["redis"] != 1 {
		t.Errorf("Evictions/CacheErrors = %v/%v", s.Evictions, s.CacheErrors)
	}
}

func TestAggregator_SnapshotIsImmutable(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	a.Record(CacheHit("memory"))

	s := a.Snapshot()
	a.Record(CacheHit("memory"))

	if s.Hits["memory"] != 1 {
		t.Errorf("snapshot changed after Record: Hits[memory] = %d, want 1", s.Hits["memory"])
	}
}

func TestAggregator_ConcurrentWritersConsistentSnapshot(t *testing.T) {
	a := NewAggregator(Config{Shards: 8})

	const writers = 16
	const perWriter = 500

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				a.Record(CallCompleted(time.Millisecond, j%2 == 0))
			}
		}()
	}

	// Concurrent readers must never see failed calls exceed total calls.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s := a.Snapshot()
			if s.FailedCalls > s.TotalCalls {
				t.Errorf("torn snapshot: failed %d > total %d", s.FailedCalls, s.TotalCalls)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	s := a.Snapshot()
	if s.TotalCalls != writers*perWriter {
		t.Errorf("TotalCalls = %d, want %d", s.TotalCalls, writers*perWriter)
	}
	if s.FailedCalls != writers*perWriter/2 {
		t.Errorf("FailedCalls = %d, want %d", s.FailedCalls, writers*perWriter/2)
	}
}

func TestAggregator_NilIsNoop(t *testing.T) {
	var a *Aggregator
	a.Record(CacheMiss())
	a.Reset()

	if s := a.Snapshot(); s.Misses != 0 {
		t.Errorf("nil aggregator Misses = %d, want 0", s.Misses)
	}
}

func TestAggregator_Reset(t *testing.T) {
	a := NewAggregator(DefaultConfig())
	a.Record(CacheMiss())
	a.Reset()

	if s := a.Snapshot(); s.Misses != 0 {
		t.Errorf("Misses after Reset = %d, want 0", s.Misses)
	}
}
