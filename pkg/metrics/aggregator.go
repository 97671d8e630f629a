package metrics

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventCacheHit EventKind = iota
	EventCacheMiss
	EventCacheEviction
	EventCacheError
	EventRetryAttempt
	EventCallSucceeded
	EventCallFailed
	EventRateLimitRejected
	EventCallCompleted
)

// Failure types reported with EventCallFailed.
const (
	OutcomeSuccess   = "success"
	OutcomePermanent = "permanent"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
)

// Event is a single observation reported to the Aggregator.
type Event struct {
	Kind EventKind

	// Tier names the cache tier for cache events.
	Tier string

	// Type is the error class for retry attempts or the failure type for
	// failed calls.
	Type string

	// Duration and Success describe a completed remote call.
	Duration time.Duration
	Success  bool
}

func CacheHit(tier string) Event      { return Event{Kind: EventCacheHit, Tier: tier} }
func CacheMiss() Event                { return Event{Kind: EventCacheMiss} }
func CacheEviction(tier string) Event { return Event{Kind: EventCacheEviction, Tier: tier} }
func CacheError(tier string) Event    { return Event{Kind: EventCacheError, Tier: tier} }
func RetryAttempt(class string) Event { return Event{Kind: EventRetryAttempt, Type: class} }
func CallSucceeded() Event            { return Event{Kind: EventCallSucceeded} }
func CallFailed(outcome string) Event { return Event{Kind: EventCallFailed, Type: outcome} }
func RateLimitRejected() Event        { return Event{Kind: EventRateLimitRejected} }

// CallCompleted reports the latency and result of one remote call.
func CallCompleted(d time.Duration, success bool) Event {
	return Event{Kind: EventCallCompleted, Duration: d, Success: success}
}

// Config holds aggregator configuration.
type Config struct {
	// SlowCallThreshold flags completed calls that took longer than this.
	// Slow calls are counted, never rejected.
	SlowCallThreshold time.Duration

	// Shards is the number of independently locked counter sets.
	Shards int
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		SlowCallThreshold: 2 * time.Second,
		Shards:            16,
	}
}

// Aggregator collects events from every resilience component.
//
// Writers spread across shards so concurrent events rarely contend. Snapshot
// locks every shard before reading, which makes it a consistent cut: an
// event is either fully counted or not counted at all.
//
// A nil *Aggregator is valid and discards every event.
type Aggregator struct {
	cfg    Config
	shards []*shard
	next   atomic.Uint64
	clock  func() time.Time
}

type shard struct {
	mu sync.Mutex
	c  counters
}

type counters struct {
	hits          map[string]uint64
	misses        uint64
	evictions     map[string]uint64
	cacheErrors   map[string]uint64
	retries       map[string]uint64
	successes     uint64
	failures      map[string]uint64
	rejections    uint64
	calls         uint64
	failedCalls   uint64
	slowCalls     uint64
	totalDuration time.Duration
}

func newCounters() counters {
	return counters{
		hits:        make(map[string]uint64),
		evictions:   make(map[string]uint64),
		cacheErrors: make(map[string]uint64),
		retries:     make(map[string]uint64),
		failures:    make(map[string]uint64),
	}
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.SlowCallThreshold <= 0 {
		cfg.SlowCallThreshold = DefaultConfig().SlowCallThreshold
	}

	a := &Aggregator{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		clock:  time.Now,
	}
	for i := range a.shards {
		a.shards[i] = &shard{c: newCounters()}
	}
	return a
}

// Record adds an event to the aggregate.
func (a *Aggregator) Record(e Event) {
	if a == nil {
		return
	}

	slow := e.Kind == EventCallCompleted && e.Duration > a.cfg.SlowCallThreshold

	s := a.shards[a.next.Inc()%uint64(len(a.shards))]
	s.mu.Lock()
	s.c.apply(e, slow)
	s.mu.Unlock()

	mirror(e, slow)
}

func (c *counters) apply(e Event, slow bool) {
	switch e.Kind {
	case EventCacheHit:
		c.hits[e.Tier]++
	case EventCacheMiss:
		c.misses++
	case EventCacheEviction:
		c.evictions[e.Tier]++
	case EventCacheError:
		c.cacheErrors[e.Tier]++
	case EventRetryAttempt:
		c.retries[e.Type]++
	case EventCallSucceeded:
		c.successes++
	case EventCallFailed:
		c.failures[e.Type]++
	case EventRateLimitRejected:
		c.rejections++
	case EventCallCompleted:
		c.calls++
		c.totalDuration += e.Duration
		if !e.Success {
			c.failedCalls++
		}
		if slow {
			c.slowCalls++
		}
	}
}

func (c *counters) add(o *counters) {
	for k, v := range o.hits {
		c.hits[k] += v
	}
	for k, v := range o.evictions {
		c.evictions[k] += v
	}
	for k, v := range o.cacheErrors {
		c.cacheErrors[k] += v
	}
	for k, v := range o.retries {
		c.retries[k] += v
	}
	for k, v := range o.failures {
		c.failures[k] += v
	}
	c.misses += o.misses
	c.successes += o.successes
	c.rejections += o.rejections
	c.calls += o.calls
	c.failedCalls += o.failedCalls
	c.slowCalls += o.slowCalls
	c.totalDuration += o.totalDuration
}

// Snapshot returns a consistent point-in-time view of every counter.
func (a *Aggregator) Snapshot() Snapshot {
	if a == nil {
		return newSnapshot(newCounters(), 0, time.Time{})
	}

	total := newCounters()
	for _, s := range a.shards {
		s.mu.Lock()
	}
	for _, s := range a.shards {
		total.add(&s.c)
	}
	for i := len(a.shards) - 1; i >= 0; i-- {
		a.shards[i].mu.Unlock()
	}

	return newSnapshot(total, a.cfg.SlowCallThreshold, a.clock())
}

// Reset zeroes every counter. Prometheus mirrors are not reset.
func (a *Aggregator) Reset() {
	if a == nil {
		return
	}
	for _, s := range a.shards {
		s.mu.Lock()
	}
	for _, s := range a.shards {
		s.c = newCounters()
	}
	for i := len(a.shards) - 1; i >= 0; i-- {
		a.shards[i].mu.Unlock()
	}
}
