package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
)

// MemoryConfig holds the in-memory tier configuration.
type MemoryConfig struct {
	// Capacity is the maximum number of entries held by the tier.
	Capacity int

	// Shards splits the key index into independently locked maps. Recency
	// is tracked in one list shared by all shards, so eviction is exact LRU
	// regardless of the shard count.
	Shards int

	Clock   clock.Clock
	Metrics *metrics.Aggregator
	Logger  *zerolog.Logger
}

// DefaultMemoryConfig returns the default in-memory tier configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity: 10000,
		Shards:   16,
	}
}

// MemoryTier is the fast, capacity-bounded, least-recently-used tier.
// It never performs I/O and never fails.
//
// Lock order is shard then orderMu, never the reverse.
type MemoryTier struct {
	shards   []*memoryShard
	capacity int

	orderMu sync.Mutex
	order   *list.List // front = most recently used

	clock   clock.Clock
	metrics *metrics.Aggregator
	logger  zerolog.Logger
}

type memoryShard struct {
	mu    sync.Mutex
	items map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry *CacheEntry // guarded by the key's shard lock

	linked bool // guarded by orderMu
}

// NewMemoryTier creates a bounded in-memory tier.
func NewMemoryTier(cfg MemoryConfig) *MemoryTier {
	def := DefaultMemoryConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = cfg.Capacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	m := &MemoryTier{
		shards:   make([]*memoryShard, cfg.Shards),
		capacity: cfg.Capacity,
		order:    list.New(),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   logging.OrDefault(cfg.Logger, "cache-memory"),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{items: make(map[string]*list.Element)}
	}
	return m
}

// Name implements Tier.
func (m *MemoryTier) Name() string { return TierMemory }

func (m *MemoryTier) shard(key string) *memoryShard {
	return m.shards[shardIndex(len(m.shards), key)]
}

// Get returns a copy of the entry and marks it most recently used.
func (m *MemoryTier) Get(_ context.Context, key string) (*CacheEntry, error) {
	now := m.clock.Now()
	s := m.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	item := el.Value.(*memoryItem)
	if item.entry.IsExpired(now) {
		delete(s.items, key)
		m.unlink(el)
		return nil, ErrCacheMiss
	}

	item.entry.HitCount++
	m.touch(el)

	out := item.entry.Clone()
	out.HitCount = item.entry.HitCount
	return out, nil
}

// Set stores a copy of the entry, evicting the least recently used entries
// of the tier while it is over capacity.
func (m *MemoryTier) Set(_ context.Context, entry *CacheEntry) error {
	s := m.shard(entry.Key)

	s.mu.Lock()
	if el, ok := s.items[entry.Key]; ok {
		el.Value.(*memoryItem).entry = entry.Clone()
		m.touch(el)
		s.mu.Unlock()
		return nil
	}

	m.orderMu.Lock()
	el := m.order.PushFront(&memoryItem{key: entry.Key, entry: entry.Clone(), linked: true})
	over := m.order.Len() > m.capacity
	m.orderMu.Unlock()

	s.items[entry.Key] = el
	s.mu.Unlock()
	TierEntries.WithLabelValues(TierMemory).Inc()

	if over {
		m.evict()
	}
	return nil
}

// evict drops entries from the back of the recency list until the tier is
// within capacity. It must be called without any shard lock held.
func (m *MemoryTier) evict() {
	for {
		m.orderMu.Lock()
		if m.order.Len() <= m.capacity {
			m.orderMu.Unlock()
			return
		}
		el := m.order.Back()
		item := el.Value.(*memoryItem)
		item.linked = false
		m.order.Remove(el)
		m.orderMu.Unlock()

		s := m.shard(item.key)
		s.mu.Lock()
		if cur, ok := s.items[item.key]; ok && cur == el {
			delete(s.items, item.key)
		}
		s.mu.Unlock()

		TierEntries.WithLabelValues(TierMemory).Dec()
		m.metrics.Record(metrics.CacheEviction(TierMemory))
		m.logger.Debug().Str("key", item.key).Msg("Evicted least recently used entry")
	}
}

// Delete implements Tier.
func (m *MemoryTier) Delete(_ context.Context, key string) error {
	s := m.shard(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		delete(s.items, key)
		m.unlink(el)
	}
	s.mu.Unlock()
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix.
func (m *MemoryTier) DeletePrefix(_ context.Context, prefix string) (int, error) {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, el := range s.items {
			if strings.HasPrefix(key, prefix) {
				delete(s.items, key)
				m.unlink(el)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored entries, including expired ones not yet
// reclaimed.
func (m *MemoryTier) Len() int {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()
	return m.order.Len()
}

// Close drops every entry.
func (m *MemoryTier) Close() error {
	for _, s := range m.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.mu.Unlock()
	}
	m.orderMu.Lock()
	for el := m.order.Front(); el != nil; el = el.Next() {
		el.Value.(*memoryItem).linked = false
	}
	m.order.Init()
	m.orderMu.Unlock()
	return nil
}

// touch marks el most recently used. A no-op once el has been evicted.
func (m *MemoryTier) touch(el *list.Element) {
	m.orderMu.Lock()
	if el.Value.(*memoryItem).linked {
		m.order.MoveToFront(el)
	}
	m.orderMu.Unlock()
}

// unlink removes el from the recency list unless eviction already did.
func (m *MemoryTier) unlink(el *list.Element) {
	m.orderMu.Lock()
	item := el.Value.(*memoryItem)
	removed := item.linked
	if removed {
		item.linked = false
		m.order.Remove(el)
	}
	m.orderMu.Unlock()

	if removed {
		TierEntries.WithLabelValues(TierMemory).Dec()
	}
}

var _ Tier = (*MemoryTier)(nil)
