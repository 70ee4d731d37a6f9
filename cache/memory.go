package cache

import (
	"context"
	"sync"
	"time"

	"github.com/warp/points-engine/points"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in-memory with per-entry TTLs.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]cacheEntry[V]
	now   func() time.Time
}

// NewTTLCache constructs a new TTLCache instance.
func NewTTLCache[K comparable, V any]() *TTLCache[K, V] {
	return &TTLCache[K, V]{items: make(map[K]cacheEntry[V]), now: time.Now}
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the provided TTL. ttl <= 0 never expires.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = cacheEntry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Delete removes a cached entry.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Memory is the in-process Store. Summaries only ever carry one tag, the
// user's balance tag, so the tag index maps tag -> summary key.
type Memory struct {
	items *TTLCache[string, points.Summary]
	ttl   time.Duration

	mu   sync.Mutex
	tags map[string]map[string]struct{}
	gens map[string]int64
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		items: NewTTLCache[string, points.Summary](),
		ttl:   ttl,
		tags:  make(map[string]map[string]struct{}),
		gens:  make(map[string]int64),
	}
}

func (m *Memory) GetSummary(_ context.Context, userID points.UserID) (points.Summary, bool, error) {
	sum, ok := m.items.Get(summaryKey(userID))
	return sum, ok, nil
}

func (m *Memory) Generation(_ context.Context, tag string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[tag], nil
}

func (m *Memory) SetSummary(_ context.Context, sum points.Summary, gen int64) (bool, error) {
	key := summaryKey(sum.UserID)
	tag := points.BalanceTag(sum.UserID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[tag] != gen {
		return false, nil
	}
	m.items.Set(key, sum, m.ttl)
	if m.tags[tag] == nil {
		m.tags[tag] = make(map[string]struct{})
	}
	m.tags[tag][key] = struct{}{}
	return true, nil
}

// Invalidate drops every entry carrying any of tags.
func (m *Memory) Invalidate(_ context.Context, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		m.gens[tag]++
		for key := range m.tags[tag] {
			m.items.Delete(key)
		}
		delete(m.tags, tag)
	}
	return nil
}

var _ Store = (*Memory)(nil)
