package quotagate

import (
	"sync"
	"time"
)

// LocalCacheStats holds cache performance statistics
type LocalCacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// localEntry wraps a cached value with expiration time and access time for LRU
type localEntry[V any] struct {
	value      V
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// LocalCache is an in-process TTL cache with LRU eviction. Each instance owns
// its state; nothing is shared between instances.
type LocalCache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*localEntry[V]
	maxEntries int
	clock      Clock
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
}

// NewLocalCache creates a cache holding at most maxEntries values
func NewLocalCache[V any](maxEntries int, clock Clock) *LocalCache[V] {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &LocalCache[V]{
		entries:    make(map[string]*localEntry[V], maxEntries),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the value for key if present and not expired
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, exists := c.entries[key]
	if !exists || !now.Before(entry.expiration) {
		if exists {
			delete(c.entries, key)
		}
		c.misses++
		var zero V
		return zero, false
	}

	entry.accessTime = now
	c.hits++
	return entry.value, true
}

// Set stores value for key with the given TTL
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[key] = &localEntry[V]{
		value:      value,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *LocalCache[V]) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Invalidate removes key
func (c *LocalCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries
func (c *LocalCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*localEntry[V], c.maxEntries)
}

// Stats returns cache statistics
func (c *LocalCache[V]) Stats() LocalCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LocalCacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
