package quotagate

import (
	"context"
	"time"
)

// ConcurrentRequestTracker counts in-flight requests per user with the
// cache's atomic increment. Counters carry a TTL so a counter abandoned by a
// crashed process expires on its own.
type ConcurrentRequestTracker struct {
	cache Cache
	keys  keyspace
	ttl   time.Duration
}

// NewConcurrentRequestTracker creates a tracker
func NewConcurrentRequestTracker(cache Cache, config Config) *ConcurrentRequestTracker {
	config = config.withDefaults()
	return &ConcurrentRequestTracker{
		cache: cache,
		keys:  keyspace{prefix: config.KeyPrefix},
		ttl:   config.ConcurrencyTTL,
	}
}

// Increment adds one in-flight request and returns the new count
func (t *ConcurrentRequestTracker) Increment(ctx context.Context, userID string) (int, error) {
	n, err := incrementWithTTL(ctx, t.cache, t.keys.concurrent(userID), 1, t.ttl)
	return int(n), err
}

// Decrement removes one in-flight request. The key is deleted once the count
// reaches zero so idle users leave nothing behind.
func (t *ConcurrentRequestTracker) Decrement(ctx context.Context, userID string) (int, error) {
	key := t.keys.concurrent(userID)
	if sc, ok := t.cache.(ScriptedCounter); ok {
		n, err := sc.DecrementOrRemove(ctx, key, 1)
		return int(n), err
	}

	n, err := t.cache.Increment(ctx, key, -1)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		// Not atomic with the decrement; backends without ScriptedCounter
		// may drop an increment that lands in between.
		if err := t.cache.Remove(ctx, key); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return int(n), nil
}

// Current returns the in-flight count
func (t *ConcurrentRequestTracker) Current(ctx context.Context, userID string) (int, error) {
	raw, found, err := t.cache.Get(ctx, t.keys.concurrent(userID))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, err := parseCounter(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return int(n), nil
}
