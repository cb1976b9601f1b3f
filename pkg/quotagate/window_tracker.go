package quotagate

import (
	"context"
	"time"
)

const (
	windowKindHour   = "h"
	windowKindMinute = "m"
)

// ShortTermWindowTracker keeps per-user minute and hour request counters in
// the distributed cache. Every window epoch has its own counter key that is
// only ever changed by atomic increments, so concurrent requests from the same
// user cannot lose updates. Minute and hour windows roll over independently.
type ShortTermWindowTracker struct {
	cache       Cache
	concurrency *ConcurrentRequestTracker
	keys        keyspace
	hourTTL     time.Duration
	clock       Clock
	logger      Logger
	metrics     Metrics
}

// NewShortTermWindowTracker creates a tracker. concurrency may be nil; when set,
// its counter is reported in ShortTermUsage.ConcurrentRequests.
func NewShortTermWindowTracker(cache Cache, concurrency *ConcurrentRequestTracker, config Config) *ShortTermWindowTracker {
	config = config.withDefaults()
	hourTTL := config.ShortTermTTL
	if hourTTL < time.Hour {
		hourTTL = time.Hour
	}
	return &ShortTermWindowTracker{
		cache:       cache,
		concurrency: concurrency,
		keys:        keyspace{prefix: config.KeyPrefix},
		hourTTL:     hourTTL,
		clock:       config.Clock,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}
}

// Peek returns the current window state without changing it. Cache failures
// yield a fresh zeroed window marked Degraded; only cancellation and deadline
// errors are returned.
func (t *ShortTermWindowTracker) Peek(ctx context.Context, userID string) (ShortTermUsage, error) {
	usage := t.fresh(userID, t.clock.Now())

	hourly, err := t.read(ctx, t.keys.window(userID, windowKindHour, usage.HourlyWindowStart))
	if err != nil {
		return t.degrade(ctx, userID, usage, err)
	}
	minutely, err := t.read(ctx, t.keys.window(userID, windowKindMinute, usage.MinutelyWindowStart))
	if err != nil {
		return t.degrade(ctx, userID, usage, err)
	}
	usage.HourlyRequests = int(hourly)
	usage.MinutelyRequests = int(minutely)

	if t.concurrency != nil {
		current, err := t.concurrency.Current(ctx, userID)
		switch {
		case err == nil:
			usage.ConcurrentRequests = current
		case isContextFailure(ctx, err):
			return usage, err
		default:
			// The window counts were read; only the in-flight count is unknown
			t.logger.Warn("concurrency counter unavailable, reporting zero in flight",
				F("user_id", userID), ErrField(err))
			t.metrics.RecordFallback("window_tracker", "concurrency_unavailable")
		}
	}
	return usage, nil
}

// RecordAndGet counts one request in both windows and returns the
// post-increment state.
func (t *ShortTermWindowTracker) RecordAndGet(ctx context.Context, userID string) (ShortTermUsage, error) {
	usage := t.fresh(userID, t.clock.Now())

	hourly, err := t.increment(ctx, t.keys.window(userID, windowKindHour, usage.HourlyWindowStart), t.hourTTL)
	if err != nil {
		return t.degrade(ctx, userID, usage, err)
	}
	minutely, err := t.increment(ctx, t.keys.window(userID, windowKindMinute, usage.MinutelyWindowStart), time.Minute)
	if err != nil {
		usage.HourlyRequests = int(hourly)
		return t.degrade(ctx, userID, usage, err)
	}
	usage.HourlyRequests = int(hourly)
	usage.MinutelyRequests = int(minutely)
	return usage, nil
}

func (t *ShortTermWindowTracker) fresh(userID string, now time.Time) ShortTermUsage {
	return ShortTermUsage{
		UserID:              userID,
		HourlyWindowStart:   windowStart(now, time.Hour),
		MinutelyWindowStart: windowStart(now, time.Minute),
	}
}

func (t *ShortTermWindowTracker) read(ctx context.Context, key string) (int64, error) {
	raw, found, err := t.cache.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, err := parseCounter(raw)
	if err != nil {
		// A corrupt counter is treated like a missing one
		t.logger.Warn("discarding unreadable window counter", F("key", key), ErrField(err))
		return 0, nil
	}
	return n, nil
}

func (t *ShortTermWindowTracker) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrementWithTTL(ctx, t.cache, key, 1, ttl)
}

func (t *ShortTermWindowTracker) degrade(ctx context.Context, userID string, usage ShortTermUsage, err error) (ShortTermUsage, error) {
	if isContextFailure(ctx, err) {
		return usage, err
	}
	t.logger.Warn("short-term cache unavailable, using fresh window",
		F("user_id", userID), ErrField(err))
	t.metrics.RecordFallback("window_tracker", "cache_unavailable")
	usage.Degraded = true
	return usage, nil
}

// incrementWithTTL adds delta and refreshes the TTL, in one step when the
// cache supports it.
func incrementWithTTL(ctx context.Context, cache Cache, key string, delta int64, ttl time.Duration) (int64, error) {
	if sc, ok := cache.(ScriptedCounter); ok {
		return sc.IncrementWithTTL(ctx, key, delta, ttl)
	}
	n, err := cache.Increment(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	if _, err := cache.Expire(ctx, key, ttl); err != nil {
		return n, err
	}
	return n, nil
}
