package quotagate

import (
	"context"
	"strconv"
	"time"
)

// DailyQuotaTracker counts requests per user and UTC calendar day in the
// cache only. Keys expire at the next UTC midnight.
type DailyQuotaTracker struct {
	cache    Cache
	resolver *PlanLimitResolver
	keys     keyspace
	clock    Clock
	logger   Logger
	metrics  Metrics
}

// NewDailyQuotaTracker creates a tracker. The resolver supplies DailyLimit.
func NewDailyQuotaTracker(cache Cache, resolver *PlanLimitResolver, config Config) *DailyQuotaTracker {
	config = config.withDefaults()
	return &DailyQuotaTracker{
		cache:    cache,
		resolver: resolver,
		keys:     keyspace{prefix: config.KeyPrefix},
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
}

// Record adds amount to today's counter and returns the new state
func (t *DailyQuotaTracker) Record(ctx context.Context, userID string, amount int) (DailyUsage, error) {
	if amount < 0 {
		return DailyUsage{}, ErrInvalidAmount
	}
	now := t.clock.Now()
	usage := t.base(ctx, userID, now)
	ttl := nextMidnightUTC(now).Sub(now)

	n, err := incrementWithTTL(ctx, t.cache, t.keys.daily(userID, usage.Date), int64(amount), ttl)
	if err != nil {
		return t.degrade(ctx, usage, err)
	}
	usage.RequestsUsed = int(n)
	usage.LastRequestAt = now

	stamp := []byte(strconv.FormatInt(now.UnixNano(), 10))
	if err := t.cache.Put(ctx, t.keys.dailyLast(userID, usage.Date), stamp, ttl); err != nil {
		t.logger.Debug("failed to store daily last request time", F("user_id", userID), ErrField(err))
	}
	return usage, nil
}

// Peek returns today's state without changing it
func (t *DailyQuotaTracker) Peek(ctx context.Context, userID string) (DailyUsage, error) {
	now := t.clock.Now()
	usage := t.base(ctx, userID, now)

	raw, found, err := t.cache.Get(ctx, t.keys.daily(userID, usage.Date))
	if err != nil {
		return t.degrade(ctx, usage, err)
	}
	if found {
		if n, err := parseCounter(raw); err == nil {
			usage.RequestsUsed = int(n)
		}
	}

	raw, found, err = t.cache.Get(ctx, t.keys.dailyLast(userID, usage.Date))
	if err == nil && found {
		if ns, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			usage.LastRequestAt = time.Unix(0, ns).UTC()
		}
	}
	return usage, nil
}

func (t *DailyQuotaTracker) base(ctx context.Context, userID string, now time.Time) DailyUsage {
	usage := DailyUsage{UserID: userID, Date: DayKey(now)}
	if t.resolver != nil {
		usage.DailyLimit = t.resolver.ResolveForUser(ctx, userID).Limits.RequestsPerDay
	}
	return usage
}

func (t *DailyQuotaTracker) degrade(ctx context.Context, usage DailyUsage, err error) (DailyUsage, error) {
	if isContextFailure(ctx, err) {
		return usage, err
	}
	t.logger.Warn("daily quota cache unavailable", F("user_id", usage.UserID), ErrField(err))
	t.metrics.RecordFallback("daily_tracker", "cache_unavailable")
	usage.Degraded = true
	return usage, nil
}
