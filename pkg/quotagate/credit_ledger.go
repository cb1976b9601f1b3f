package quotagate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheTypeMonthlyUsage = "monthly_usage"

// MonthlyCreditLedger serves monthly credit usage. Reads are cache-aside over
// the durable store; increments always go to the store first and the cache is
// then refreshed with the store's result, so the cache never drifts on its own.
// Cached rows are versioned by TotalRequests and written with PutIfNewer, so a
// slow fill can never replace a row a later increment already cached. Caches
// without VersionedWriter are only invalidated, never filled.
type MonthlyCreditLedger struct {
	cache    Cache
	store    UsageStore
	resolver *PlanLimitResolver
	keys     keyspace
	ttl      time.Duration
	timeout  time.Duration
	group    singleflight.Group
	clock    Clock
	logger   Logger
	metrics  Metrics
}

// NewMonthlyCreditLedger creates a ledger. The resolver supplies the credit
// allotment used when a user has no row for the month yet.
func NewMonthlyCreditLedger(cache Cache, store UsageStore, resolver *PlanLimitResolver, config Config) *MonthlyCreditLedger {
	config = config.withDefaults()
	return &MonthlyCreditLedger{
		cache:    cache,
		store:    store,
		resolver: resolver,
		keys:     keyspace{prefix: config.KeyPrefix},
		ttl:      config.MonthlyUsageTTL,
		timeout:  config.DecisionTimeout,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
}

// GetUsage returns the user's usage for month ("YYYY-MM"). A user without a
// row gets a synthesized zero-usage record seeded with the plan allotment;
// nothing is written to the store until the first increment.
func (l *MonthlyCreditLedger) GetUsage(ctx context.Context, userID, month string) (*MonthlyUsage, error) {
	key := l.keys.monthly(userID, month)

	cacheOK := true
	raw, found, err := l.cache.Get(ctx, key)
	switch {
	case err != nil:
		if isContextFailure(ctx, err) {
			return nil, err
		}
		cacheOK = false
		l.logger.Warn("monthly usage cache read failed, reading store",
			F("user_id", userID), F("month", month), ErrField(err))
		l.metrics.RecordFallback("credit_ledger", "cache_unavailable")
	case found:
		if usage, ok := decodeUsage(raw); ok {
			l.metrics.RecordCacheHit(cacheTypeMonthlyUsage)
			return usage, nil
		}
		l.logger.Warn("discarding unreadable monthly usage entry", F("key", key))
	}
	l.metrics.RecordCacheMiss(cacheTypeMonthlyUsage)

	// The shared load outlives any one caller; each caller waits on its own ctx
	ch := l.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()

		usage, cacheable, err := l.load(fctx, userID, month)
		if err != nil {
			return nil, err
		}
		if cacheOK && cacheable {
			l.fill(fctx, key, usage)
		}
		return usage, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		usage := *(res.Val.(*MonthlyUsage))
		return &usage, nil
	}
}

// Increment deducts amount credits. Store failures are returned as a
// LedgerWriteError and the cache is left alone. When the plan cannot be
// resolved the deduction still lands on an existing row, whose allotment is
// already fixed; creating a row is refused with ErrPlanUnavailable so a
// fallback allotment is never written for the month.
func (l *MonthlyCreditLedger) Increment(ctx context.Context, userID, month string, amount int) (*MonthlyUsage, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if amount == 0 {
		return l.GetUsage(ctx, userID, month)
	}

	res := l.resolver.ResolveForUser(ctx, userID)
	limit := res.Limits.CreditsPerMonth
	if res.Source == SourceDefaultFailure {
		var err error
		if limit, err = l.recordedLimit(ctx, userID, month, res.Err); err != nil {
			l.logger.Error("monthly credit deduction refused, plan unavailable",
				F("user_id", userID), F("month", month), F("amount", amount), ErrField(err))
			return nil, &LedgerWriteError{UserID: userID, Month: month, Err: err}
		}
	}

	req := &IncrementRequest{
		UserID:       userID,
		Month:        month,
		Amount:       amount,
		CreditsLimit: limit,
		Now:          l.clock.Now(),
	}

	start := time.Now()
	usage, err := l.store.IncrementMonthlyUsage(ctx, req)
	l.metrics.RecordStorageOperation("increment_monthly_usage", time.Since(start), err)
	if err != nil {
		l.logger.Error("monthly credit deduction failed",
			F("user_id", userID), F("month", month), F("amount", amount), ErrField(err))
		return nil, &LedgerWriteError{UserID: userID, Month: month, Err: err}
	}
	usage.RemainingCredits = RemainingCredits(usage.PlanCreditsLimit, usage.TotalRequests)

	l.writeThrough(ctx, l.keys.monthly(userID, month), usage)
	return usage, nil
}

// Invalidate drops the cached copy of a ledger row
func (l *MonthlyCreditLedger) Invalidate(ctx context.Context, userID, month string) error {
	return l.cache.Remove(ctx, l.keys.monthly(userID, month))
}

// load reads the month's row. The returned flag is false for a row
// synthesized from a failed plan resolution, which must not be cached.
func (l *MonthlyCreditLedger) load(ctx context.Context, userID, month string) (*MonthlyUsage, bool, error) {
	start := time.Now()
	usage, err := l.store.FindMonthlyUsage(ctx, userID, month)
	l.metrics.RecordStorageOperation("find_monthly_usage", time.Since(start), err)
	if err != nil {
		return nil, false, err
	}

	cacheable := true
	if usage == nil {
		res := l.resolver.ResolveForUser(ctx, userID)
		cacheable = res.Source != SourceDefaultFailure
		now := l.clock.Now()
		usage = &MonthlyUsage{
			UserID:           userID,
			Month:            month,
			PlanCreditsLimit: res.Limits.CreditsPerMonth,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}
	usage.RemainingCredits = RemainingCredits(usage.PlanCreditsLimit, usage.TotalRequests)
	return usage, cacheable, nil
}

// recordedLimit returns the allotment already stored on the month's row
func (l *MonthlyCreditLedger) recordedLimit(ctx context.Context, userID, month string, cause error) (int, error) {
	start := time.Now()
	row, err := l.store.FindMonthlyUsage(ctx, userID, month)
	l.metrics.RecordStorageOperation("find_monthly_usage", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	if row == nil {
		if cause == nil {
			return 0, ErrPlanUnavailable
		}
		return 0, fmt.Errorf("%w: %w", ErrPlanUnavailable, cause)
	}
	return row.PlanCreditsLimit, nil
}

// fill caches a row read from the store. A rejected write means a newer row
// is already cached.
func (l *MonthlyCreditLedger) fill(ctx context.Context, key string, usage *MonthlyUsage) {
	vw, ok := l.cache.(VersionedWriter)
	if !ok {
		return
	}
	data, err := json.Marshal(usage)
	if err == nil {
		_, err = vw.PutIfNewer(ctx, key, int64(usage.TotalRequests), data, l.ttl)
	}
	if err != nil {
		l.logger.Warn("failed to fill monthly usage cache", F("key", key), ErrField(err))
	}
}

// writeThrough refreshes the cached row after a store write. If the refresh
// fails, or the cache cannot order writes, the entry is removed so a stale
// row cannot outlive the store's value.
func (l *MonthlyCreditLedger) writeThrough(ctx context.Context, key string, usage *MonthlyUsage) {
	var err error
	if vw, ok := l.cache.(VersionedWriter); ok {
		var data []byte
		data, err = json.Marshal(usage)
		if err == nil {
			_, err = vw.PutIfNewer(ctx, key, int64(usage.TotalRequests), data, l.ttl)
		}
		if err == nil {
			return
		}
		l.logger.Warn("failed to refresh monthly usage cache", F("key", key), ErrField(err))
	}
	if rmErr := l.cache.Remove(ctx, key); rmErr != nil {
		l.logger.Error("failed to invalidate stale monthly usage entry", F("key", key), ErrField(rmErr))
	}
}

func decodeUsage(raw []byte) (*MonthlyUsage, bool) {
	_, payload, ok := DecodeVersioned(raw)
	if !ok {
		return nil, false
	}
	var usage MonthlyUsage
	if err := json.Unmarshal(payload, &usage); err != nil {
		return nil, false
	}
	return &usage, true
}
