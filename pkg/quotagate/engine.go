package quotagate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mihaimyh/quotagate"

// Backends groups the external collaborators of the engine
type Backends struct {
	// Cache is the distributed cache (required)
	Cache Cache

	// Store is the durable usage store (required)
	Store UsageStore

	// Plans is the plan catalog; nil resolves every plan to the defaults
	Plans PlanCatalog

	// Users resolves a user's plan; nil puts every user on the free plan
	Users UserDirectory
}

// Engine makes admission decisions for metered operations. A Check is
// read-only; callers record allowed work with RecordUsage.
type Engine struct {
	config      Config
	metrics     *AsyncMetrics
	tracer      trace.Tracer
	resolver    *PlanLimitResolver
	windows     *ShortTermWindowTracker
	concurrency *ConcurrentRequestTracker
	ledger      *MonthlyCreditLedger
	daily       *DailyQuotaTracker
	degraded    *DegradedLimiter
	stop        context.CancelFunc
}

// NewEngine creates an engine over the given backends
func NewEngine(backends Backends, config Config) (*Engine, error) {
	if backends.Cache == nil || backends.Store == nil {
		return nil, ErrStorageUnavailable
	}
	config = config.withDefaults()

	metrics := NewAsyncMetrics(config.Metrics, config.MetricsBufferSize)
	config.Metrics = metrics

	store := backends.Store
	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		logger := config.Logger
		breaker := NewCircuitBreakerWithClock(cbc.FailureThreshold, cbc.ResetTimeout, config.Clock,
			func(state CircuitBreakerState) {
				logger.Warn("usage store circuit breaker changed state", F("state", string(state)))
				metrics.RecordCircuitBreakerStateChange(string(state))
			})
		store = NewCircuitBreakerStore(store, breaker)
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	resolver := NewPlanLimitResolver(backends.Plans, backends.Users, config)
	concurrency := NewConcurrentRequestTracker(backends.Cache, config)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:      config,
		metrics:     metrics,
		tracer:      tracer,
		resolver:    resolver,
		concurrency: concurrency,
		windows:     NewShortTermWindowTracker(backends.Cache, concurrency, config),
		ledger:      NewMonthlyCreditLedger(backends.Cache, store, resolver, config),
		daily:       NewDailyQuotaTracker(backends.Cache, resolver, config),
		stop:        cancel,
	}
	if dm := config.DegradedMode; dm != nil && dm.Enabled {
		e.degraded = NewDegradedLimiter(*dm, config.Clock)
		e.degraded.StartJanitor(ctx, dm.CleanupInterval)
	}
	return e, nil
}

// Close stops background workers and flushes queued metric events
func (e *Engine) Close() {
	e.stop()
	e.metrics.Close()
}

// Resolver returns the plan resolver used by the engine
func (e *Engine) Resolver() *PlanLimitResolver { return e.resolver }

// Ledger returns the monthly credit ledger used by the engine
func (e *Engine) Ledger() *MonthlyCreditLedger { return e.ledger }

// Windows returns the short-term window tracker used by the engine
func (e *Engine) Windows() *ShortTermWindowTracker { return e.windows }

// Daily returns the daily quota tracker used by the engine
func (e *Engine) Daily() *DailyQuotaTracker { return e.daily }

// Concurrency returns the in-flight request tracker used by the engine
func (e *Engine) Concurrency() *ConcurrentRequestTracker { return e.concurrency }

// DroppedMetrics returns how many metric events were discarded because the
// metrics queue was full.
func (e *Engine) DroppedMetrics() int64 { return e.metrics.Dropped() }

// Check decides whether userID may perform one metered operation. Limits are
// evaluated in order (monthly credits, hourly, minutely, daily) and the first
// violation wins. A denial is returned as data with a nil error. If the cache
// or store times out, or credits cannot be read, the decision is a denial and
// the error wraps ErrDecisionUnavailable.
func (e *Engine) Check(ctx context.Context, userID string) (Decision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.DecisionTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "quotagate.Check",
		trace.WithAttributes(attribute.String("quotagate.user_id", userID)))
	defer span.End()

	d, err := e.check(ctx, userID)

	span.SetAttributes(
		attribute.String("quotagate.plan_id", d.PlanID),
		attribute.Bool("quotagate.allowed", d.Allowed),
		attribute.String("quotagate.denied_by", string(d.DeniedBy)),
		attribute.Bool("quotagate.degraded", d.Degraded),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	e.metrics.RecordDecision(d.PlanID, d.DeniedBy, d.Allowed, time.Since(start))
	e.config.Logger.Debug("admission decision",
		F("user_id", userID),
		F("plan_id", d.PlanID),
		F("allowed", d.Allowed),
		F("denied_by", string(d.DeniedBy)),
		F("retry_after", d.RetryAfterSeconds))
	return d, err
}

func (e *Engine) check(ctx context.Context, userID string) (Decision, error) {
	now := e.config.Clock.Now()
	res := e.resolver.ResolveForUser(ctx, userID)
	limits := res.Limits

	d := Decision{
		PlanID:         limits.PlanID,
		PlanSource:     res.Source,
		EvaluatedAt:    now,
		HourlyLimit:    limits.RequestsPerHour,
		MinutelyLimit:  limits.RequestsPerMinute,
		MonthlyResetAt: startOfNextMonthUTC(now),
	}

	// Monthly exhaustion is absolute, so it is checked first
	usage, err := e.ledger.GetUsage(ctx, userID, MonthKey(now))
	if err != nil {
		return e.failClosed(ctx, d, "credit_ledger", err)
	}
	d.RemainingCredits = usage.RemainingCredits
	d.HasMonthlyCredits = usage.RemainingCredits > 0
	if usage.RemainingCredits <= 0 {
		return deny(d, TierMonthlyCredits, secondsUntil(now, d.MonthlyResetAt)), nil
	}

	st, err := e.windows.Peek(ctx, userID)
	if err != nil {
		return e.failClosed(ctx, d, "window_tracker", err)
	}
	d.HourlyResetAt = st.HourlyResetAt()
	d.MinutelyResetAt = st.MinutelyResetAt()
	d.HourlyRemaining = nonNegative(limits.RequestsPerHour - st.HourlyRequests)
	d.MinutelyRemaining = nonNegative(limits.RequestsPerMinute - st.MinutelyRequests)
	d.ConcurrentRequests = st.ConcurrentRequests

	if st.Degraded {
		d.Degraded = true
		if e.degraded != nil {
			if ok, retry := e.degraded.Peek(userID, limits.RequestsPerMinute); !ok {
				d.MinutelyRemaining = 0
				return deny(d, TierMinutely, retry), nil
			}
		}
	}

	if st.HourlyRequests >= limits.RequestsPerHour {
		return deny(d, TierHourly, secondsUntil(now, d.HourlyResetAt)), nil
	}
	if st.MinutelyRequests >= limits.RequestsPerMinute {
		return deny(d, TierMinutely, secondsUntil(now, d.MinutelyResetAt)), nil
	}

	if limits.RequestsPerDay > 0 {
		daily, err := e.daily.Peek(ctx, userID)
		if err != nil {
			return e.failClosed(ctx, d, "daily_tracker", err)
		}
		d.DailyLimit = limits.RequestsPerDay
		d.DailyResetAt = nextMidnightUTC(now)
		d.DailyRemaining = nonNegative(limits.RequestsPerDay - daily.RequestsUsed)
		d.Degraded = d.Degraded || daily.Degraded
		if daily.RequestsUsed >= limits.RequestsPerDay {
			return deny(d, TierDaily, secondsUntil(now, d.DailyResetAt)), nil
		}
	}

	// Allowed: report headroom after the request about to be recorded
	headroom := min(d.HourlyRemaining, d.MinutelyRemaining, d.RemainingCredits)
	if d.DailyLimit > 0 {
		headroom = min(headroom, d.DailyRemaining)
		d.DailyRemaining--
	}
	d.Allowed = true
	d.RemainingRequests = nonNegative(headroom - 1)
	d.HourlyRemaining--
	d.MinutelyRemaining--
	d.RemainingCredits--
	return d, nil
}

// RecordUsage records amount credits of allowed work for userID: the durable
// ledger first, then the short-term windows and the daily counter. A ledger
// failure is returned as a LedgerWriteError and nothing else is recorded.
func (e *Engine) RecordUsage(ctx context.Context, userID string, amount int) (*MonthlyUsage, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := e.tracer.Start(ctx, "quotagate.RecordUsage",
		trace.WithAttributes(
			attribute.String("quotagate.user_id", userID),
			attribute.Int("quotagate.amount", amount),
		))
	defer span.End()

	now := e.config.Clock.Now()
	limits := e.resolver.ResolveForUser(ctx, userID).Limits

	usage, err := e.ledger.Increment(ctx, userID, MonthKey(now), amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if amount == 0 {
		return usage, nil
	}
	e.metrics.RecordQuotaUtilization(limits.PlanID, usage.UtilizationPercent())

	st, err := e.windows.RecordAndGet(ctx, userID)
	if err != nil {
		e.config.Logger.Warn("short-term usage not recorded",
			F("user_id", userID), ErrField(err))
	} else if st.Degraded && e.degraded != nil {
		e.degraded.Record(userID, limits.RequestsPerMinute)
	}

	if limits.RequestsPerDay > 0 {
		if _, err := e.daily.Record(ctx, userID, amount); err != nil {
			e.config.Logger.Warn("daily usage not recorded",
				F("user_id", userID), ErrField(err))
		}
	}

	span.SetAttributes(attribute.Int("quotagate.remaining_credits", usage.RemainingCredits))
	return usage, nil
}

// Acquire takes an in-flight request slot for userID. When the plan's
// concurrency cap is reached the increment is rolled back and Acquired is
// false. A successful Acquire must be paired with Release.
func (e *Engine) Acquire(ctx context.Context, userID string) (ConcurrencySlot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.DecisionTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "quotagate.Acquire",
		trace.WithAttributes(attribute.String("quotagate.user_id", userID)))
	defer span.End()

	limits := e.resolver.ResolveForUser(ctx, userID).Limits
	slot := ConcurrencySlot{Limit: limits.ConcurrentRequests}

	n, err := e.concurrency.Increment(ctx, userID)
	if err != nil {
		span.RecordError(err)
		if isContextFailure(ctx, err) {
			e.metrics.RecordFallback("concurrency_tracker", "timeout")
			return slot, fmt.Errorf("%w: concurrency_tracker: %w", ErrDecisionUnavailable, err)
		}
		e.config.Logger.Warn("concurrency counter unavailable, admitting request",
			F("user_id", userID), ErrField(err))
		e.metrics.RecordFallback("concurrency_tracker", "cache_unavailable")
		slot.Acquired = true
		return slot, nil
	}

	slot.Current = n
	slot.Acquired = limits.ConcurrentRequests <= 0 || n <= limits.ConcurrentRequests
	if !slot.Acquired {
		left, err := e.concurrency.Decrement(ctx, userID)
		if err != nil {
			e.config.Logger.Warn("failed to roll back concurrency slot",
				F("user_id", userID), ErrField(err))
		} else {
			slot.Current = left
		}
	}

	if limits.ConcurrentRequests > 0 {
		e.metrics.RecordConcurrencySaturation(limits.PlanID,
			float64(slot.Current)/float64(limits.ConcurrentRequests)*100)
	}
	span.SetAttributes(attribute.Bool("quotagate.acquired", slot.Acquired))
	return slot, nil
}

// Release returns an in-flight request slot taken by Acquire
func (e *Engine) Release(ctx context.Context, userID string) error {
	_, err := e.concurrency.Decrement(ctx, userID)
	return err
}

func (e *Engine) failClosed(ctx context.Context, d Decision, component string, err error) (Decision, error) {
	reason := "store_failure"
	if isContextFailure(ctx, err) {
		reason = "timeout"
	}
	e.config.Logger.Warn("decision dependency failed, denying",
		F("component", component), F("reason", reason), ErrField(err))
	e.metrics.RecordFallback(component, reason)
	return deny(d, TierUnavailable, 1), fmt.Errorf("%w: %s: %w", ErrDecisionUnavailable, component, err)
}

func deny(d Decision, tier Tier, retryAfter int) Decision {
	d.Allowed = false
	d.DeniedBy = tier
	d.RemainingRequests = 0
	d.RetryAfterSeconds = retryAfter
	return d
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
