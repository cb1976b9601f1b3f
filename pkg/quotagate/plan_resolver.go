package quotagate

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

const cacheTypePlan = "plan"

// PlanLimitResolver resolves plan ids to limits, keeping resolved plans in an
// instance-owned local cache. Lookup failures and unknown plans fall back to
// the configured defaults and are never cached.
type PlanLimitResolver struct {
	catalog PlanCatalog
	users   UserDirectory
	cache   *LocalCache[PlanLimits]
	group   singleflight.Group
	config  Config
}

// NewPlanLimitResolver creates a resolver. users may be nil, in which case
// ResolveForUser always resolves the free plan.
func NewPlanLimitResolver(catalog PlanCatalog, users UserDirectory, config Config) *PlanLimitResolver {
	config = config.withDefaults()
	return &PlanLimitResolver{
		catalog: catalog,
		users:   users,
		cache:   NewLocalCache[PlanLimits](config.MaxCachedPlans, config.Clock),
		config:  config,
	}
}

// Resolve returns the limits of planID. An empty planID means the free plan.
func (r *PlanLimitResolver) Resolve(ctx context.Context, planID string) PlanResolution {
	if planID == "" {
		planID = r.config.FreePlanID
	}

	if limits, ok := r.cache.Get(planID); ok {
		r.config.Metrics.RecordCacheHit(cacheTypePlan)
		return PlanResolution{Limits: limits, Source: SourceLocalCache}
	}
	r.config.Metrics.RecordCacheMiss(cacheTypePlan)

	if r.catalog == nil {
		return r.fallback(planID, SourceDefaultAbsent, nil)
	}

	// The shared lookup outlives any one caller; each caller waits on its own ctx
	ch := r.group.DoChan(planID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.DecisionTimeout)
		defer cancel()

		plan, err := r.catalog.FindPlan(fctx, planID)
		if err != nil {
			return nil, err
		}
		if plan == nil {
			return nil, ErrPlanNotFound
		}
		limits := LimitsFromPlan(plan)
		if limits.PlanID == "" {
			limits.PlanID = planID
		}
		r.cache.Set(planID, limits, r.config.PlanCacheTTL)
		return limits, nil
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		return r.fallback(planID, SourceDefaultFailure, ctx.Err())
	case result = <-ch:
	}
	if err := result.Err; err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return r.fallback(planID, SourceDefaultAbsent, nil)
		}
		return r.fallback(planID, SourceDefaultFailure, err)
	}

	limits, ok := result.Val.(PlanLimits)
	if !ok {
		return r.fallback(planID, SourceDefaultFailure, errors.New("unexpected plan lookup result"))
	}
	return PlanResolution{Limits: limits, Source: SourceCatalog}
}

// ResolveForUser looks up the user's plan and resolves it. Unknown users and
// users without a plan resolve the free plan. When the directory itself fails
// the free plan is still applied, but the resolution reports
// SourceDefaultFailure so callers do not persist it.
func (r *PlanLimitResolver) ResolveForUser(ctx context.Context, userID string) PlanResolution {
	if r.users == nil {
		return r.Resolve(ctx, "")
	}

	user, err := r.users.FindUser(ctx, userID)
	switch {
	case err == nil && user != nil:
		return r.Resolve(ctx, user.PlanID)
	case err == nil || errors.Is(err, ErrUserNotFound):
		return r.Resolve(ctx, "")
	}

	r.config.Logger.Warn("user lookup failed, resolving free plan",
		F("user_id", userID), ErrField(err))
	r.config.Metrics.RecordFallback("plan_resolver", "user_lookup_failure")
	res := r.Resolve(ctx, "")
	res.Source = SourceDefaultFailure
	res.Err = err
	return res
}

// Invalidate drops a cached plan so the next Resolve reads the catalog
func (r *PlanLimitResolver) Invalidate(planID string) {
	r.cache.Invalidate(planID)
}

func (r *PlanLimitResolver) fallback(planID string, source ResolutionSource, err error) PlanResolution {
	limits := r.config.DefaultLimits
	if source == SourceDefaultFailure {
		r.config.Logger.Warn("plan lookup failed, using default limits",
			F("plan_id", planID), ErrField(err))
		r.config.Metrics.RecordFallback("plan_resolver", "catalog_failure")
	} else {
		r.config.Logger.Warn("plan not found, using default limits", F("plan_id", planID))
		r.config.Metrics.RecordFallback("plan_resolver", "plan_not_found")
	}
	return PlanResolution{Limits: limits, Source: source, Err: err}
}
