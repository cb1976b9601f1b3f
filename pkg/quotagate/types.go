package quotagate

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Plan is a plan catalog entry
type Plan struct {
	ID                 string
	CreditsPerMonth    int
	RequestsPerMinute  int
	RequestsPerHour    int
	RequestsPerDay     int // 0 = no daily cap
	ConcurrentRequests int
}

// User is the part of a user profile the engine needs
type User struct {
	ID     string
	PlanID string
}

// PlanLimits are the limits enforced for a plan
type PlanLimits struct {
	PlanID             string
	RequestsPerMinute  int
	RequestsPerHour    int
	RequestsPerDay     int
	ConcurrentRequests int
	CreditsPerMonth    int
}

// LimitsFromPlan converts a catalog entry into enforced limits
func LimitsFromPlan(p *Plan) PlanLimits {
	return PlanLimits{
		PlanID:             p.ID,
		RequestsPerMinute:  p.RequestsPerMinute,
		RequestsPerHour:    p.RequestsPerHour,
		RequestsPerDay:     p.RequestsPerDay,
		ConcurrentRequests: p.ConcurrentRequests,
		CreditsPerMonth:    p.CreditsPerMonth,
	}
}

// ResolutionSource tells where resolved plan limits came from
type ResolutionSource string

const (
	// SourceCatalog means the limits were read from the plan catalog
	SourceCatalog ResolutionSource = "catalog"
	// SourceLocalCache means the limits were served from the local plan cache
	SourceLocalCache ResolutionSource = "local_cache"
	// SourceDefaultAbsent means the plan does not exist and defaults were used
	SourceDefaultAbsent ResolutionSource = "default_absent"
	// SourceDefaultFailure means a catalog or user lookup failed and defaults were used
	SourceDefaultFailure ResolutionSource = "default_failure"
)

// PlanResolution is the result of resolving a plan id
type PlanResolution struct {
	Limits PlanLimits
	Source ResolutionSource
	// Err holds the lookup error when Source is SourceDefaultFailure
	Err error
}

// IsDefault reports whether conservative defaults were substituted
func (r PlanResolution) IsDefault() bool {
	return r.Source == SourceDefaultAbsent || r.Source == SourceDefaultFailure
}

// ShortTermUsage is the rolling minute/hour state of a user
type ShortTermUsage struct {
	UserID              string
	HourlyRequests      int
	HourlyWindowStart   time.Time
	MinutelyRequests    int
	MinutelyWindowStart time.Time
	ConcurrentRequests  int

	// Degraded is set when the cache could not be read and the counters
	// were synthesized as a fresh window.
	Degraded bool
}

// HourlyResetAt returns when the hourly window rolls over
func (u ShortTermUsage) HourlyResetAt() time.Time {
	return u.HourlyWindowStart.Add(time.Hour)
}

// MinutelyResetAt returns when the minutely window rolls over
func (u ShortTermUsage) MinutelyResetAt() time.Time {
	return u.MinutelyWindowStart.Add(time.Minute)
}

// MonthlyUsage is the durable credit ledger row for a user and calendar month
type MonthlyUsage struct {
	UserID           string     `json:"userId"`
	Month            string     `json:"month"` // YYYY-MM
	TotalRequests    int        `json:"totalRequests"`
	PlanCreditsLimit int        `json:"planCreditsLimit"`
	RemainingCredits int        `json:"remainingCredits"`
	LastRequestAt    *time.Time `json:"lastRequestAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// UtilizationPercent returns used credits as a percentage of the plan allotment
func (u *MonthlyUsage) UtilizationPercent() float64 {
	if u.PlanCreditsLimit <= 0 {
		return 100
	}
	return float64(u.TotalRequests) / float64(u.PlanCreditsLimit) * 100
}

// DailyUsage is the per-calendar-day counter of a user
type DailyUsage struct {
	UserID        string
	Date          string // YYYY-MM-DD, UTC
	RequestsUsed  int
	DailyLimit    int
	LastRequestAt time.Time
	Degraded      bool
}

// Tier names a limit evaluated by the engine
type Tier string

const (
	TierNone           Tier = ""
	TierMonthlyCredits Tier = "monthly_credits"
	TierHourly         Tier = "hourly"
	TierMinutely       Tier = "minutely"
	TierDaily          Tier = "daily"
	TierConcurrent     Tier = "concurrent"
	// TierUnavailable is reported when a dependency failed and the engine denied
	TierUnavailable Tier = "unavailable"
)

// Decision is the outcome of a Check. A denial is a normal result, not an error.
type Decision struct {
	Allowed  bool
	DeniedBy Tier

	// RemainingRequests is the smallest headroom across tiers after this request
	RemainingRequests int

	HourlyLimit       int
	HourlyRemaining   int
	HourlyResetAt     time.Time
	MinutelyLimit     int
	MinutelyRemaining int
	MinutelyResetAt   time.Time

	// Daily fields are only populated when the plan has a daily cap
	DailyLimit     int
	DailyRemaining int
	DailyResetAt   time.Time

	HasMonthlyCredits bool
	RemainingCredits  int
	MonthlyResetAt    time.Time

	ConcurrentRequests int
	RetryAfterSeconds  int

	PlanID      string
	PlanSource  ResolutionSource
	Degraded    bool
	EvaluatedAt time.Time
}

// ConcurrencySlot is the result of acquiring an in-flight request slot
type ConcurrencySlot struct {
	Acquired bool
	Current  int
	Limit    int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// DegradedModeConfig configures the in-process limiter used while the cache is unavailable
type DegradedModeConfig struct {
	Enabled bool

	// IdleTTL evicts per-user buckets not touched for this long (default: 15 minutes)
	IdleTTL time.Duration

	// CleanupInterval is how often idle buckets are evicted (default: 2 minutes)
	CleanupInterval time.Duration
}

// Config holds engine configuration
type Config struct {
	// KeyPrefix is prepended to every cache key (default: "quotagate:")
	KeyPrefix string

	// FreePlanID is used for users without a plan (default: "free")
	FreePlanID string

	// DefaultLimits are used when a plan cannot be resolved
	// (default: 10/min, 100/hour, 1 concurrent, 100 credits/month)
	DefaultLimits PlanLimits

	// PlanCacheTTL is how long resolved plans stay in the local cache (default: 5 minutes)
	PlanCacheTTL time.Duration

	// MaxCachedPlans bounds the local plan cache (default: 256)
	MaxCachedPlans int

	// MonthlyUsageTTL is the cache TTL of ledger rows (default: 30 minutes)
	MonthlyUsageTTL time.Duration

	// ShortTermTTL is the cache TTL of short-term state (default: 1 hour)
	ShortTermTTL time.Duration

	// ConcurrencyTTL lets abandoned in-flight counters expire (default: 10 minutes)
	ConcurrencyTTL time.Duration

	// DecisionTimeout bounds a single Check; a timeout denies (default: 2 seconds)
	DecisionTimeout time.Duration

	// MetricsBufferSize is the queue length of the async metrics emitter (default: 1024)
	MetricsBufferSize int

	DegradedMode         *DegradedModeConfig
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking decisions (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Clock is the time source (default: system clock)
	Clock Clock

	// Tracer creates spans for decisions (default: global otel tracer)
	Tracer trace.Tracer
}

// DefaultLimits returns the conservative limits applied to unknown plans
func DefaultLimits() PlanLimits {
	return PlanLimits{
		PlanID:             "default",
		RequestsPerMinute:  10,
		RequestsPerHour:    100,
		ConcurrentRequests: 1,
		CreditsPerMonth:    100,
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "quotagate:",
		FreePlanID:      "free",
		DefaultLimits:   DefaultLimits(),
		PlanCacheTTL:    5 * time.Minute,
		MaxCachedPlans:  256,
		MonthlyUsageTTL: 30 * time.Minute,
		ShortTermTTL:    time.Hour,
		ConcurrencyTTL:  10 * time.Minute,
		DecisionTimeout: 2 * time.Second,
		DegradedMode: &DegradedModeConfig{
			Enabled:         true,
			IdleTTL:         15 * time.Minute,
			CleanupInterval: 2 * time.Minute,
		},
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.FreePlanID == "" {
		c.FreePlanID = d.FreePlanID
	}
	if c.DefaultLimits == (PlanLimits{}) {
		c.DefaultLimits = d.DefaultLimits
	}
	if c.PlanCacheTTL <= 0 {
		c.PlanCacheTTL = d.PlanCacheTTL
	}
	if c.MaxCachedPlans <= 0 {
		c.MaxCachedPlans = d.MaxCachedPlans
	}
	if c.MonthlyUsageTTL <= 0 {
		c.MonthlyUsageTTL = d.MonthlyUsageTTL
	}
	if c.ShortTermTTL <= 0 {
		c.ShortTermTTL = d.ShortTermTTL
	}
	if c.ConcurrencyTTL <= 0 {
		c.ConcurrencyTTL = d.ConcurrencyTTL
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = d.DecisionTimeout
	}
	if c.DegradedMode == nil {
		c.DegradedMode = d.DegradedMode
	}
	if c.MetricsBufferSize <= 0 {
		c.MetricsBufferSize = 1024
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	return c
}
