// Package prommetrics implements quotagate.Metrics on Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Metrics implements quotagate.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	decisionDuration           *prometheus.HistogramVec
	quotaUtilization           *prometheus.HistogramVec
	concurrencySaturation      *prometheus.HistogramVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	fallbacksTotal             *prometheus.CounterVec

	reg       prometheus.Registerer
	namespace string
}

var percentBuckets = []float64{10, 25, 50, 75, 90, 95, 100, 150}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reg:       reg,
		namespace: namespace,

		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by outcome and denying tier.",
		}, []string{"plan", "outcome", "tier"}),

		decisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Latency of admission decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plan"}),

		quotaUtilization: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_utilization_percent",
			Help:      "Monthly credit utilization observed after each deduction.",
			Buckets:   percentBuckets,
		}, []string{"plan"}),

		concurrencySaturation: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "concurrency_saturation_percent",
			Help:      "In-flight requests as a percentage of the plan cap.",
			Buckets:   percentBuckets,
		}, []string{"plan"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		fallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of degraded paths taken, by component and reason.",
		}, []string{"component", "reason"}),
	}
}

func (m *Metrics) RecordDecision(planID string, tier quotagate.Tier, allowed bool, duration time.Duration) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.decisionsTotal.WithLabelValues(planID, outcome, string(tier)).Inc()
	m.decisionDuration.WithLabelValues(planID).Observe(duration.Seconds())
}

func (m *Metrics) RecordQuotaUtilization(planID string, percent float64) {
	m.quotaUtilization.WithLabelValues(planID).Observe(percent)
}

func (m *Metrics) RecordConcurrencySaturation(planID string, percent float64) {
	m.concurrencySaturation.WithLabelValues(planID).Observe(percent)
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordFallback(component, reason string) {
	m.fallbacksTotal.WithLabelValues(component, reason).Inc()
}

// RegisterDropped exposes a counter of metric events discarded upstream,
// typically Engine.DroppedMetrics.
func (m *Metrics) RegisterDropped(dropped func() int64) {
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "metric_events_dropped_total",
		Help:      "Total number of metric events dropped because the queue was full.",
	}, func() float64 { return float64(dropped()) })
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var _ quotagate.Metrics = (*Metrics)(nil)
