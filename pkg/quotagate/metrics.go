package quotagate

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics defines the interface for tracking admission decisions and backend health.
type Metrics interface {
	// RecordDecision records the outcome of a Check. tier is empty when allowed.
	RecordDecision(planID string, tier Tier, allowed bool, duration time.Duration)

	// RecordQuotaUtilization records the monthly credit utilization percentage after a deduction.
	RecordQuotaUtilization(planID string, percent float64)

	// RecordConcurrencySaturation records in-flight requests as a percentage of the plan cap.
	RecordConcurrencySaturation(planID string, percent float64)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "plan", "monthly_usage").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a durable store operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordFallback records a degraded path taken by a component.
	RecordFallback(component, reason string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(planID string, tier Tier, allowed bool, duration time.Duration) {}
func (n *NoopMetrics) RecordQuotaUtilization(planID string, percent float64)                       {}
func (n *NoopMetrics) RecordConcurrencySaturation(planID string, percent float64)                  {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                             {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error)  {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                                {}
func (n *NoopMetrics) RecordFallback(component, reason string)                                     {}

// AsyncMetrics forwards metric events to another Metrics on a background
// goroutine. Events are dropped when the queue is full so emitting never
// blocks a decision.
type AsyncMetrics struct {
	next     Metrics
	queue    chan func(Metrics)
	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	dropped  atomic.Int64
}

// NewAsyncMetrics starts the forwarding worker
func NewAsyncMetrics(next Metrics, bufferSize int) *AsyncMetrics {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	m := &AsyncMetrics{
		next:     next,
		queue:    make(chan func(Metrics), bufferSize),
		shutdown: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *AsyncMetrics) run() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			ev(m.next)
		case <-m.shutdown:
			// Drain what is already queued
			for {
				select {
				case ev := <-m.queue:
					ev(m.next)
				default:
					return
				}
			}
		}
	}
}

func (m *AsyncMetrics) emit(ev func(Metrics)) {
	select {
	case <-m.shutdown:
		m.dropped.Add(1)
		return
	default:
	}
	select {
	case m.queue <- ev:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded
func (m *AsyncMetrics) Dropped() int64 {
	return m.dropped.Load()
}

// Close stops the worker after flushing queued events
func (m *AsyncMetrics) Close() {
	m.once.Do(func() {
		close(m.shutdown)
		m.wg.Wait()
	})
}

func (m *AsyncMetrics) RecordDecision(planID string, tier Tier, allowed bool, duration time.Duration) {
	m.emit(func(n Metrics) { n.RecordDecision(planID, tier, allowed, duration) })
}

func (m *AsyncMetrics) RecordQuotaUtilization(planID string, percent float64) {
	m.emit(func(n Metrics) { n.RecordQuotaUtilization(planID, percent) })
}

func (m *AsyncMetrics) RecordConcurrencySaturation(planID string, percent float64) {
	m.emit(func(n Metrics) { n.RecordConcurrencySaturation(planID, percent) })
}

func (m *AsyncMetrics) RecordCacheHit(cacheType string) {
	m.emit(func(n Metrics) { n.RecordCacheHit(cacheType) })
}

func (m *AsyncMetrics) RecordCacheMiss(cacheType string) {
	m.emit(func(n Metrics) { n.RecordCacheMiss(cacheType) })
}

func (m *AsyncMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.emit(func(n Metrics) { n.RecordStorageOperation(operation, duration, err) })
}

func (m *AsyncMetrics) RecordCircuitBreakerStateChange(state string) {
	m.emit(func(n Metrics) { n.RecordCircuitBreakerStateChange(state) })
}

func (m *AsyncMetrics) RecordFallback(component, reason string) {
	m.emit(func(n Metrics) { n.RecordFallback(component, reason) })
}
