package quotagate

import (
	"context"
)

// CircuitBreakerStore wraps a UsageStore with circuit breaker protection.
type CircuitBreakerStore struct {
	store UsageStore
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store UsageStore, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) FindMonthlyUsage(ctx context.Context, userID, month string) (*MonthlyUsage, error) {
	var usage *MonthlyUsage
	err := s.cb.Execute(ctx, func() error {
		var e error
		usage, e = s.store.FindMonthlyUsage(ctx, userID, month)
		return e
	})
	return usage, err
}

func (s *CircuitBreakerStore) CreateMonthlyUsage(ctx context.Context, usage *MonthlyUsage) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.CreateMonthlyUsage(ctx, usage)
	})
}

func (s *CircuitBreakerStore) IncrementMonthlyUsage(ctx context.Context, req *IncrementRequest) (*MonthlyUsage, error) {
	var usage *MonthlyUsage
	err := s.cb.Execute(ctx, func() error {
		var e error
		usage, e = s.store.IncrementMonthlyUsage(ctx, req)
		return e
	})
	return usage, err
}

// State exposes the breaker state for health reporting
func (s *CircuitBreakerStore) State() CircuitBreakerState {
	return s.cb.State()
}
