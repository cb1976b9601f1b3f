package quotagate_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
	"github.com/mihaimyh/quotagate/storage/memory"
)

const (
	testUserID1  = "user1"
	testUserID2  = "user2"
	testPlanFree = "free"
	testPlanPro  = "pro"
)

var errBackendDown = errors.New("connection refused")

// testEpoch is 20 seconds into a minute so window boundaries are easy to reason about
var testEpoch = time.Date(2025, 3, 10, 12, 0, 20, 0, time.UTC)

type fixture struct {
	clock *quotagate.ManualClock
	cache *memory.Cache
	store *memory.Store
}

func newFixture() *fixture {
	clock := quotagate.NewManualClock(testEpoch)
	store := memory.New()
	store.SetPlan(&quotagate.Plan{
		ID: testPlanFree, CreditsPerMonth: 10,
		RequestsPerMinute: 100, RequestsPerHour: 1000, ConcurrentRequests: 2,
	})
	store.SetPlan(&quotagate.Plan{
		ID: testPlanPro, CreditsPerMonth: 1000,
		RequestsPerMinute: 5, RequestsPerHour: 20, RequestsPerDay: 8, ConcurrentRequests: 3,
	})
	store.SetUser(&quotagate.User{ID: testUserID1, PlanID: testPlanFree})
	store.SetUser(&quotagate.User{ID: testUserID2, PlanID: testPlanPro})
	return &fixture{
		clock: clock,
		cache: memory.NewCache(clock),
		store: store,
	}
}

func (f *fixture) config() quotagate.Config {
	cfg := quotagate.DefaultConfig()
	cfg.Clock = f.clock
	cfg.DegradedMode.CleanupInterval = 0
	return cfg
}

func (f *fixture) backends() quotagate.Backends {
	return quotagate.Backends{Cache: f.cache, Store: f.store, Plans: f.store, Users: f.store}
}

// failingCache wraps a Cache and fails every call while down is set
type failingCache struct {
	quotagate.Cache
	mu   sync.Mutex
	down bool
	err  error
}

func newFailingCache(inner quotagate.Cache) *failingCache {
	return &failingCache{Cache: inner, err: errBackendDown}
}

func (c *failingCache) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *failingCache) fail() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return c.err
	}
	return nil
}

func (c *failingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.fail(); err != nil {
		return nil, false, err
	}
	return c.Cache.Get(ctx, key)
}

func (c *failingCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.fail(); err != nil {
		return err
	}
	return c.Cache.Put(ctx, key, value, ttl)
}

func (c *failingCache) PutIfNewer(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	if err := c.fail(); err != nil {
		return false, err
	}
	return c.Cache.(quotagate.VersionedWriter).PutIfNewer(ctx, key, version, value, ttl)
}

func (c *failingCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := c.fail(); err != nil {
		return 0, err
	}
	return c.Cache.Increment(ctx, key, delta)
}

func (c *failingCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := c.fail(); err != nil {
		return false, err
	}
	return c.Cache.Expire(ctx, key, ttl)
}

func (c *failingCache) Remove(ctx context.Context, key string) error {
	if err := c.fail(); err != nil {
		return err
	}
	return c.Cache.Remove(ctx, key)
}

// slowCache blocks reads and increments until the context is done
type slowCache struct {
	quotagate.Cache
}

func (c slowCache) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func (c slowCache) Increment(ctx context.Context, _ string, _ int64) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// failingStore wraps a UsageStore and fails selected operations
type failingStore struct {
	quotagate.UsageStore
	failReads  bool
	failWrites bool
}

func (s *failingStore) FindMonthlyUsage(ctx context.Context, userID, month string) (*quotagate.MonthlyUsage, error) {
	if s.failReads {
		return nil, errBackendDown
	}
	return s.UsageStore.FindMonthlyUsage(ctx, userID, month)
}

func (s *failingStore) IncrementMonthlyUsage(ctx context.Context, req *quotagate.IncrementRequest) (*quotagate.MonthlyUsage, error) {
	if s.failWrites {
		return nil, errBackendDown
	}
	return s.UsageStore.IncrementMonthlyUsage(ctx, req)
}

// countingCatalog counts lookups and can be switched to fail
type countingCatalog struct {
	inner quotagate.PlanCatalog
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingCatalog) FindPlan(ctx context.Context, planID string) (*quotagate.Plan, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.inner.FindPlan(ctx, planID)
}

func (c *countingCatalog) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *countingCatalog) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingMetrics keeps fallbacks and decisions for assertions
type recordingMetrics struct {
	quotagate.NoopMetrics
	mu        sync.Mutex
	fallbacks []string
	decisions []quotagate.Tier
}

func (m *recordingMetrics) RecordFallback(component, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, component+"/"+reason)
}

func (m *recordingMetrics) RecordDecision(_ string, tier quotagate.Tier, _ bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, tier)
}

func (m *recordingMetrics) Fallbacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fallbacks...)
}

func (m *recordingMetrics) Decisions() []quotagate.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]quotagate.Tier(nil), m.decisions...)
}
