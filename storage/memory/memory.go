// Package memory provides in-memory implementations of the quotagate cache,
// usage store, plan catalog and user directory.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Cache implements quotagate.Cache, quotagate.ScriptedCounter and
// quotagate.VersionedWriter using a map
// with per-key expiration driven by a quotagate.Clock.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	clock   quotagate.Clock
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiration
}

// NewCache creates an empty cache. A nil clock uses the system clock.
func NewCache(clock quotagate.Clock) *Cache {
	if clock == nil {
		clock = quotagate.SystemClock()
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		clock:   clock,
	}
}

// live returns the entry for key, dropping it if expired. Caller holds mu.
func (c *Cache) live(key string) (*cacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Get implements quotagate.Cache
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if !ok {
		return nil, false, nil
	}
	// Return a copy to prevent external mutations
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Put implements quotagate.Cache
func (c *Cache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = &cacheEntry{value: stored, expiresAt: c.expiry(ttl)}
	return nil
}

// Increment implements quotagate.Cache
func (c *Cache) Increment(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrementLocked(key, delta)
}

func (c *Cache) incrementLocked(key string, delta int64) (int64, error) {
	var current int64
	e, ok := c.live(key)
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer", key)
		}
		current = n
	} else {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Expire implements quotagate.Cache
func (c *Cache) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = c.expiry(ttl)
	return true, nil
}

// Remove implements quotagate.Cache
func (c *Cache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// PutIfNewer implements quotagate.VersionedWriter
func (c *Cache) PutIfNewer(_ context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.live(key); ok {
		if current, _, ok := quotagate.DecodeVersioned(e.value); ok && current > version {
			return false, nil
		}
	}
	c.entries[key] = &cacheEntry{value: quotagate.EncodeVersioned(version, value), expiresAt: c.expiry(ttl)}
	return true, nil
}

// IncrementWithTTL implements quotagate.ScriptedCounter
func (c *Cache) IncrementWithTTL(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.incrementLocked(key, delta)
	if err != nil {
		return 0, err
	}
	c.entries[key].expiresAt = c.expiry(ttl)
	return n, nil
}

// DecrementOrRemove implements quotagate.ScriptedCounter
func (c *Cache) DecrementOrRemove(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(key); !ok {
		return 0, nil
	}
	n, err := c.incrementLocked(key, -delta)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		delete(c.entries, key)
		return 0, nil
	}
	return n, nil
}

// TTL returns the remaining lifetime of key; ok is false for missing keys
// and keys without expiration.
func (c *Cache) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, false
	}
	return e.expiresAt.Sub(c.clock.Now()), true
}

// Len returns the number of live keys
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if _, ok := c.live(k); ok {
			n++
		}
	}
	return n
}

// Flush removes every key, simulating eviction of the whole cache
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *Cache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(ttl)
}

// Store implements quotagate.UsageStore, quotagate.PlanCatalog and
// quotagate.UserDirectory using in-memory maps
type Store struct {
	mu    sync.RWMutex
	usage map[string]*quotagate.MonthlyUsage
	plans map[string]*quotagate.Plan
	users map[string]*quotagate.User
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		usage: make(map[string]*quotagate.MonthlyUsage),
		plans: make(map[string]*quotagate.Plan),
		users: make(map[string]*quotagate.User),
	}
}

func usageKey(userID, month string) string {
	return userID + "|" + month
}

// FindMonthlyUsage implements quotagate.UsageStore
func (s *Store) FindMonthlyUsage(_ context.Context, userID, month string) (*quotagate.MonthlyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usage[usageKey(userID, month)]
	if !ok {
		return nil, nil // No usage yet is not an error
	}
	return copyUsage(u), nil
}

// CreateMonthlyUsage implements quotagate.UsageStore
func (s *Store) CreateMonthlyUsage(_ context.Context, usage *quotagate.MonthlyUsage) error {
	if usage == nil || usage.UserID == "" || usage.Month == "" {
		return fmt.Errorf("invalid monthly usage")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(usage.UserID, usage.Month)
	if _, exists := s.usage[key]; exists {
		return nil
	}
	u := copyUsage(usage)
	u.RemainingCredits = quotagate.RemainingCredits(u.PlanCreditsLimit, u.TotalRequests)
	s.usage[key] = u
	return nil
}

// IncrementMonthlyUsage implements quotagate.UsageStore; the read-increment-write
// runs under the store lock.
func (s *Store) IncrementMonthlyUsage(_ context.Context, req *quotagate.IncrementRequest) (*quotagate.MonthlyUsage, error) {
	if req.Amount < 0 {
		return nil, quotagate.ErrInvalidAmount
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(req.UserID, req.Month)
	u, ok := s.usage[key]
	if !ok {
		u = &quotagate.MonthlyUsage{
			UserID:           req.UserID,
			Month:            req.Month,
			PlanCreditsLimit: req.CreditsLimit,
			CreatedAt:        now,
		}
		s.usage[key] = u
	}
	u.TotalRequests += req.Amount
	u.RemainingCredits = quotagate.RemainingCredits(u.PlanCreditsLimit, u.TotalRequests)
	last := now
	u.LastRequestAt = &last
	u.UpdatedAt = now
	return copyUsage(u), nil
}

// FindPlan implements quotagate.PlanCatalog
func (s *Store) FindPlan(_ context.Context, planID string) (*quotagate.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, quotagate.ErrPlanNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// SetPlan adds or replaces a plan
func (s *Store) SetPlan(plan *quotagate.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pCopy := *plan
	s.plans[plan.ID] = &pCopy
}

// FindUser implements quotagate.UserDirectory
func (s *Store) FindUser(_ context.Context, userID string) (*quotagate.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, quotagate.ErrUserNotFound
	}
	uCopy := *u
	return &uCopy, nil
}

// SetUser adds or replaces a user
func (s *Store) SetUser(user *quotagate.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uCopy := *user
	s.users[user.ID] = &uCopy
}

func copyUsage(u *quotagate.MonthlyUsage) *quotagate.MonthlyUsage {
	c := *u
	if u.LastRequestAt != nil {
		t := *u.LastRequestAt
		c.LastRequestAt = &t
	}
	return &c
}
