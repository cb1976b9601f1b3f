package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

var testEpoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestCache_GetPutRemove(t *testing.T) {
	cache := NewCache(quotagate.NewManualClock(testEpoch))
	ctx := context.Background()

	_, found, err := cache.Get(ctx, "k")
	if err != nil || found {
		t.Fatalf("Expected miss, got found=%v err=%v", found, err)
	}

	if err := cache.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, found, err := cache.Get(ctx, "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("Get = %q, %v, %v; want v, true, nil", v, found, err)
	}

	// Returned slices must not alias stored data
	v[0] = 'x'
	v, _, _ = cache.Get(ctx, "k")
	if string(v) != "v" {
		t.Errorf("Stored value mutated through returned slice: %q", v)
	}

	if err := cache.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, found, _ := cache.Get(ctx, "k"); found {
		t.Error("Expected miss after Remove")
	}
}

func TestCache_Expiration(t *testing.T) {
	clock := quotagate.NewManualClock(testEpoch)
	cache := NewCache(clock)
	ctx := context.Background()

	_ = cache.Put(ctx, "short", []byte("1"), 30*time.Second)
	_ = cache.Put(ctx, "forever", []byte("1"), 0)

	clock.Advance(29 * time.Second)
	if _, found, _ := cache.Get(ctx, "short"); !found {
		t.Error("Expected key to be live before its TTL")
	}

	clock.Advance(time.Second)
	if _, found, _ := cache.Get(ctx, "short"); found {
		t.Error("Expected key to expire at its TTL")
	}
	if _, found, _ := cache.Get(ctx, "forever"); !found {
		t.Error("Key without TTL should not expire")
	}
}

func TestCache_IncrementAndExpire(t *testing.T) {
	clock := quotagate.NewManualClock(testEpoch)
	cache := NewCache(clock)
	ctx := context.Background()

	n, err := cache.Increment(ctx, "c", 3)
	if err != nil || n != 3 {
		t.Fatalf("Increment = %d, %v; want 3, nil", n, err)
	}
	n, _ = cache.Increment(ctx, "c", -1)
	if n != 2 {
		t.Errorf("Increment = %d, want 2", n)
	}

	ok, err := cache.Expire(ctx, "c", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expire = %v, %v; want true, nil", ok, err)
	}
	if ttl, ok := cache.TTL("c"); !ok || ttl != time.Minute {
		t.Errorf("TTL = %v, %v; want 1m, true", ttl, ok)
	}

	ok, _ = cache.Expire(ctx, "missing", time.Minute)
	if ok {
		t.Error("Expire on a missing key should report false")
	}

	_ = cache.Put(ctx, "text", []byte("abc"), 0)
	if _, err := cache.Increment(ctx, "text", 1); err == nil {
		t.Error("Expected error incrementing a non-integer value")
	}
}

func TestCache_IncrementWithTTL(t *testing.T) {
	clock := quotagate.NewManualClock(testEpoch)
	cache := NewCache(clock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := cache.IncrementWithTTL(ctx, "w", 1, time.Minute)
		if err != nil || n != int64(i) {
			t.Fatalf("IncrementWithTTL = %d, %v; want %d", n, err, i)
		}
		clock.Advance(40 * time.Second)
	}

	// Each increment refreshed the TTL, so the key is still live
	if _, found, _ := cache.Get(ctx, "w"); !found {
		t.Error("Expected refreshed key to be live")
	}
	clock.Advance(30 * time.Second)
	if _, found, _ := cache.Get(ctx, "w"); found {
		t.Error("Expected key to expire after the last refresh")
	}
}

func TestCache_DecrementOrRemove(t *testing.T) {
	cache := NewCache(quotagate.NewManualClock(testEpoch))
	ctx := context.Background()

	n, err := cache.DecrementOrRemove(ctx, "c", 1)
	if err != nil || n != 0 {
		t.Fatalf("DecrementOrRemove on missing key = %d, %v; want 0, nil", n, err)
	}
	if cache.Len() != 0 {
		t.Error("Decrementing a missing key must not create it")
	}

	_, _ = cache.Increment(ctx, "c", 2)
	n, _ = cache.DecrementOrRemove(ctx, "c", 1)
	if n != 1 {
		t.Errorf("DecrementOrRemove = %d, want 1", n)
	}
	n, _ = cache.DecrementOrRemove(ctx, "c", 1)
	if n != 0 {
		t.Errorf("DecrementOrRemove = %d, want 0", n)
	}
	if _, found, _ := cache.Get(ctx, "c"); found {
		t.Error("Expected key to be removed at zero")
	}
}

func TestCache_PutIfNewer(t *testing.T) {
	clock := quotagate.NewManualClock(testEpoch)
	cache := NewCache(clock)
	ctx := context.Background()

	if ok, err := cache.PutIfNewer(ctx, "row", 5, []byte("five"), time.Minute); err != nil || !ok {
		t.Fatalf("PutIfNewer on empty key = %v, %v", ok, err)
	}
	if ok, _ := cache.PutIfNewer(ctx, "row", 4, []byte("four"), time.Minute); ok {
		t.Error("Older version must not replace a newer one")
	}
	if ok, _ := cache.PutIfNewer(ctx, "row", 6, []byte("six"), time.Minute); !ok {
		t.Error("Newer version should be written")
	}

	raw, _, _ := cache.Get(ctx, "row")
	version, value, ok := quotagate.DecodeVersioned(raw)
	if !ok || version != 6 || string(value) != "six" {
		t.Errorf("Stored entry = %q", raw)
	}

	// An expired entry no longer guards its version
	clock.Advance(time.Minute)
	if ok, _ := cache.PutIfNewer(ctx, "row", 1, []byte("one"), time.Minute); !ok {
		t.Error("Expected write over an expired entry")
	}
}

func TestCache_PutIfNewer_Concurrent(t *testing.T) {
	cache := NewCache(quotagate.NewManualClock(testEpoch))
	ctx := context.Background()

	var wg sync.WaitGroup
	for v := int64(1); v <= 50; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_, _ = cache.PutIfNewer(ctx, "row", v, []byte("x"), 0)
		}(v)
	}
	wg.Wait()

	raw, _, _ := cache.Get(ctx, "row")
	if version, _, _ := quotagate.DecodeVersioned(raw); version != 50 {
		t.Errorf("Final version = %d, want 50", version)
	}
}

func TestCache_ConcurrentIncrement(t *testing.T) {
	cache := NewCache(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.IncrementWithTTL(ctx, "c", 1, time.Minute)
		}()
	}
	wg.Wait()

	v, _, _ := cache.Get(ctx, "c")
	if string(v) != "50" {
		t.Errorf("Counter = %s, want 50", v)
	}
}

func TestStore_FindMonthlyUsage_NotFound(t *testing.T) {
	store := New()

	usage, err := store.FindMonthlyUsage(context.Background(), "user1", "2025-03")
	if err != nil {
		t.Fatalf("FindMonthlyUsage failed: %v", err)
	}
	if usage != nil {
		t.Errorf("Expected nil usage, got %+v", usage)
	}
}

func TestStore_CreateMonthlyUsage_KeepsExisting(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := &quotagate.MonthlyUsage{UserID: "user1", Month: "2025-03", TotalRequests: 5, PlanCreditsLimit: 100}
	if err := store.CreateMonthlyUsage(ctx, first); err != nil {
		t.Fatalf("CreateMonthlyUsage failed: %v", err)
	}
	second := &quotagate.MonthlyUsage{UserID: "user1", Month: "2025-03", PlanCreditsLimit: 999}
	if err := store.CreateMonthlyUsage(ctx, second); err != nil {
		t.Fatalf("CreateMonthlyUsage failed: %v", err)
	}

	got, _ := store.FindMonthlyUsage(ctx, "user1", "2025-03")
	if got.PlanCreditsLimit != 100 || got.TotalRequests != 5 || got.RemainingCredits != 95 {
		t.Errorf("Existing row was modified: %+v", got)
	}

	if err := store.CreateMonthlyUsage(ctx, &quotagate.MonthlyUsage{UserID: "user1"}); err == nil {
		t.Error("Expected error for row without month")
	}
}

func TestStore_IncrementMonthlyUsage(t *testing.T) {
	store := New()
	ctx := context.Background()

	req := &quotagate.IncrementRequest{
		UserID: "user1", Month: "2025-03", Amount: 3, CreditsLimit: 5, Now: testEpoch,
	}
	usage, err := store.IncrementMonthlyUsage(ctx, req)
	if err != nil {
		t.Fatalf("IncrementMonthlyUsage failed: %v", err)
	}
	if usage.TotalRequests != 3 || usage.RemainingCredits != 2 || usage.PlanCreditsLimit != 5 {
		t.Errorf("Unexpected usage after first increment: %+v", usage)
	}
	if usage.LastRequestAt == nil || !usage.LastRequestAt.Equal(testEpoch) {
		t.Errorf("LastRequestAt = %v, want %v", usage.LastRequestAt, testEpoch)
	}

	// Going past the allotment clamps remaining at zero
	req.Amount = 4
	usage, _ = store.IncrementMonthlyUsage(ctx, req)
	if usage.TotalRequests != 7 || usage.RemainingCredits != 0 {
		t.Errorf("Expected total 7 remaining 0, got %+v", usage)
	}

	req.Amount = -1
	if _, err := store.IncrementMonthlyUsage(ctx, req); !errors.Is(err, quotagate.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestStore_IncrementMonthlyUsage_Concurrent(t *testing.T) {
	store := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.IncrementMonthlyUsage(ctx, &quotagate.IncrementRequest{
				UserID: "user1", Month: "2025-03", Amount: 1, CreditsLimit: 1000, Now: testEpoch,
			})
		}()
	}
	wg.Wait()

	usage, _ := store.FindMonthlyUsage(ctx, "user1", "2025-03")
	if usage.TotalRequests != 100 || usage.RemainingCredits != 900 {
		t.Errorf("Lost updates: %+v", usage)
	}
}

func TestStore_PlansAndUsers(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.FindPlan(ctx, "pro"); !errors.Is(err, quotagate.ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound, got %v", err)
	}
	if _, err := store.FindUser(ctx, "user1"); !errors.Is(err, quotagate.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	store.SetPlan(&quotagate.Plan{ID: "pro", CreditsPerMonth: 1000, RequestsPerMinute: 60, RequestsPerHour: 600})
	store.SetUser(&quotagate.User{ID: "user1", PlanID: "pro"})

	plan, err := store.FindPlan(ctx, "pro")
	if err != nil || plan.CreditsPerMonth != 1000 {
		t.Errorf("FindPlan = %+v, %v", plan, err)
	}
	user, err := store.FindUser(ctx, "user1")
	if err != nil || user.PlanID != "pro" {
		t.Errorf("FindUser = %+v, %v", user, err)
	}
}
