package quotagate_test

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// plainCache hides the ScriptedCounter capability of the wrapped cache
type plainCache struct {
	quotagate.Cache
}

func TestConcurrentRequestTracker(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for name, cache := range map[string]quotagate.Cache{
		"scripted": f.cache,
		"plain":    plainCache{Cache: f.cache},
	} {
		t.Run(name, func(t *testing.T) {
			f.cache.Flush()
			tracker := quotagate.NewConcurrentRequestTracker(cache, f.config())

			for i := 1; i <= 3; i++ {
				n, err := tracker.Increment(ctx, testUserID1)
				if err != nil || n != i {
					t.Fatalf("Increment = %d, %v; want %d", n, err, i)
				}
			}
			if n, _ := tracker.Current(ctx, testUserID1); n != 3 {
				t.Errorf("Current = %d, want 3", n)
			}

			for i := 2; i >= 0; i-- {
				n, err := tracker.Decrement(ctx, testUserID1)
				if err != nil || n != i {
					t.Fatalf("Decrement = %d, %v; want %d", n, err, i)
				}
			}
			if f.cache.Len() != 0 {
				t.Errorf("Expected counter key to be removed at zero, %d keys left", f.cache.Len())
			}

			// Decrementing an idle user never goes negative
			n, _ := tracker.Decrement(ctx, testUserID1)
			if n != 0 {
				t.Errorf("Decrement on idle user = %d, want 0", n)
			}
			if cur, _ := tracker.Current(ctx, testUserID1); cur != 0 {
				t.Errorf("Current = %d, want 0", cur)
			}
		})
	}
}

func TestConcurrentRequestTracker_AbandonedCounterExpires(t *testing.T) {
	f := newFixture()
	cfg := f.config()
	cfg.ConcurrencyTTL = 5 * time.Minute
	tracker := quotagate.NewConcurrentRequestTracker(f.cache, cfg)
	ctx := context.Background()

	_, _ = tracker.Increment(ctx, testUserID1)
	f.clock.Advance(5 * time.Minute)

	if n, _ := tracker.Current(ctx, testUserID1); n != 0 {
		t.Errorf("Current = %d after TTL, want 0", n)
	}
}
