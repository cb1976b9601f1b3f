package quotagate

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DegradedLimiter enforces the per-minute rate in process while the
// distributed cache is unreachable, so a cache outage does not turn into
// unlimited access. State is local to one engine instance.
type DegradedLimiter struct {
	mu      sync.Mutex
	entries map[string]*degradedEntry
	idleTTL time.Duration
	clock   Clock
}

type degradedEntry struct {
	lim      *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// NewDegradedLimiter creates a limiter
func NewDegradedLimiter(config DegradedModeConfig, clock Clock) *DegradedLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 15 * time.Minute
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &DegradedLimiter{
		entries: make(map[string]*degradedEntry),
		idleTTL: config.IdleTTL,
		clock:   clock,
	}
}

// Peek reports whether a request would be admitted, and if not, how many
// seconds until a token is available. It consumes nothing.
func (d *DegradedLimiter) Peek(userID string, perMinute int) (allowed bool, retryAfter int) {
	now := d.clock.Now()
	lim := d.limiter(userID, perMinute, now)
	tokens := lim.TokensAt(now)
	if tokens >= 1 {
		return true, 0
	}
	missing := 1 - tokens
	wait := time.Duration(missing / float64(lim.Limit()) * float64(time.Second))
	return false, int(math.Max(1, math.Ceil(wait.Seconds())))
}

// Record consumes one token for userID
func (d *DegradedLimiter) Record(userID string, perMinute int) bool {
	now := d.clock.Now()
	return d.limiter(userID, perMinute, now).AllowN(now, 1)
}

func (d *DegradedLimiter) limiter(userID string, perMinute int, now time.Time) *rate.Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if ent, ok := d.entries[userID]; ok {
		ent.lastSeen = now
		if ent.perMin != perMinute {
			ent.lim.SetLimitAt(now, perMinuteLimit(perMinute))
			ent.lim.SetBurstAt(now, perMinute)
			ent.perMin = perMinute
		}
		return ent.lim
	}

	lim := rate.NewLimiter(perMinuteLimit(perMinute), perMinute)
	d.entries[userID] = &degradedEntry{lim: lim, perMin: perMinute, lastSeen: now}
	return lim
}

// Cleanup evicts buckets idle for longer than the configured TTL
func (d *DegradedLimiter) Cleanup() {
	cutoff := d.clock.Now().Add(-d.idleTTL)

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, ent := range d.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(d.entries, k)
		}
	}
}

// Len returns the number of tracked users
func (d *DegradedLimiter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// StartJanitor runs Cleanup every interval until ctx is done
func (d *DegradedLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.Cleanup()
			}
		}
	}()
}

func perMinuteLimit(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}
