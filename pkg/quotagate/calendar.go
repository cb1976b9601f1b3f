package quotagate

import (
	"math"
	"sync"
	"time"
)

// Clock is the time source used by every component
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock reading UTC wall time
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// ManualClock is a Clock that only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock set to t
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// MonthKey returns the calendar month key "YYYY-MM" of t in UTC
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DayKey returns the calendar date key "YYYY-MM-DD" of t in UTC
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// startOfMonthUTC returns 00:00:00 on the first day of t's month
func startOfMonthUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// startOfNextMonthUTC returns when monthly credits reset.
// time.Date normalizes month 13 into January of the next year.
func startOfNextMonthUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// nextMidnightUTC returns the next UTC day boundary after t
func nextMidnightUTC(t time.Time) time.Time {
	return startOfDayUTC(t).AddDate(0, 0, 1)
}

// secondsUntil returns whole seconds from now until t, rounded up, never below 1
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 1
	}
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// windowStart returns the start of the fixed window of length d containing t
func windowStart(t time.Time, d time.Duration) time.Time {
	return t.UTC().Truncate(d)
}
