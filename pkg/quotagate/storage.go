package quotagate

import (
	"bytes"
	"context"
	"strconv"
	"time"
)

// Cache is the distributed cache shared by all engine instances.
// Implementations must make Increment atomic.
type Cache interface {
	// Get returns the value stored at key, or found=false on a miss
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value at key with the given TTL (0 = no expiration)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds delta to the integer at key (missing keys count as 0)
	// and returns the new value
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a TTL on key; it returns false if the key does not exist
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Remove deletes key
	Remove(ctx context.Context, key string) error
}

// ScriptedCounter is an optional Cache capability for backends that can run
// compound counter updates as a single atomic step (e.g. Redis Lua scripts).
type ScriptedCounter interface {
	// IncrementWithTTL adds delta and (re)sets the TTL in one step
	IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// DecrementOrRemove subtracts delta and deletes the key when the result
	// would be zero or below. It returns the value left in the cache.
	DecrementOrRemove(ctx context.Context, key string, delta int64) (int64, error)
}

// VersionedWriter is an optional Cache capability for entries that must never
// move backwards. PutIfNewer stores EncodeVersioned(version, value) at key
// unless the entry already there carries a higher version, and reports
// whether it wrote. The compare and the write must be one atomic step.
type VersionedWriter interface {
	PutIfNewer(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error)
}

// EncodeVersioned prefixes value with its decimal version and a colon
func EncodeVersioned(version int64, value []byte) []byte {
	out := make([]byte, 0, len(value)+21)
	out = strconv.AppendInt(out, version, 10)
	out = append(out, ':')
	return append(out, value...)
}

// DecodeVersioned splits an entry written by EncodeVersioned
func DecodeVersioned(raw []byte) (version int64, value []byte, ok bool) {
	i := bytes.IndexByte(raw, ':')
	if i <= 0 {
		return 0, nil, false
	}
	version, err := strconv.ParseInt(string(raw[:i]), 10, 64)
	if err != nil {
		return 0, nil, false
	}
	return version, raw[i+1:], true
}

// UsageStore is the durable system of record for monthly credit usage
type UsageStore interface {
	// FindMonthlyUsage returns the ledger row, or nil (not an error) if none exists
	FindMonthlyUsage(ctx context.Context, userID, month string) (*MonthlyUsage, error)

	// CreateMonthlyUsage inserts a ledger row; an existing row is left untouched.
	// The engine creates rows through IncrementMonthlyUsage; this is for seeding.
	CreateMonthlyUsage(ctx context.Context, usage *MonthlyUsage) error

	// IncrementMonthlyUsage atomically adds req.Amount to the row, creating it
	// with req.CreditsLimit if it does not exist, and returns the stored result.
	// Concurrent increments for the same user/month must not lose updates.
	IncrementMonthlyUsage(ctx context.Context, req *IncrementRequest) (*MonthlyUsage, error)
}

// IncrementRequest represents a monthly credit deduction
type IncrementRequest struct {
	UserID       string
	Month        string
	Amount       int
	CreditsLimit int // seeds planCreditsLimit when the row is created
	Now          time.Time
}

// PlanCatalog resolves plan ids to plan definitions
type PlanCatalog interface {
	// FindPlan returns ErrPlanNotFound for unknown ids
	FindPlan(ctx context.Context, planID string) (*Plan, error)
}

// UserDirectory resolves users to their plan
type UserDirectory interface {
	// FindUser returns ErrUserNotFound for unknown users
	FindUser(ctx context.Context, userID string) (*User, error)
}

// RemainingCredits computes the clamped credit balance
func RemainingCredits(limit, total int) int {
	if r := limit - total; r > 0 {
		return r
	}
	return 0
}
