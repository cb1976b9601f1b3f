package quotagate

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCacheUnavailable is returned when the distributed cache cannot be reached
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrPlanNotFound is returned by a PlanCatalog for unknown plan ids
	ErrPlanNotFound = errors.New("plan not found")

	// ErrUserNotFound is returned by a UserDirectory for unknown users
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageUnavailable is returned when a required backend is missing or unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPlanUnavailable is returned when a ledger row would have to be created
	// while the plan's credit allotment cannot be resolved
	ErrPlanUnavailable = errors.New("plan limits unavailable")

	// ErrDecisionUnavailable accompanies a fail-closed denial
	ErrDecisionUnavailable = errors.New("decision unavailable")
)

// LedgerWriteError reports that a credit deduction could not be durably recorded.
// The request that triggered it must be treated as failed.
type LedgerWriteError struct {
	UserID string
	Month  string
	Err    error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write failed for %s/%s: %v", e.UserID, e.Month, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

// IsLedgerWriteFailure reports whether err is a LedgerWriteError
func IsLedgerWriteFailure(err error) bool {
	var lw *LedgerWriteError
	return errors.As(err, &lw)
}

// isContextFailure reports whether err was caused by cancellation or a deadline,
// either directly or because ctx is already done.
func isContextFailure(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}
