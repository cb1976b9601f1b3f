package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// ErrDenied is returned by check when the request would be rejected, so
// scripts can branch on the exit status.
var ErrDenied = errors.New("request denied")

// CheckCmd evaluates the decision for a user.
type CheckCmd struct {
	UserID string `arg:"" name:"user" help:"User identifier."`
	Strict bool   `help:"Exit with an error when the request would be denied."`
}

func (c *CheckCmd) Run(ctx context.Context, a *app) error {
	d, err := a.engine.Check(ctx, c.UserID)
	if perr := a.print(d); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if c.Strict && !d.Allowed {
		return fmt.Errorf("%w by %s, retry after %ds", ErrDenied, d.DeniedBy, d.RetryAfterSeconds)
	}
	return nil
}

// RecordCmd records allowed work for a user.
type RecordCmd struct {
	UserID string `arg:"" name:"user" help:"User identifier."`
	Amount int    `short:"n" default:"1" help:"Credits to deduct."`
}

func (c *RecordCmd) Run(ctx context.Context, a *app) error {
	usage, err := a.engine.RecordUsage(ctx, c.UserID, c.Amount)
	if err != nil {
		return err
	}
	return a.print(usage)
}

// UsageCmd shows a user's ledger row.
type UsageCmd struct {
	UserID string `arg:"" name:"user" help:"User identifier."`
	Month  string `help:"Calendar month (YYYY-MM); defaults to the current UTC month."`
	Fresh  bool   `help:"Drop the cached copy and read the durable store."`
}

func (c *UsageCmd) Run(ctx context.Context, a *app) error {
	month := c.Month
	if month == "" {
		month = quotagate.MonthKey(time.Now())
	} else if _, err := time.Parse("2006-01", month); err != nil {
		return fmt.Errorf("invalid month %q: expected YYYY-MM", month)
	}

	ledger := a.engine.Ledger()
	if c.Fresh {
		if err := ledger.Invalidate(ctx, c.UserID, month); err != nil {
			a.logger.Warn("failed to invalidate cached usage", quotagate.ErrField(err))
		}
	}
	usage, err := ledger.GetUsage(ctx, c.UserID, month)
	if err != nil {
		return err
	}
	return a.print(usage)
}

// AcquireCmd takes an in-flight slot.
type AcquireCmd struct {
	UserID string `arg:"" name:"user" help:"User identifier."`
}

func (c *AcquireCmd) Run(ctx context.Context, a *app) error {
	slot, err := a.engine.Acquire(ctx, c.UserID)
	if err != nil {
		return err
	}
	return a.print(slot)
}

// ReleaseCmd returns an in-flight slot.
type ReleaseCmd struct {
	UserID string `arg:"" name:"user" help:"User identifier."`
}

func (c *ReleaseCmd) Run(ctx context.Context, a *app) error {
	if err := a.engine.Release(ctx, c.UserID); err != nil {
		return err
	}
	current, err := a.engine.Concurrency().Current(ctx, c.UserID)
	if err != nil {
		return err
	}
	return a.print(map[string]int{"current": current})
}

// MigrateCmd applies the PostgreSQL schema.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, a *app) error {
	if a.postgres == nil {
		return errors.New("migrate requires --postgres-dsn")
	}
	if err := a.postgres.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}
