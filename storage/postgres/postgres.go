// Package postgres provides a PostgreSQL implementation of the quotagate usage
// store, plan catalog and user directory.
// Credit deductions are a single upsert statement, so concurrent increments
// for the same user and month serialize on the row lock.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

//go:embed schema.sql
var schema string

// Store implements quotagate.UsageStore, quotagate.PlanCatalog and
// quotagate.UserDirectory using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
	logger quotagate.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RetentionMonths int           // Ledger rows older than this many months are deleted

	// Logger reports background cleanup failures (default: NoopLogger)
	Logger quotagate.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 24 * time.Hour,
		RetentionMonths: 13,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &quotagate.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RetentionMonths > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables used by the store if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const usageColumns = `user_id, month, total_requests, plan_credits_limit, remaining_credits,
	last_request_at, created_at, updated_at`

func scanUsage(row pgx.Row) (*quotagate.MonthlyUsage, error) {
	var u quotagate.MonthlyUsage
	err := row.Scan(&u.UserID, &u.Month, &u.TotalRequests, &u.PlanCreditsLimit,
		&u.RemainingCredits, &u.LastRequestAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	if u.LastRequestAt != nil {
		t := u.LastRequestAt.UTC()
		u.LastRequestAt = &t
	}
	return &u, nil
}

// FindMonthlyUsage implements quotagate.UsageStore
func (s *Store) FindMonthlyUsage(ctx context.Context, userID, month string) (*quotagate.MonthlyUsage, error) {
	usage, err := scanUsage(s.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM monthly_usage WHERE user_id = $1 AND month = $2`,
		userID, month))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	return usage, nil
}

// CreateMonthlyUsage implements quotagate.UsageStore
func (s *Store) CreateMonthlyUsage(ctx context.Context, usage *quotagate.MonthlyUsage) error {
	if usage == nil || usage.UserID == "" || usage.Month == "" {
		return fmt.Errorf("invalid monthly usage")
	}
	now := time.Now().UTC()
	created := usage.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO monthly_usage (`+usageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, month) DO NOTHING`,
		usage.UserID, usage.Month, usage.TotalRequests, usage.PlanCreditsLimit,
		quotagate.RemainingCredits(usage.PlanCreditsLimit, usage.TotalRequests),
		usage.LastRequestAt, created, now)
	if err != nil {
		return fmt.Errorf("failed to create monthly usage: %w", err)
	}
	return nil
}

// IncrementMonthlyUsage implements quotagate.UsageStore
func (s *Store) IncrementMonthlyUsage(ctx context.Context, req *quotagate.IncrementRequest) (*quotagate.MonthlyUsage, error) {
	if req.Amount < 0 {
		return nil, quotagate.ErrInvalidAmount
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	usage, err := scanUsage(s.pool.QueryRow(ctx,
		`INSERT INTO monthly_usage AS u (user_id, month, total_requests, plan_credits_limit,
				remaining_credits, last_request_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, GREATEST($4 - $3, 0), $5, $5, $5)
			ON CONFLICT (user_id, month) DO UPDATE SET
				total_requests    = u.total_requests + EXCLUDED.total_requests,
				remaining_credits = GREATEST(u.plan_credits_limit - (u.total_requests + EXCLUDED.total_requests), 0),
				last_request_at   = EXCLUDED.last_request_at,
				updated_at        = EXCLUDED.updated_at
			RETURNING `+usageColumns,
		req.UserID, req.Month, req.Amount, req.CreditsLimit, now))
	if err != nil {
		return nil, fmt.Errorf("failed to increment monthly usage: %w", err)
	}
	return usage, nil
}

// FindPlan implements quotagate.PlanCatalog
func (s *Store) FindPlan(ctx context.Context, planID string) (*quotagate.Plan, error) {
	var p quotagate.Plan
	err := s.pool.QueryRow(ctx,
		`SELECT plan_id, credits_per_month, requests_per_minute, requests_per_hour,
				requests_per_day, concurrent_requests
			FROM plans WHERE plan_id = $1`,
		planID).Scan(&p.ID, &p.CreditsPerMonth, &p.RequestsPerMinute, &p.RequestsPerHour,
		&p.RequestsPerDay, &p.ConcurrentRequests)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quotagate.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

// SetPlan inserts or replaces a plan
func (s *Store) SetPlan(ctx context.Context, p *quotagate.Plan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (plan_id, credits_per_month, requests_per_minute, requests_per_hour,
				requests_per_day, concurrent_requests, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (plan_id) DO UPDATE SET
				credits_per_month   = EXCLUDED.credits_per_month,
				requests_per_minute = EXCLUDED.requests_per_minute,
				requests_per_hour   = EXCLUDED.requests_per_hour,
				requests_per_day    = EXCLUDED.requests_per_day,
				concurrent_requests = EXCLUDED.concurrent_requests,
				updated_at          = now()`,
		p.ID, p.CreditsPerMonth, p.RequestsPerMinute, p.RequestsPerHour,
		p.RequestsPerDay, p.ConcurrentRequests)
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// FindUser implements quotagate.UserDirectory
func (s *Store) FindUser(ctx context.Context, userID string) (*quotagate.User, error) {
	var u quotagate.User
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, plan_id FROM users WHERE user_id = $1`,
		userID).Scan(&u.ID, &u.PlanID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quotagate.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SetUser inserts or replaces a user's plan assignment
func (s *Store) SetUser(ctx context.Context, u *quotagate.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, plan_id, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (user_id) DO UPDATE SET plan_id = EXCLUDED.plan_id, updated_at = now()`,
		u.ID, u.PlanID)
	if err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("monthly usage cleanup failed", quotagate.ErrField(err))
			}
		}
	}
}

// Cleanup deletes ledger rows older than the retention window and returns how
// many were removed
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	if s.config.RetentionMonths <= 0 {
		return 0, nil
	}
	cutoff := quotagate.MonthKey(now.AddDate(0, -s.config.RetentionMonths, 0))

	tag, err := s.pool.Exec(ctx, `DELETE FROM monthly_usage WHERE month < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup monthly usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var (
	_ quotagate.UsageStore    = (*Store)(nil)
	_ quotagate.PlanCatalog   = (*Store)(nil)
	_ quotagate.UserDirectory = (*Store)(nil)
)
