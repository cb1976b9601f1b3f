// Package firestore provides a Firestore implementation of the quotagate usage
// store, plan catalog and user directory.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Store implements quotagate.UsageStore, quotagate.PlanCatalog and
// quotagate.UserDirectory using Google Cloud Firestore
type Store struct {
	client          *firestore.Client
	usageCollection string
	plansCollection string
	usersCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsageCollection is the Firestore collection for monthly credit usage
	// Default: "quota_usage"
	UsageCollection string

	// PlansCollection is the Firestore collection for plan definitions
	// Default: "quota_plans"
	PlansCollection string

	// UsersCollection is the Firestore collection mapping users to plans
	// Default: "quota_users"
	UsersCollection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsageCollection == "" {
		config.UsageCollection = "quota_usage"
	}
	if config.PlansCollection == "" {
		config.PlansCollection = "quota_plans"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "quota_users"
	}

	return &Store{
		client:          client,
		usageCollection: config.UsageCollection,
		plansCollection: config.PlansCollection,
		usersCollection: config.UsersCollection,
	}, nil
}

// FindMonthlyUsage implements quotagate.UsageStore
func (s *Store) FindMonthlyUsage(ctx context.Context, userID, month string) (*quotagate.MonthlyUsage, error) {
	snap, err := s.usageDoc(userID, month).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No usage yet is not an error
		}
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return usageFromData(userID, month, snap.Data()), nil
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
	data := map[string]interface{}{
		"userId":           usage.UserID,
		"month":            usage.Month,
		"totalRequests":    usage.TotalRequests,
		"planCreditsLimit": usage.PlanCreditsLimit,
		"remainingCredits": quotagate.RemainingCredits(usage.PlanCreditsLimit, usage.TotalRequests),
		"createdAt":        created,
		"updatedAt":        now,
	}
	if usage.LastRequestAt != nil {
		data["lastRequestAt"] = *usage.LastRequestAt
	}

	_, err := s.usageDoc(usage.UserID, usage.Month).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to create monthly usage: %w", err)
	}
	return nil
}

// IncrementMonthlyUsage implements quotagate.UsageStore with a read-modify-write
// transaction; Firestore retries it on contention.
func (s *Store) IncrementMonthlyUsage(ctx context.Context, req *quotagate.IncrementRequest) (*quotagate.MonthlyUsage, error) {
	if req.Amount < 0 {
		return nil, quotagate.ErrInvalidAmount
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	doc := s.usageDoc(req.UserID, req.Month)
	var result *quotagate.MonthlyUsage

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		usage := &quotagate.MonthlyUsage{
			UserID:           req.UserID,
			Month:            req.Month,
			PlanCreditsLimit: req.CreditsLimit,
			CreatedAt:        now,
		}
		if err == nil && snap.Exists() {
			usage = usageFromData(req.UserID, req.Month, snap.Data())
		}

		usage.TotalRequests += req.Amount
		usage.RemainingCredits = quotagate.RemainingCredits(usage.PlanCreditsLimit, usage.TotalRequests)
		last := now
		usage.LastRequestAt = &last
		usage.UpdatedAt = now

		result = usage
		return tx.Set(doc, map[string]interface{}{
			"userId":           usage.UserID,
			"month":            usage.Month,
			"totalRequests":    usage.TotalRequests,
			"planCreditsLimit": usage.PlanCreditsLimit,
			"remainingCredits": usage.RemainingCredits,
			"lastRequestAt":    now,
			"createdAt":        usage.CreatedAt,
			"updatedAt":        now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment monthly usage: %w", err)
	}
	return result, nil
}

// FindPlan implements quotagate.PlanCatalog
func (s *Store) FindPlan(ctx context.Context, planID string) (*quotagate.Plan, error) {
	snap, err := s.client.Collection(s.plansCollection).Doc(planID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quotagate.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if !snap.Exists() {
		return nil, quotagate.ErrPlanNotFound
	}

	data := snap.Data()
	return &quotagate.Plan{
		ID:                 planID,
		CreditsPerMonth:    getInt(data, "creditsPerMonth"),
		RequestsPerMinute:  getInt(data, "requestsPerMinute"),
		RequestsPerHour:    getInt(data, "requestsPerHour"),
		RequestsPerDay:     getInt(data, "requestsPerDay"),
		ConcurrentRequests: getInt(data, "concurrentRequests"),
	}, nil
}

// SetPlan writes a plan document
func (s *Store) SetPlan(ctx context.Context, p *quotagate.Plan) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid plan")
	}
	_, err := s.client.Collection(s.plansCollection).Doc(p.ID).Set(ctx, map[string]interface{}{
		"creditsPerMonth":    p.CreditsPerMonth,
		"requestsPerMinute":  p.RequestsPerMinute,
		"requestsPerHour":    p.RequestsPerHour,
		"requestsPerDay":     p.RequestsPerDay,
		"concurrentRequests": p.ConcurrentRequests,
		"updatedAt":          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// FindUser implements quotagate.UserDirectory
func (s *Store) FindUser(ctx context.Context, userID string) (*quotagate.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, quotagate.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, quotagate.ErrUserNotFound
	}
	return &quotagate.User{ID: userID, PlanID: getString(snap.Data(), "planId")}, nil
}

// SetUser writes a user's plan assignment
func (s *Store) SetUser(ctx context.Context, u *quotagate.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	_, err := s.client.Collection(s.usersCollection).Doc(u.ID).Set(ctx, map[string]interface{}{
		"planId":    u.PlanID,
		"updatedAt": time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

// usageDoc returns the Firestore document reference for a ledger row
func (s *Store) usageDoc(userID, month string) *firestore.DocumentRef {
	// Structure: quota_usage/{userID}/months/{YYYY-MM}
	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("months").
		Doc(month)
}

func usageFromData(userID, month string, data map[string]interface{}) *quotagate.MonthlyUsage {
	usage := &quotagate.MonthlyUsage{
		UserID:           userID,
		Month:            month,
		TotalRequests:    getInt(data, "totalRequests"),
		PlanCreditsLimit: getInt(data, "planCreditsLimit"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
	usage.RemainingCredits = quotagate.RemainingCredits(usage.PlanCreditsLimit, usage.TotalRequests)
	if last := getTime(data, "lastRequestAt"); !last.IsZero() {
		usage.LastRequestAt = &last
	}
	return usage
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

var (
	_ quotagate.UsageStore    = (*Store)(nil)
	_ quotagate.PlanCatalog   = (*Store)(nil)
	_ quotagate.UserDirectory = (*Store)(nil)
)
