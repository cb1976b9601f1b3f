package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping Firestore tests")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}

	return client
}

// getTestConfig returns unique collection names for each test run
func getTestConfig(testName string) Config {
	timestamp := time.Now().UnixNano()
	return Config{
		UsageCollection: fmt.Sprintf("test_usage_%s_%d", testName, timestamp),
		PlansCollection: fmt.Sprintf("test_plans_%s_%d", testName, timestamp),
		UsersCollection: fmt.Sprintf("test_users_%s_%d", testName, timestamp),
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	for _, coll := range []string{config.UsageCollection, config.PlansCollection, config.UsersCollection} {
		docs, _ := client.Collection(coll).DocumentRefs(ctx).GetAll()
		for _, doc := range docs {
			// Ledger rows live in a subcollection per user
			subcollections, _ := doc.Collections(ctx).GetAll()
			for _, sub := range subcollections {
				subDocs, _ := sub.Documents(ctx).GetAll()
				for _, subDoc := range subDocs {
					_, _ = subDoc.Ref.Delete(ctx)
				}
			}
			_, _ = doc.Delete(ctx)
		}
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestFirestore_MonthlyUsage(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	config := getTestConfig("monthly_usage")
	store, err := New(client, config)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer cleanupFirestore(t, client, config)

	ctx := context.Background()

	usage, err := store.FindMonthlyUsage(ctx, "user1", "2025-03")
	if err != nil || usage != nil {
		t.Fatalf("FindMonthlyUsage = %+v, %v; want nil, nil", usage, err)
	}

	req := &quotagate.IncrementRequest{UserID: "user1", Month: "2025-03", Amount: 8, CreditsLimit: 10, Now: time.Now().UTC()}
	usage, err = store.IncrementMonthlyUsage(ctx, req)
	if err != nil {
		t.Fatalf("IncrementMonthlyUsage failed: %v", err)
	}
	if usage.TotalRequests != 8 || usage.RemainingCredits != 2 {
		t.Errorf("Unexpected usage: %+v", usage)
	}

	req.Amount = 5
	usage, _ = store.IncrementMonthlyUsage(ctx, req)
	if usage.TotalRequests != 13 || usage.RemainingCredits != 0 {
		t.Errorf("Expected total 13 remaining 0, got %+v", usage)
	}

	found, err := store.FindMonthlyUsage(ctx, "user1", "2025-03")
	if err != nil || found.TotalRequests != 13 || found.PlanCreditsLimit != 10 {
		t.Errorf("FindMonthlyUsage = %+v, %v", found, err)
	}
}

func TestFirestore_CreateMonthlyUsageKeepsExisting(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	config := getTestConfig("create_usage")
	store, _ := New(client, config)
	defer cleanupFirestore(t, client, config)

	ctx := context.Background()

	if err := store.CreateMonthlyUsage(ctx, &quotagate.MonthlyUsage{UserID: "user1", Month: "2025-03", TotalRequests: 2, PlanCreditsLimit: 10}); err != nil {
		t.Fatalf("CreateMonthlyUsage failed: %v", err)
	}
	if err := store.CreateMonthlyUsage(ctx, &quotagate.MonthlyUsage{UserID: "user1", Month: "2025-03", PlanCreditsLimit: 50}); err != nil {
		t.Fatalf("Second CreateMonthlyUsage should be a no-op, got %v", err)
	}

	usage, _ := store.FindMonthlyUsage(ctx, "user1", "2025-03")
	if usage.PlanCreditsLimit != 10 || usage.RemainingCredits != 8 {
		t.Errorf("Existing row was modified: %+v", usage)
	}
}

func TestFirestore_ConcurrentIncrements(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	config := getTestConfig("concurrent")
	store, _ := New(client, config)
	defer cleanupFirestore(t, client, config)

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementMonthlyUsage(ctx, &quotagate.IncrementRequest{
				UserID: "user1", Month: "2025-03", Amount: 1, CreditsLimit: 100, Now: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("IncrementMonthlyUsage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	usage, _ := store.FindMonthlyUsage(ctx, "user1", "2025-03")
	if usage == nil || usage.TotalRequests != 10 {
		t.Errorf("Lost updates: %+v", usage)
	}
}

func TestFirestore_PlansAndUsers(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	config := getTestConfig("plans_users")
	store, _ := New(client, config)
	defer cleanupFirestore(t, client, config)

	ctx := context.Background()

	if _, err := store.FindPlan(ctx, "pro"); !errors.Is(err, quotagate.ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound, got %v", err)
	}
	if _, err := store.FindUser(ctx, "user1"); !errors.Is(err, quotagate.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	plan := &quotagate.Plan{ID: "pro", CreditsPerMonth: 1000, RequestsPerMinute: 60, RequestsPerHour: 600, ConcurrentRequests: 4}
	if err := store.SetPlan(ctx, plan); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	if err := store.SetUser(ctx, &quotagate.User{ID: "user1", PlanID: "pro"}); err != nil {
		t.Fatalf("SetUser failed: %v", err)
	}

	got, err := store.FindPlan(ctx, "pro")
	if err != nil || *got != *plan {
		t.Errorf("FindPlan = %+v, %v; want %+v", got, err, plan)
	}
	user, err := store.FindUser(ctx, "user1")
	if err != nil || user.PlanID != "pro" {
		t.Errorf("FindUser = %+v, %v", user, err)
	}
}
