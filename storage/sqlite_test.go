package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mycelium-ei-lang.com/cloud/models"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStorage_RoundTrip(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	license := &models.License{
		ID:                   "lic-1",
		UserID:               "user-1",
		Key:                  "key-1",
		Plan:                 models.PlanTeam,
		Status:               models.StatusActive,
		IssuedAt:             now,
		ExpiresAt:            now.AddDate(1, 0, 0),
		LastAppliedEventTime: now,
		Usage:                models.Usage{Compilations: 7, APICalls: 42, LastUsed: now},
		Features:             []string{"basic_compilation", "team_management"},
		Restrictions: models.Restrictions{
			MaxCompilations: 100000,
			MaxAPICalls:     1000000,
			MaxUsers:        25,
			AllowCommercial: true,
		},
		Metadata: models.Metadata{
			PaymentMethod:  models.PaymentMethodCard,
			CorrelationID:  "sub_1",
			CustomerEmail:  "dev@example.com",
			CompanyName:    "Acme Labs",
			HardwarePrints: []string{"hw-1", "hw-2"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveLicense(ctx, license); err != nil {
		t.Fatalf("SaveLicense failed: %v", err)
	}

	for name, load := range map[string]func() (*models.License, error){
		"by id":          func() (*models.License, error) { return store.GetLicense(ctx, "lic-1") },
		"by key":         func() (*models.License, error) { return store.FindLicenseByKey(ctx, "key-1") },
		"by correlation": func() (*models.License, error) { return store.FindLicenseByCorrelation(ctx, "sub_1") },
	} {
		loaded, err := load()
		if err != nil {
			t.Fatalf("Lookup %s failed: %v", name, err)
		}
		if loaded == nil {
			t.Fatalf("Lookup %s found nothing", name)
		}
		if loaded.Plan != models.PlanTeam || loaded.Status != models.StatusActive {
			t.Errorf("Lookup %s: wrong plan/status %s/%s", name, loaded.Plan, loaded.Status)
		}
		if len(loaded.Features) != 2 || loaded.Features[1] != "team_management" {
			t.Errorf("Lookup %s: features not round-tripped: %v", name, loaded.Features)
		}
		if len(loaded.Metadata.HardwarePrints) != 2 {
			t.Errorf("Lookup %s: hardware prints not round-tripped: %v", name, loaded.Metadata.HardwarePrints)
		}
		if loaded.Usage.Compilations != 7 || loaded.Usage.APICalls != 42 {
			t.Errorf("Lookup %s: usage not round-tripped: %+v", name, loaded.Usage)
		}
		if loaded.Revision != 1 {
			t.Errorf("Lookup %s: expected revision 1, got %d", name, loaded.Revision)
		}
	}

	missing, err := store.GetLicense(ctx, "ghost")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for missing license, got (%v, %v)", missing, err)
	}
}

func TestSQLiteStorage_UniqueConstraints(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	if err := store.SaveLicense(ctx, testLicense("lic-1", "key-1", "sub_1")); err != nil {
		t.Fatalf("SaveLicense failed: %v", err)
	}

	if err := store.SaveLicense(ctx, testLicense("lic-2", "key-1", "sub_2")); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate key, got %v", err)
	}
	if err := store.SaveLicense(ctx, testLicense("lic-3", "key-3", "sub_1")); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate correlation, got %v", err)
	}
	if err := store.SaveLicense(ctx, testLicense("lic-4", "key-4", "")); err != nil {
		t.Fatalf("SaveLicense with empty correlation failed: %v", err)
	}
	if err := store.SaveLicense(ctx, testLicense("lic-5", "key-5", "")); err != nil {
		t.Errorf("Empty correlation ids collided: %v", err)
	}
}

func TestSQLiteStorage_ApplyReconciliation(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	entry := func(eventID string) *models.WebhookEvent {
		return &models.WebhookEvent{
			ExternalEventID:   eventID,
			Provider:          "stripe",
			CorrelationID:     "sub_1",
			Type:              "payment_failed",
			ProviderTimestamp: time.Now().UTC().Truncate(time.Second),
			Outcome:           models.OutcomeApplied,
		}
	}

	// Insert path: revision zero means a brand-new row.
	license := testLicense("lic-1", "key-1", "sub_1")
	license.Revision = 0
	if err := store.ApplyReconciliation(ctx, license, entry("evt_1")); err != nil {
		t.Fatalf("Insert apply failed: %v", err)
	}
	if license.Revision != 1 {
		t.Errorf("Expected revision 1 after insert, got %d", license.Revision)
	}

	// Update path bumps the revision.
	loaded, _ := store.GetLicense(ctx, "lic-1")
	loaded.Status = models.StatusSuspended
	if err := store.ApplyReconciliation(ctx, loaded, entry("evt_2")); err != nil {
		t.Fatalf("Update apply failed: %v", err)
	}
	after, _ := store.GetLicense(ctx, "lic-1")
	if after.Status != models.StatusSuspended || after.Revision != 2 {
		t.Errorf("Expected suspended at revision 2, got %s at %d", after.Status, after.Revision)
	}

	// Duplicate ledger entry rolls the whole transaction back.
	again, _ := store.GetLicense(ctx, "lic-1")
	again.Status = models.StatusCancelled
	if err := store.ApplyReconciliation(ctx, again, entry("evt_2")); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent, got %v", err)
	}
	unchanged, _ := store.GetLicense(ctx, "lic-1")
	if unchanged.Status != models.StatusSuspended {
		t.Errorf("License mutated despite duplicate event: %s", unchanged.Status)
	}

	// A stale revision conflicts and records nothing.
	stale, _ := store.GetLicense(ctx, "lic-1")
	stale.Revision = 1
	if err := store.ApplyReconciliation(ctx, stale, entry("evt_3")); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	if ev, _ := store.GetWebhookEvent(ctx, "evt_3"); ev != nil {
		t.Error("Ledger entry recorded despite revision conflict")
	}
}

func TestSQLiteStorage_IncrementUsage(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := store.SaveLicense(ctx, testLicense("lic-1", "key-1", "sub_1")); err != nil {
		t.Fatalf("SaveLicense failed: %v", err)
	}

	value, ok, err := store.IncrementUsage(ctx, "lic-1", models.CounterCompilations, 4, 5, now)
	if err != nil || !ok || value != 4 {
		t.Fatalf("Expected (4, true, nil), got (%d, %v, %v)", value, ok, err)
	}

	value, ok, err = store.IncrementUsage(ctx, "lic-1", models.CounterCompilations, 2, 5, now)
	if err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}
	if ok || value != 4 {
		t.Errorf("Expected refusal at (4, false), got (%d, %v)", value, ok)
	}

	value, ok, _ = store.IncrementUsage(ctx, "lic-1", models.CounterAPICalls, 10, models.Unlimited, now)
	if !ok || value != 10 {
		t.Errorf("Expected (10, true) under unlimited, got (%d, %v)", value, ok)
	}

	if _, _, err := store.IncrementUsage(ctx, "lic-1", "disk_usage", 1, 10, now); !errors.Is(err, ErrUnknownCounter) {
		t.Errorf("Expected ErrUnknownCounter, got %v", err)
	}
}
