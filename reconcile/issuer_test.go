package reconcile

import (
	"context"
	"testing"
	"time"

	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/licensekey"
	"mycelium-ei-lang.com/cloud/internal/notify"
	"mycelium-ei-lang.com/cloud/models"
	"mycelium-ei-lang.com/cloud/storage"
)

func TestIssueFree(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := NewIssuer(store, catalog.Default(), notify.NewDispatcher(notify.LogSink{}))

	license, err := issuer.IssueFree(context.Background(), "user-42", "dev@example.com")
	if err != nil {
		t.Fatalf("IssueFree failed: %v", err)
	}

	if license.Plan != models.PlanFree || license.Status != models.StatusActive {
		t.Errorf("Expected active free license, got %s/%s", license.Plan, license.Status)
	}
	if license.UserID != "user-42" || license.Metadata.CustomerEmail != "dev@example.com" {
		t.Errorf("Identity not carried: %+v", license)
	}
	if license.Restrictions.MaxCompilations != 100 {
		t.Errorf("Expected free-tier restrictions, got %+v", license.Restrictions)
	}

	wantExpiry := license.IssuedAt.AddDate(0, 0, 365)
	if !license.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected one-year term, got %v", license.ExpiresAt)
	}
	if !license.Valid(time.Now().UTC()) {
		t.Error("Fresh free license is not valid")
	}

	parsed, err := licensekey.Parse(license.Key)
	if err != nil || !parsed.ChecksumValid || parsed.Plan != models.PlanFree {
		t.Errorf("Bad issued key %s: (%+v, %v)", license.Key, parsed, err)
	}

	// The license is persisted.
	saved, err := store.GetLicense(context.Background(), license.ID)
	if err != nil || saved == nil {
		t.Fatalf("Issued license not persisted: (%v, %v)", saved, err)
	}
}

func TestIssueFree_DistinctKeys(t *testing.T) {
	store := storage.NewMemoryStorage()
	issuer := NewIssuer(store, catalog.Default(), notify.NewDispatcher(notify.LogSink{}))

	a, err := issuer.IssueFree(context.Background(), "user-1", "a@example.com")
	if err != nil {
		t.Fatalf("IssueFree failed: %v", err)
	}
	b, err := issuer.IssueFree(context.Background(), "user-2", "b@example.com")
	if err != nil {
		t.Fatalf("IssueFree failed: %v", err)
	}
	if a.Key == b.Key || a.ID == b.ID {
		t.Errorf("Issued licenses collide: %s/%s", a.Key, b.Key)
	}
}
