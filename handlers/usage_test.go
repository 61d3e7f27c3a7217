package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"mycelium-ei-lang.com/cloud/handlers"
	"mycelium-ei-lang.com/cloud/internal/testutil"
	"mycelium-ei-lang.com/cloud/models"
	"mycelium-ei-lang.com/cloud/storage"
)

func TestIncrementUsage(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewServer(store)
	testutil.SaveTestLicense(t, store, "lic1", models.PlanFree, "sub_1")

	body := map[string]interface{}{
		"license_id": "lic1",
		"counter":    models.CounterCompilations,
		"amount":     5,
	}
	w := testutil.PostJSON(t, server, "/api/v1/usage/increment", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.UsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Counter != models.CounterCompilations || resp.Value != 5 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestIncrementUsage_DefaultsAmountToOne(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewServer(store)
	testutil.SaveTestLicense(t, store, "lic1", models.PlanFree, "sub_1")

	w := testutil.PostJSON(t, server, "/api/v1/usage/increment", map[string]string{
		"license_id": "lic1",
		"counter":    models.CounterAPICalls,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp handlers.UsageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Value != 1 {
		t.Errorf("Expected value 1, got %d", resp.Value)
	}
}

func TestIncrementUsage_QuotaExceeded(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewServer(store)

	license := testutil.SaveTestLicense(t, store, "lic1", models.PlanFree, "sub_1")
	license.Usage.Compilations = 100
	store.Licenses[license.ID] = *license

	w := testutil.PostJSON(t, server, "/api/v1/usage/increment", map[string]interface{}{
		"license_id": "lic1",
		"counter":    models.CounterCompilations,
		"amount":     1,
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.QuotaExceededResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error != "quota_exceeded" || resp.Limit != 100 || resp.Used != 100 {
		t.Errorf("Unexpected quota response: %+v", resp)
	}

	// The refusal left the counter alone.
	if store.Licenses["lic1"].Usage.Compilations != 100 {
		t.Errorf("Refused increment moved the counter")
	}
}

func TestIncrementUsage_Errors(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewServer(store)
	testutil.SaveTestLicense(t, store, "lic1", models.PlanFree, "sub_1")

	t.Run("unknown license", func(t *testing.T) {
		w := testutil.PostJSON(t, server, "/api/v1/usage/increment", map[string]string{
			"license_id": "ghost",
			"counter":    models.CounterCompilations,
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", w.Code)
		}
	})

	t.Run("unknown counter", func(t *testing.T) {
		w := testutil.PostJSON(t, server, "/api/v1/usage/increment", map[string]string{
			"license_id": "lic1",
			"counter":    "disk_usage",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		w := testutil.PostJSON(t, server, "/api/v1/usage/increment", map[string]string{})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})
}

// flakyUsageStorage fails counter writes to stand in for a database
// that went away mid-request.
type flakyUsageStorage struct {
	*storage.MemoryStorage
}

func (s *flakyUsageStorage) IncrementUsage(ctx context.Context, licenseID, counter string, amount, limit int64, now time.Time) (int64, bool, error) {
	return 0, false, errors.New("database is locked")
}

func TestIncrementUsage_StorageFaultIsServerError(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewServer(&flakyUsageStorage{MemoryStorage: store})
	testutil.SaveTestLicense(t, store, "lic1", models.PlanFree, "sub_1")

	w := testutil.PostJSON(t, server, "/api/v1/usage/increment", map[string]interface{}{
		"license_id": "lic1",
		"counter":    models.CounterCompilations,
		"amount":     1,
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("A persistence fault must map to 500, got %d: %s", w.Code, w.Body.String())
	}
}
