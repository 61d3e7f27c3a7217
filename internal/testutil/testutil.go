// Package testutil provides shared fixtures for handler and integration
// tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mycelium-ei-lang.com/cloud/events"
	"mycelium-ei-lang.com/cloud/handlers"
	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/licensekey"
	"mycelium-ei-lang.com/cloud/internal/notify"
	"mycelium-ei-lang.com/cloud/internal/verify"
	"mycelium-ei-lang.com/cloud/models"
	"mycelium-ei-lang.com/cloud/quota"
	"mycelium-ei-lang.com/cloud/reconcile"
	"mycelium-ei-lang.com/cloud/storage"
)

// NewServer wires a full server around in-memory storage with signature
// verification disabled.
func NewServer(store storage.Storage) *handlers.Server {
	cat := catalog.Default()
	dispatcher := notify.NewDispatcher(notify.LogSink{})
	verifiers := map[string]verify.Verifier{
		events.ProviderStripe:   verify.Insecure{},
		events.ProviderCoinbase: verify.Insecure{},
	}
	coordinator := reconcile.NewCoordinator(store, cat, verifiers, dispatcher)
	issuer := reconcile.NewIssuer(store, cat, dispatcher)
	ledger := quota.NewLedger(store, cat)
	return handlers.NewHTTPServer(store, coordinator, issuer, ledger, cat, "test")
}

// SaveTestLicense builds and persists a license on the given plan.
func SaveTestLicense(t *testing.T, store storage.Storage, id string, plan models.Plan, correlationID string) *models.License {
	t.Helper()

	cat := catalog.Default()
	ent, err := cat.Resolve(plan)
	if err != nil {
		t.Fatalf("Failed to resolve plan %s: %v", plan, err)
	}

	key, err := licensekey.Generate(plan, id)
	if err != nil {
		t.Fatalf("Failed to generate key for plan %s: %v", plan, err)
	}

	now := time.Now().UTC()
	license := &models.License{
		ID:           id,
		UserID:       "user-" + id,
		Key:          key,
		Plan:         plan,
		Status:       models.StatusActive,
		IssuedAt:     now,
		ExpiresAt:    now.AddDate(1, 0, 0),
		Features:     ent.Features,
		Restrictions: ent.Restrictions,
		Metadata: models.Metadata{
			CorrelationID: correlationID,
			CustomerEmail: id + "@example.com",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveLicense(context.Background(), license); err != nil {
		t.Fatalf("Failed to save license %s: %v", id, err)
	}
	return license
}

// StripeEvent builds a Stripe webhook envelope the normalizer accepts.
func StripeEvent(eventID, eventType string, created time.Time, object map[string]interface{}) []byte {
	payload, err := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"type":    eventType,
		"created": created.Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	})
	if err != nil {
		panic(err)
	}
	return payload
}

// CheckoutSession builds the checkout.session.completed object body.
func CheckoutSession(sessionID, subscriptionID, email, plan string) map[string]interface{} {
	return map[string]interface{}{
		"id":           sessionID,
		"subscription": subscriptionID,
		"customer_details": map[string]interface{}{
			"email": email,
		},
		"metadata": map[string]interface{}{
			"plan":          plan,
			"billing_cycle": "monthly",
		},
	}
}

// Invoice builds an invoice object body with a subscription reference.
func Invoice(invoiceID, subscriptionID, billingReason string) map[string]interface{} {
	return map[string]interface{}{
		"id":             invoiceID,
		"subscription":   subscriptionID,
		"billing_reason": billingReason,
	}
}

// CoinbaseEvent builds a Coinbase Commerce webhook envelope.
func CoinbaseEvent(eventID, eventType, chargeCode string, created time.Time, metadata map[string]string) []byte {
	payload, err := json.Marshal(map[string]interface{}{
		"event": map[string]interface{}{
			"id":         eventID,
			"type":       eventType,
			"created_at": created.Format(time.RFC3339),
			"data": map[string]interface{}{
				"id":       "charge-uuid-" + chargeCode,
				"code":     chargeCode,
				"metadata": metadata,
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return payload
}

// PostWebhook delivers a payload through the full router.
func PostWebhook(t *testing.T, server *handlers.Server, provider string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+provider, bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// PostJSON posts a JSON body to the given path through the router.
func PostJSON(t *testing.T, server *handlers.Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}
