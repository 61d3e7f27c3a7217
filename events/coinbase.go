package events

import (
	"encoding/json"
	"fmt"
	"time"

	"mycelium-ei-lang.com/cloud/models"
)

// coinbasePayload is the Coinbase Commerce webhook envelope. Charge
// metadata carries the contract our checkout flow writes: user_id, plan,
// duration_months, user_email, company.
type coinbasePayload struct {
	Event struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		CreatedAt string `json:"created_at"`
		Data      struct {
			ID       string            `json:"id"`
			Code     string            `json:"code"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"event"`
}

// NormalizeCoinbase maps a verified Coinbase Commerce payload onto the
// internal vocabulary.
func NormalizeCoinbase(payload []byte) (Normalized, error) {
	var body coinbasePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return Normalized{}, fmt.Errorf("failed to parse coinbase payload: %w", err)
	}
	if body.Event.ID == "" {
		return Normalized{}, fmt.Errorf("coinbase: %w", ErrMissingEventID)
	}

	ts, err := time.Parse(time.RFC3339, body.Event.CreatedAt)
	if err != nil {
		return Normalized{}, fmt.Errorf("bad coinbase event timestamp %q: %w", body.Event.CreatedAt, err)
	}

	n := Normalized{
		Provider:          ProviderCoinbase,
		ExternalEventID:   body.Event.ID,
		ProviderTimestamp: ts.UTC(),
		PaymentMethod:     models.PaymentMethodCrypto,
	}

	switch body.Event.Type {
	case "charge:confirmed":
		n.Type = TypeChargeConfirmed
	case "charge:failed":
		n.Type = TypePaymentFailed
	default:
		return Normalized{}, fmt.Errorf("coinbase %w: %q", ErrUnrecognizedEvent, body.Event.Type)
	}

	n.CorrelationID = body.Event.Data.Code
	if n.CorrelationID == "" {
		n.CorrelationID = body.Event.Data.ID
	}
	if n.CorrelationID == "" {
		return Normalized{}, fmt.Errorf("coinbase %s: %w", body.Event.Type, ErrMissingCorrelation)
	}

	meta := body.Event.Data.Metadata
	n.PlanHint = planHint(meta)
	n.DurationMonths = durationMonths(meta)
	n.Customer = Identity{
		UserID:  meta["user_id"],
		Email:   meta["user_email"],
		Company: meta["company"],
	}
	return n, nil
}
