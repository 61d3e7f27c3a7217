// Package events maps provider-specific webhook payloads onto the single
// internal event vocabulary consumed by the reconciliation machinery.
package events

import (
	"errors"
	"fmt"
	"time"

	"mycelium-ei-lang.com/cloud/models"
)

const (
	ProviderStripe   = "stripe"
	ProviderCoinbase = "coinbase"
)

// Type is the internal event vocabulary. Provider taxonomies are folded
// into these six values; nothing downstream ever branches on a raw
// provider event string.
type Type string

const (
	TypePaymentFailed       Type = "payment_failed"
	TypePaymentSucceeded    Type = "payment_succeeded"
	TypeSubscriptionDeleted Type = "subscription_deleted"
	TypeSubscriptionRenewed Type = "subscription_renewed"
	// TypeChargeConfirmed is the crypto-side creation event: a confirmed
	// Coinbase Commerce charge for a correlation id we may never have seen.
	TypeChargeConfirmed Type = "charge_confirmed"
	// TypeCheckoutCompleted is the card-side creation event, from Stripe
	// checkout.session.completed.
	TypeCheckoutCompleted Type = "checkout_completed"
)

// CreatesLicense reports whether an event of this type may create a
// license for an unknown correlation id.
func (t Type) CreatesLicense() bool {
	return t == TypeChargeConfirmed || t == TypeCheckoutCompleted
}

// Identity carries the customer identity attached to provider metadata.
type Identity struct {
	UserID  string
	Email   string
	Company string
}

// Normalized is the provider-independent event shape.
type Normalized struct {
	Provider        string
	ExternalEventID string
	CorrelationID   string
	Type            Type
	// ProviderTimestamp orders events within a correlation id. It is the
	// provider's clock, not ours.
	ProviderTimestamp time.Time
	// PlanHint, when non-empty, asks the coordinator to re-resolve the
	// plan. It is a side-channel field, not a transition.
	PlanHint models.Plan
	// DurationMonths extends expiry on renewal-like events. Zero means the
	// provider said nothing; the coordinator applies its default.
	DurationMonths int
	PaymentMethod  models.PaymentMethod
	Customer       Identity
}

// Normalization failures. The coordinator logs and drops these; it never
// guesses at a half-parsed payload.
var (
	ErrUnknownProvider    = errors.New("unknown webhook provider")
	ErrUnrecognizedEvent  = errors.New("unrecognized event type")
	ErrMissingCorrelation = errors.New("payload has no correlation id")
	ErrMissingEventID     = errors.New("payload has no event id")
)

// Normalize parses a verified raw payload from the named provider.
func Normalize(provider string, payload []byte) (Normalized, error) {
	switch provider {
	case ProviderStripe:
		return NormalizeStripe(payload)
	case ProviderCoinbase:
		return NormalizeCoinbase(payload)
	default:
		return Normalized{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}
