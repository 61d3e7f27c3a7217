package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"

	"mycelium-ei-lang.com/cloud/models"
)

// invoicePayload is decoded by hand instead of through stripe.Invoice:
// the subscription reference moved between Stripe API versions, so we
// accept it both at the top level and under parent.subscription_details.
type invoicePayload struct {
	ID            string          `json:"id"`
	BillingReason string          `json:"billing_reason"`
	Subscription  json.RawMessage `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	CustomerEmail string `json:"customer_email"`
}

// NormalizeStripe maps a verified Stripe event payload onto the internal
// vocabulary.
func NormalizeStripe(payload []byte) (Normalized, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Normalized{}, fmt.Errorf("failed to parse stripe event: %w", err)
	}
	if event.ID == "" {
		return Normalized{}, fmt.Errorf("stripe: %w", ErrMissingEventID)
	}

	n := Normalized{
		Provider:          ProviderStripe,
		ExternalEventID:   event.ID,
		ProviderTimestamp: time.Unix(event.Created, 0).UTC(),
		PaymentMethod:     models.PaymentMethodCard,
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return Normalized{}, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		n.Type = TypeCheckoutCompleted
		if session.Subscription != nil && session.Subscription.ID != "" {
			n.CorrelationID = session.Subscription.ID
		} else {
			n.CorrelationID = session.ID
		}
		n.PlanHint = planHint(session.Metadata)
		n.DurationMonths = durationMonths(session.Metadata)
		if session.CustomerDetails != nil {
			n.Customer.Email = session.CustomerDetails.Email
			n.Customer.Company = session.CustomerDetails.Name
		}
		if n.Customer.Email == "" {
			n.Customer.Email = session.CustomerEmail
		}
		n.Customer.UserID = session.Metadata["user_id"]

	case "invoice.payment_failed":
		inv, err := parseInvoice(event.Data.Raw)
		if err != nil {
			return Normalized{}, err
		}
		n.Type = TypePaymentFailed
		n.CorrelationID = inv.subscriptionID()
		n.Customer.Email = inv.CustomerEmail

	case "invoice.payment_succeeded", "invoice.paid":
		inv, err := parseInvoice(event.Data.Raw)
		if err != nil {
			return Normalized{}, err
		}
		// A subscription_cycle invoice is the provider billing the next
		// period: that is a renewal, not a recovery.
		if inv.BillingReason == "subscription_cycle" {
			n.Type = TypeSubscriptionRenewed
		} else {
			n.Type = TypePaymentSucceeded
		}
		n.CorrelationID = inv.subscriptionID()
		n.PlanHint = planHint(inv.metadata())
		n.DurationMonths = durationMonths(inv.metadata())
		n.Customer.Email = inv.CustomerEmail

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return Normalized{}, fmt.Errorf("failed to parse subscription: %w", err)
		}
		n.Type = TypeSubscriptionDeleted
		n.CorrelationID = sub.ID
		n.Customer.UserID = sub.Metadata["user_id"]

	default:
		return Normalized{}, fmt.Errorf("stripe %w: %q", ErrUnrecognizedEvent, event.Type)
	}

	if n.CorrelationID == "" {
		return Normalized{}, fmt.Errorf("stripe %s: %w", event.Type, ErrMissingCorrelation)
	}
	return n, nil
}

func parseInvoice(raw json.RawMessage) (*invoicePayload, error) {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse invoice: %w", err)
	}
	return &inv, nil
}

func (inv *invoicePayload) subscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (inv *invoicePayload) metadata() map[string]string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Metadata
	}
	return nil
}

// expandableID unwraps a Stripe expandable reference, which is either a
// bare id string or an embedded object with an "id" field.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func planHint(metadata map[string]string) models.Plan {
	return models.Plan(metadata["plan"])
}

func durationMonths(metadata map[string]string) int {
	if v := metadata["duration_months"]; v != "" {
		if months, err := strconv.Atoi(v); err == nil && months > 0 {
			return months
		}
	}
	switch metadata["billing_cycle"] {
	case "yearly":
		return 12
	case "monthly":
		return 1
	}
	return 0
}
