// Package notify delivers side-effect intents produced by reconciliation.
// Delivery is fire-and-forget: a lost notification never rolls back a
// persisted license change, and sinks must tolerate duplicate intents.
package notify

import (
	"context"
	"fmt"
	"time"

	"mycelium-ei-lang.com/cloud/internal/email"
	"mycelium-ei-lang.com/cloud/internal/logger"
)

const (
	IntentLicenseIssued      = "license_issued"
	IntentLicenseSuspended   = "license_suspended"
	IntentLicenseReactivated = "license_reactivated"
	IntentLicenseCancelled   = "license_cancelled"
)

// Intent describes one notification to deliver. DedupeKey is stable
// across redeliveries of the triggering event, so idempotent sinks can
// drop duplicates.
type Intent struct {
	Type       string
	DedupeKey  string
	LicenseID  string
	LicenseKey string
	Plan       string
	Email      string
}

type Sink interface {
	Deliver(ctx context.Context, intent Intent) error
}

// Dispatcher fans intents out to a sink on background goroutines.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
}

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{sink: sink, timeout: 30 * time.Second}
}

// Dispatch hands the intent to the sink and returns immediately. Failures
// are logged, never propagated.
func (d *Dispatcher) Dispatch(intent Intent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Deliver(ctx, intent); err != nil {
			logger.Error("Failed to deliver notification intent", map[string]interface{}{
				"error":      err.Error(),
				"intent":     intent.Type,
				"dedupe_key": intent.DedupeKey,
				"license_id": intent.LicenseID,
			})
			return
		}
		logger.Debug("Notification intent delivered", map[string]interface{}{
			"intent":     intent.Type,
			"dedupe_key": intent.DedupeKey,
		})
	}()
}

// EmailSink sends customer-facing mail over SMTP.
type EmailSink struct{}

func (EmailSink) Deliver(ctx context.Context, intent Intent) error {
	if intent.Email == "" {
		logger.Warn("Notification intent has no email address", map[string]interface{}{
			"intent":     intent.Type,
			"license_id": intent.LicenseID,
		})
		return nil
	}

	subject, body := composeEmail(intent)
	return email.Send(intent.Email, subject, body)
}

func composeEmail(intent Intent) (string, string) {
	switch intent.Type {
	case IntentLicenseIssued:
		return "Your Mycelium license key",
			fmt.Sprintf(`Hello,

Thank you for choosing Mycelium-EI-Lang! Your %s license is ready.

LICENSE DETAILS
License Key: %s
Plan: %s

GETTING STARTED
1. Install the Mycelium toolchain
2. Run: myc license activate %s
3. Start compiling!

Questions? Reply to this email.

The Mycelium Team`, intent.Plan, intent.LicenseKey, intent.Plan, intent.LicenseKey)
	case IntentLicenseSuspended:
		return "Action needed: payment failed for your Mycelium subscription",
			"Hello,\n\nA payment for your Mycelium subscription failed and your license is suspended. " +
				"Update your payment method to restore access.\n\nThe Mycelium Team"
	case IntentLicenseReactivated:
		return "Your Mycelium license is active again",
			"Hello,\n\nPayment received - your Mycelium license is active again. Thanks!\n\nThe Mycelium Team"
	case IntentLicenseCancelled:
		return "Your Mycelium subscription has ended",
			"Hello,\n\nYour Mycelium subscription has been cancelled. " +
				"You can re-subscribe any time at mycelium-ei-lang.com.\n\nThe Mycelium Team"
	default:
		return "Mycelium license update", "Your Mycelium license state changed: " + intent.Type
	}
}

// LogSink records intents in the log stream. Used when SMTP is not
// configured and as the test sink.
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, intent Intent) error {
	logger.Info("Notification intent", map[string]interface{}{
		"intent":     intent.Type,
		"dedupe_key": intent.DedupeKey,
		"license_id": intent.LicenseID,
		"plan":       intent.Plan,
	})
	return nil
}
