package models

import "time"

// EventOutcome records how a webhook delivery was settled. Entries are
// written once and never mutated; redeliveries short-circuit on them.
type EventOutcome string

const (
	OutcomeApplied        EventOutcome = "applied"
	OutcomeDiscardedStale EventOutcome = "discarded_stale"
)

// WebhookEvent is a dedupe-ledger entry, keyed by the provider-issued
// event id. It is not user-facing.
type WebhookEvent struct {
	ExternalEventID   string
	Provider          string
	CorrelationID     string
	Type              string
	ProviderTimestamp time.Time
	Outcome           EventOutcome
	RecordedAt        time.Time
}
