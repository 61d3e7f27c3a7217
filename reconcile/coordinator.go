// Package reconcile keeps license state consistent with the payment
// providers, driven entirely by at-least-once, possibly out-of-order
// webhook deliveries.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"mycelium-ei-lang.com/cloud/events"
	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/licensekey"
	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/internal/notify"
	"mycelium-ei-lang.com/cloud/internal/verify"
	"mycelium-ei-lang.com/cloud/models"
	"mycelium-ei-lang.com/cloud/storage"
)

// Code classifies how a webhook delivery was settled.
type Code string

const (
	// Accepted outcomes: the provider should stop retrying.
	CodeApplied Code = "applied"
	CodeReplay  Code = "replay"
	CodeStale   Code = "stale"
	CodeDropped Code = "dropped"

	// Rejections the provider should not retry (it will anyway; we stay
	// idempotent).
	CodeBadSignature Code = "bad_signature"
	CodeMalformed    Code = "malformed"

	// Transient rejections: retry welcome.
	CodeBusy      Code = "busy"
	CodeTransient Code = "transient"
)

type Result struct {
	Code Code
	Err  error
}

// Accepted reports whether the delivery is settled from the provider's
// point of view.
func (r Result) Accepted() bool {
	switch r.Code {
	case CodeApplied, CodeReplay, CodeStale, CodeDropped:
		return true
	}
	return false
}

// Stats is a snapshot of the coordinator's delivery counters.
type Stats struct {
	Applied  int64 `json:"applied"`
	Replayed int64 `json:"replayed"`
	Stale    int64 `json:"stale"`
	Dropped  int64 `json:"dropped"`
	Rejected int64 `json:"rejected"`
}

const (
	defaultLockTimeout = 10 * time.Second
	defaultMaxRetries  = 3
	defaultTermMonths  = 1
)

// Coordinator orchestrates verify -> normalize -> dedupe -> lock ->
// state machine -> persist -> notify for every webhook delivery.
type Coordinator struct {
	store      storage.Storage
	catalog    *catalog.Catalog
	verifiers  map[string]verify.Verifier
	dispatcher *notify.Dispatcher
	locks      *keyLocks

	lockTimeout time.Duration
	maxRetries  int
	now         func() time.Time

	applied  atomic.Int64
	replayed atomic.Int64
	stale    atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

func NewCoordinator(store storage.Storage, cat *catalog.Catalog, verifiers map[string]verify.Verifier, dispatcher *notify.Dispatcher) *Coordinator {
	return &Coordinator{
		store:       store,
		catalog:     cat,
		verifiers:   verifiers,
		dispatcher:  dispatcher,
		locks:       newKeyLocks(),
		lockTimeout: defaultLockTimeout,
		maxRetries:  defaultMaxRetries,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Applied:  c.applied.Load(),
		Replayed: c.replayed.Load(),
		Stale:    c.stale.Load(),
		Dropped:  c.dropped.Load(),
		Rejected: c.rejected.Load(),
	}
}

// Handle settles one webhook delivery. It is safe to call concurrently;
// deliveries for the same correlation id are serialized by a per-key
// lock, everything else runs in parallel.
func (c *Coordinator) Handle(ctx context.Context, provider string, payload []byte, signature string) Result {
	verifier, ok := c.verifiers[provider]
	if !ok {
		c.rejected.Inc()
		return Result{Code: CodeMalformed, Err: fmt.Errorf("no verifier for provider %q", provider)}
	}

	if err := verifier.Verify(payload, signature); err != nil {
		c.rejected.Inc()
		logger.Warn("Webhook signature rejected", map[string]interface{}{
			"provider": provider,
		})
		return Result{Code: CodeBadSignature, Err: err}
	}

	evt, err := events.Normalize(provider, payload)
	if err != nil {
		c.rejected.Inc()
		logger.Warn("Webhook payload rejected by normalizer", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
		return Result{Code: CodeMalformed, Err: err}
	}

	// Fast idempotent replay: already settled deliveries short-circuit
	// before any locking.
	prior, err := c.store.GetWebhookEvent(ctx, evt.ExternalEventID)
	if err != nil {
		return Result{Code: CodeTransient, Err: fmt.Errorf("dedupe lookup failed: %w", err)}
	}
	if prior != nil {
		c.replayed.Inc()
		logger.Debug("Webhook replay ignored", map[string]interface{}{
			"provider": provider,
			"event_id": evt.ExternalEventID,
			"outcome":  string(prior.Outcome),
		})
		return Result{Code: CodeReplay}
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	if err := c.locks.acquire(lockCtx, evt.CorrelationID); err != nil {
		logger.Warn("Reconciliation lock wait timed out", map[string]interface{}{
			"provider":       provider,
			"correlation_id": evt.CorrelationID,
		})
		return Result{Code: CodeBusy, Err: err}
	}
	defer c.locks.release(evt.CorrelationID)

	var result Result
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var conflict bool
		result, conflict = c.reconcile(ctx, evt)
		if !conflict {
			return result
		}
		logger.Warn("Reconciliation hit a persistence conflict, retrying", map[string]interface{}{
			"correlation_id": evt.CorrelationID,
			"event_id":       evt.ExternalEventID,
			"attempt":        attempt + 1,
		})
	}
	return Result{Code: CodeTransient, Err: fmt.Errorf("persistence conflict retries exhausted for %s", evt.CorrelationID)}
}

// reconcile runs one optimistic attempt. The second return value asks the
// caller to retry after a revision conflict.
func (c *Coordinator) reconcile(ctx context.Context, evt events.Normalized) (Result, bool) {
	license, err := c.store.FindLicenseByCorrelation(ctx, evt.CorrelationID)
	if err != nil {
		return Result{Code: CodeTransient, Err: fmt.Errorf("license lookup failed: %w", err)}, false
	}

	if license == nil {
		return c.reconcileNew(ctx, evt)
	}
	return c.reconcileExisting(ctx, evt, license)
}

func (c *Coordinator) reconcileNew(ctx context.Context, evt events.Normalized) (Result, bool) {
	if !evt.Type.CreatesLicense() {
		c.dropped.Inc()
		// A non-creation event for a correlation id we have never seen
		// means a prior delivery went missing. Surface loudly, change
		// nothing, and let the provider's next delivery fill the gap.
		logger.Error("Event for unknown correlation id dropped", map[string]interface{}{
			"provider":       evt.Provider,
			"event_type":     string(evt.Type),
			"event_id":       evt.ExternalEventID,
			"correlation_id": evt.CorrelationID,
		})
		return Result{Code: CodeDropped}, false
	}

	license, err := c.newLicense(evt)
	if err != nil {
		c.dropped.Inc()
		logger.Error("Creation event dropped", map[string]interface{}{
			"provider":       evt.Provider,
			"event_id":       evt.ExternalEventID,
			"correlation_id": evt.CorrelationID,
			"error":          err.Error(),
		})
		return Result{Code: CodeDropped, Err: err}, false
	}

	entry := ledgerEntry(evt, models.OutcomeApplied)
	if res, retry, done := c.persist(ctx, license, entry); done {
		return res, retry
	}

	c.applied.Inc()
	logger.Info("License created from webhook", map[string]interface{}{
		"license_id":     license.ID,
		"plan":           string(license.Plan),
		"payment_method": string(license.Metadata.PaymentMethod),
		"correlation_id": evt.CorrelationID,
		"event_id":       evt.ExternalEventID,
	})
	c.dispatcher.Dispatch(notify.Intent{
		Type:       notify.IntentLicenseIssued,
		DedupeKey:  evt.ExternalEventID + ":" + notify.IntentLicenseIssued,
		LicenseID:  license.ID,
		LicenseKey: license.Key,
		Plan:       string(license.Plan),
		Email:      license.Metadata.CustomerEmail,
	})
	return Result{Code: CodeApplied}, false
}

func (c *Coordinator) reconcileExisting(ctx context.Context, evt events.Normalized, license *models.License) (Result, bool) {
	now := c.now()

	// Ordering rule: an event not strictly newer than the last applied
	// one changes nothing, but is still recorded so redelivery is cheap.
	if !evt.ProviderTimestamp.After(license.LastAppliedEventTime) {
		entry := ledgerEntry(evt, models.OutcomeDiscardedStale)
		if res, retry, done := c.persist(ctx, nil, entry); done {
			return res, retry
		}
		c.stale.Inc()
		logger.Info("Stale webhook event discarded", map[string]interface{}{
			"event_id":       evt.ExternalEventID,
			"correlation_id": evt.CorrelationID,
			"event_time":     evt.ProviderTimestamp,
			"last_applied":   license.LastAppliedEventTime,
		})
		return Result{Code: CodeStale}, false
	}

	previous := license.EffectiveStatus(now)
	outcome := Transition(previous, evt.Type)
	if outcome.Unhandled {
		logger.Info("Unhandled transition", map[string]interface{}{
			"event_type":     string(evt.Type),
			"status":         string(previous),
			"correlation_id": evt.CorrelationID,
		})
	}

	license.Status = outcome.Next
	if outcome.ExtendExpiry {
		license.ExpiresAt = extendExpiry(license.ExpiresAt, now, c.termMonths(evt))
	}
	if err := c.applyPlanHint(license, evt); err != nil {
		logger.Warn("Ignoring unknown plan hint", map[string]interface{}{
			"plan_hint":      string(evt.PlanHint),
			"correlation_id": evt.CorrelationID,
			"error":          err.Error(),
		})
	}
	if evt.Customer.Email != "" {
		license.Metadata.CustomerEmail = evt.Customer.Email
	}
	if evt.Customer.Company != "" {
		license.Metadata.CompanyName = evt.Customer.Company
	}
	license.LastAppliedEventTime = evt.ProviderTimestamp
	license.UpdatedAt = now

	entry := ledgerEntry(evt, models.OutcomeApplied)
	if res, retry, done := c.persist(ctx, license, entry); done {
		return res, retry
	}

	c.applied.Inc()
	logger.Info("Webhook event applied", map[string]interface{}{
		"event_id":       evt.ExternalEventID,
		"event_type":     string(evt.Type),
		"correlation_id": evt.CorrelationID,
		"status_before":  string(previous),
		"status_after":   string(license.Status),
	})

	if outcome.Changed {
		c.notifyTransition(evt, license, previous)
	}
	return Result{Code: CodeApplied}, false
}

// persist writes the snapshot and ledger entry atomically. done=false
// means success; done=true carries either a settled result or, with
// retry=true, a revision conflict the caller should rerun.
func (c *Coordinator) persist(ctx context.Context, license *models.License, entry *models.WebhookEvent) (Result, bool, bool) {
	err := c.store.ApplyReconciliation(ctx, license, entry)
	if err == nil {
		return Result{}, false, false
	}
	if errors.Is(err, storage.ErrDuplicateEvent) {
		// Lost the race against a concurrent delivery of the same event:
		// the storage unique constraint is the second line of defense.
		c.replayed.Inc()
		return Result{Code: CodeReplay}, false, true
	}
	if errors.Is(err, storage.ErrConflict) {
		return Result{}, true, true
	}
	return Result{Code: CodeTransient, Err: fmt.Errorf("failed to persist reconciliation: %w", err)}, false, true
}

func (c *Coordinator) newLicense(evt events.Normalized) (*models.License, error) {
	if evt.PlanHint == "" {
		return nil, fmt.Errorf("creation event %s carries no plan", evt.ExternalEventID)
	}
	ent, err := c.catalog.Resolve(evt.PlanHint)
	if err != nil {
		return nil, err
	}

	now := c.now()
	id := uuid.Must(uuid.NewRandom()).String()
	key, err := licensekey.Generate(evt.PlanHint, id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	return &models.License{
		ID:                   id,
		UserID:               evt.Customer.UserID,
		Key:                  key,
		Plan:                 evt.PlanHint,
		Status:               models.StatusActive,
		IssuedAt:             now,
		ExpiresAt:            now.AddDate(0, c.termMonths(evt), 0),
		LastAppliedEventTime: evt.ProviderTimestamp,
		Features:             ent.Features,
		Restrictions:         ent.Restrictions,
		Metadata: models.Metadata{
			PaymentMethod: evt.PaymentMethod,
			CorrelationID: evt.CorrelationID,
			CustomerEmail: evt.Customer.Email,
			CompanyName:   evt.Customer.Company,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// applyPlanHint re-resolves features and restrictions when the event
// carries a plan change. This is a side channel, not a transition.
func (c *Coordinator) applyPlanHint(license *models.License, evt events.Normalized) error {
	if evt.PlanHint == "" || evt.PlanHint == license.Plan {
		return nil
	}
	ent, err := c.catalog.Resolve(evt.PlanHint)
	if err != nil {
		return err
	}
	logger.Info("Plan change applied", map[string]interface{}{
		"license_id": license.ID,
		"plan_from":  string(license.Plan),
		"plan_to":    string(evt.PlanHint),
	})
	license.Plan = evt.PlanHint
	license.Features = ent.Features
	license.Restrictions = ent.Restrictions
	return nil
}

func (c *Coordinator) notifyTransition(evt events.Normalized, license *models.License, previous models.Status) {
	var intentType string
	switch license.Status {
	case models.StatusSuspended:
		intentType = notify.IntentLicenseSuspended
	case models.StatusCancelled:
		intentType = notify.IntentLicenseCancelled
	case models.StatusActive:
		if previous == models.StatusSuspended || previous == models.StatusExpired {
			intentType = notify.IntentLicenseReactivated
		}
	}
	if intentType == "" {
		return
	}
	c.dispatcher.Dispatch(notify.Intent{
		Type:       intentType,
		DedupeKey:  evt.ExternalEventID + ":" + intentType,
		LicenseID:  license.ID,
		LicenseKey: license.Key,
		Plan:       string(license.Plan),
		Email:      license.Metadata.CustomerEmail,
	})
}

func (c *Coordinator) termMonths(evt events.Normalized) int {
	if evt.DurationMonths > 0 {
		return evt.DurationMonths
	}
	return defaultTermMonths
}

// extendExpiry pushes expiry forward from its current value, or from now
// when the license already lapsed.
func extendExpiry(current, now time.Time, months int) time.Time {
	base := current
	if base.Before(now) {
		base = now
	}
	return base.AddDate(0, months, 0)
}

func ledgerEntry(evt events.Normalized, outcome models.EventOutcome) *models.WebhookEvent {
	return &models.WebhookEvent{
		ExternalEventID:   evt.ExternalEventID,
		Provider:          evt.Provider,
		CorrelationID:     evt.CorrelationID,
		Type:              string(evt.Type),
		ProviderTimestamp: evt.ProviderTimestamp,
		Outcome:           outcome,
	}
}
