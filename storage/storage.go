package storage

import (
	"context"
	"errors"
	"time"

	"mycelium-ei-lang.com/cloud/models"
)

var (
	// ErrConflict means an optimistic update lost the race: the license
	// revision on disk no longer matches the loaded snapshot, or a
	// concurrent insert claimed the same key or correlation id.
	ErrConflict = errors.New("storage: revision conflict")

	// ErrDuplicateEvent means the dedupe ledger already holds this
	// external event id. The unique constraint is the second line of
	// defense behind the coordinator's dedupe check.
	ErrDuplicateEvent = errors.New("storage: webhook event already recorded")

	// ErrUnknownCounter rejects usage counters outside the fixed set.
	ErrUnknownCounter = errors.New("storage: unknown usage counter")
)

// Storage is the persistence interface for licenses and the webhook
// dedupe ledger. Lookups return (nil, nil) when nothing matches.
type Storage interface {
	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicenseByCorrelation(ctx context.Context, correlationID string) (*models.License, error)

	// SaveLicense inserts a brand-new license (the registration path).
	SaveLicense(ctx context.Context, license *models.License) error

	GetWebhookEvent(ctx context.Context, externalEventID string) (*models.WebhookEvent, error)

	// ApplyReconciliation persists a reconciliation outcome atomically:
	// the license snapshot (nil when the event changed nothing) and the
	// dedupe-ledger entry commit or fail together. License writes are
	// guarded by the snapshot's revision; on success the snapshot's
	// revision is bumped in place.
	ApplyReconciliation(ctx context.Context, license *models.License, entry *models.WebhookEvent) error

	// IncrementUsage atomically checks the limit and bumps the named
	// counter. It returns (newValue, true) on success and the unchanged
	// current value with ok=false when the limit would be exceeded. A
	// limit of models.Unlimited bypasses the check.
	IncrementUsage(ctx context.Context, licenseID, counter string, amount, limit int64, now time.Time) (int64, bool, error)

	Close() error
}
