// Package quota meters license usage against plan limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/storage"
)

var ErrLicenseNotFound = errors.New("quota: license not found")

// ErrInvalidIncrement marks requests that can never succeed as sent:
// a non-positive amount or a counter the plan does not meter. Handlers
// distinguish these from transient storage faults.
var ErrInvalidIncrement = errors.New("quota: invalid increment request")

// ExceededError is a user-facing outcome, not a fault: callers branch on
// it. The counter is guaranteed unchanged when it is returned.
type ExceededError struct {
	Counter string
	Limit   int64
	Used    int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d", e.Counter, e.Used, e.Limit)
}

type Ledger struct {
	store   storage.Storage
	catalog *catalog.Catalog
	now     func() time.Time
}

func NewLedger(store storage.Storage, cat *catalog.Catalog) *Ledger {
	return &Ledger{
		store:   store,
		catalog: cat,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TryIncrement bumps the named counter by amount if the plan limit allows,
// returning the new value. The limit is resolved from the license's plan
// at call time, then checked-and-applied in one atomic storage operation:
// a racing plan change yields either the old or the new limit, never a
// torn one, and concurrent callers can never jointly overshoot.
func (l *Ledger) TryIncrement(ctx context.Context, licenseID, counter string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidIncrement, amount)
	}

	license, err := l.store.GetLicense(ctx, licenseID)
	if err != nil {
		return 0, fmt.Errorf("failed to load license: %w", err)
	}
	if license == nil {
		return 0, ErrLicenseNotFound
	}

	ent, err := l.catalog.Resolve(license.Plan)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve plan for license %s: %w", licenseID, err)
	}
	limit, err := catalog.CounterLimit(ent.Restrictions, counter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidIncrement, err)
	}

	value, ok, err := l.store.IncrementUsage(ctx, licenseID, counter, amount, limit, l.now())
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	if !ok {
		logger.Debug("Usage increment rejected", map[string]interface{}{
			"license_id": licenseID,
			"counter":    counter,
			"limit":      limit,
			"used":       value,
		})
		return value, &ExceededError{Counter: counter, Limit: limit, Used: value}
	}
	return value, nil
}
