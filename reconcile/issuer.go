package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/licensekey"
	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/internal/notify"
	"mycelium-ei-lang.com/cloud/models"
	"mycelium-ei-lang.com/cloud/storage"
)

// Free licenses run for a year before lazy expiry kicks in.
const freeTermDays = 365

// Issuer creates licenses outside the webhook path: every new user
// registration gets a free-tier license immediately.
type Issuer struct {
	store      storage.Storage
	catalog    *catalog.Catalog
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

func NewIssuer(store storage.Storage, cat *catalog.Catalog, dispatcher *notify.Dispatcher) *Issuer {
	return &Issuer{
		store:      store,
		catalog:    cat,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// IssueFree creates and persists a free-tier license for a newly
// registered user.
func (i *Issuer) IssueFree(ctx context.Context, userID, email string) (*models.License, error) {
	ent, err := i.catalog.Resolve(models.PlanFree)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve free plan: %w", err)
	}

	now := i.now()
	id := uuid.Must(uuid.NewRandom()).String()
	key, err := licensekey.Generate(models.PlanFree, id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	license := &models.License{
		ID:           id,
		UserID:       userID,
		Key:          key,
		Plan:         models.PlanFree,
		Status:       models.StatusActive,
		IssuedAt:     now,
		ExpiresAt:    now.AddDate(0, 0, freeTermDays),
		Features:     ent.Features,
		Restrictions: ent.Restrictions,
		Metadata: models.Metadata{
			CustomerEmail: email,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := i.store.SaveLicense(ctx, license); err != nil {
		return nil, fmt.Errorf("failed to save license: %w", err)
	}

	logger.Info("Free license issued", map[string]interface{}{
		"license_id": license.ID,
		"user_id":    userID,
	})
	i.dispatcher.Dispatch(notify.Intent{
		Type:       notify.IntentLicenseIssued,
		DedupeKey:  "registration:" + license.ID,
		LicenseID:  license.ID,
		LicenseKey: license.Key,
		Plan:       string(license.Plan),
		Email:      email,
	})
	return license, nil
}
