package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mycelium-ei-lang.com/cloud/models"
)

// MemoryStorage is the in-memory backend used by tests and local runs.
// A single mutex serializes all access, which also gives the atomicity
// guarantees ApplyReconciliation and IncrementUsage promise.
type MemoryStorage struct {
	mu       sync.Mutex
	Licenses map[string]models.License
	Events   map[string]models.WebhookEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Licenses: make(map[string]models.License),
		Events:   make(map[string]models.WebhookEvent),
	}
}

func (m *MemoryStorage) init() {
	if m.Licenses == nil {
		m.Licenses = make(map[string]models.License)
	}
	if m.Events == nil {
		m.Events = make(map[string]models.WebhookEvent)
	}
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	license, exists := m.Licenses[id]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	for _, license := range m.Licenses {
		if license.Key == key {
			licenseCopy := license
			return &licenseCopy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLicenseByCorrelation(ctx context.Context, correlationID string) (*models.License, error) {
	if correlationID == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	for _, license := range m.Licenses {
		if license.Metadata.CorrelationID == correlationID {
			licenseCopy := license
			return &licenseCopy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if err := m.checkUnique(license); err != nil {
		return err
	}
	license.Revision = 1
	m.Licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) GetWebhookEvent(ctx context.Context, externalEventID string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	event, exists := m.Events[externalEventID]
	if !exists {
		return nil, nil
	}
	return &event, nil
}

func (m *MemoryStorage) ApplyReconciliation(ctx context.Context, license *models.License, entry *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if entry != nil {
		if _, exists := m.Events[entry.ExternalEventID]; exists {
			return ErrDuplicateEvent
		}
	}

	if license != nil {
		existing, exists := m.Licenses[license.ID]
		if exists {
			if existing.Revision != license.Revision {
				return ErrConflict
			}
		} else {
			if err := m.checkUnique(license); err != nil {
				return err
			}
		}
		license.Revision++
		m.Licenses[license.ID] = *license
	}

	if entry != nil {
		if entry.RecordedAt.IsZero() {
			entry.RecordedAt = time.Now().UTC()
		}
		m.Events[entry.ExternalEventID] = *entry
	}
	return nil
}

func (m *MemoryStorage) IncrementUsage(ctx context.Context, licenseID, counter string, amount, limit int64, now time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	license, exists := m.Licenses[licenseID]
	if !exists {
		return 0, false, fmt.Errorf("license %s not found", licenseID)
	}

	var current *int64
	switch counter {
	case models.CounterCompilations:
		current = &license.Usage.Compilations
	case models.CounterAPICalls:
		current = &license.Usage.APICalls
	default:
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownCounter, counter)
	}

	if limit != models.Unlimited && *current+amount > limit {
		return *current, false, nil
	}

	*current += amount
	license.Usage.LastUsed = now
	m.Licenses[licenseID] = license
	return *current, true, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// checkUnique enforces the key and correlation-id constraints the SQLite
// backend gets from its indexes. Caller holds the mutex.
func (m *MemoryStorage) checkUnique(license *models.License) error {
	for _, other := range m.Licenses {
		if other.ID == license.ID {
			continue
		}
		if other.Key == license.Key {
			return fmt.Errorf("license key %s: %w", license.Key, ErrConflict)
		}
		if license.Metadata.CorrelationID != "" && other.Metadata.CorrelationID == license.Metadata.CorrelationID {
			return fmt.Errorf("correlation %s: %w", license.Metadata.CorrelationID, ErrConflict)
		}
	}
	return nil
}
