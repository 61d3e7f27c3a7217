package models

import "time"

type Plan string

const (
	PlanFree         Plan = "free"
	PlanPersonal     Plan = "personal"
	PlanProfessional Plan = "professional"
	PlanTeam         Plan = "team"
	PlanEnterprise   Plan = "enterprise"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCrypto PaymentMethod = "crypto"
)

// Usage counter names accepted by the quota ledger.
const (
	CounterCompilations = "compilations"
	CounterAPICalls     = "api_calls"
)

// Unlimited marks a restriction with no cap.
const Unlimited = -1

type Usage struct {
	Compilations int64
	APICalls     int64
	LastUsed     time.Time
}

type Restrictions struct {
	MaxCompilations int64
	MaxAPICalls     int64
	MaxUsers        int
	AllowCommercial bool
}

type Metadata struct {
	PaymentMethod  PaymentMethod
	CorrelationID  string
	CustomerEmail  string
	CompanyName    string
	HardwarePrints []string
}

// License is the entitlement record. Features and Restrictions are always
// recomputed from Plan via the catalog; they are persisted only for
// inspection and must never be edited independently.
type License struct {
	ID        string
	UserID    string
	Key       string
	Plan      Plan
	Status    Status
	IssuedAt  time.Time
	ExpiresAt time.Time
	// LastAppliedEventTime is the provider-reported timestamp of the most
	// recently applied webhook event for this license's correlation id.
	LastAppliedEventTime time.Time
	Usage                Usage
	Features             []string
	Restrictions         Restrictions
	Metadata             Metadata
	// Revision guards optimistic concurrency on updates.
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveStatus reports the authoritative status at the given instant.
// ExpiresAt wins over the stored status: a lapsed license reads as expired
// even if no webhook ever fired. Cancelled stays cancelled.
func (l *License) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusCancelled {
		return StatusCancelled
	}
	if !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return l.Status
}

// Valid reports whether the license authorizes access at the given instant.
func (l *License) Valid(now time.Time) bool {
	return l.EffectiveStatus(now) == StatusActive
}

func (l *License) HasFeature(name string) bool {
	for _, f := range l.Features {
		if f == name {
			return true
		}
	}
	return false
}
