package reconcile

import (
	"mycelium-ei-lang.com/cloud/events"
	"mycelium-ei-lang.com/cloud/models"
)

// Outcome is the result of running one normalized event through the
// license state machine.
type Outcome struct {
	Next models.Status
	// ExtendExpiry asks the coordinator to push ExpiresAt forward.
	ExtendExpiry bool
	// Changed is false for no-op transitions.
	Changed bool
	// Unhandled marks event/state pairs the table does not list.
	Unhandled bool
}

// Transition is the pure license state machine: (current status, event
// type) -> outcome. It never touches storage and never looks at clocks;
// staleness is decided by the coordinator before this runs.
//
// Expired and cancelled are absorbing except for explicit renewal:
// subscription_renewed (and the creation-type events, which behave like a
// renewal when the license already exists) resurrects an expired license,
// while cancelled never comes back under the same correlation id.
func Transition(current models.Status, event events.Type) Outcome {
	switch event {
	case events.TypePaymentFailed:
		if current == models.StatusActive {
			return Outcome{Next: models.StatusSuspended, Changed: true}
		}
		return Outcome{Next: current}

	case events.TypePaymentSucceeded:
		if current == models.StatusSuspended {
			return Outcome{Next: models.StatusActive, ExtendExpiry: true, Changed: true}
		}
		return Outcome{Next: current}

	case events.TypeSubscriptionDeleted:
		if current == models.StatusCancelled {
			return Outcome{Next: current}
		}
		return Outcome{Next: models.StatusCancelled, Changed: true}

	case events.TypeSubscriptionRenewed, events.TypeChargeConfirmed, events.TypeCheckoutCompleted:
		if current == models.StatusCancelled {
			return Outcome{Next: current}
		}
		return Outcome{
			Next:         models.StatusActive,
			ExtendExpiry: true,
			Changed:      current != models.StatusActive,
		}

	default:
		return Outcome{Next: current, Unhandled: true}
	}
}
