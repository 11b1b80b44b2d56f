// Package dose implements the dose instance lifecycle: the states a concrete
// expected administration moves through and the pure time-driven state
// machine that projects Due/Late/Missed from the clock.
package dose

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a dose instance.
//
// Scheduled is the only persisted non-terminal state. Due, Late and the
// time-driven flavor of Missed are projections over (scheduledTime, policy,
// now) and are recomputed on read; they are never written back. Taken,
// Skipped, Missed and Cancelled are persisted terminal states.
type State string

const (
	StateScheduled State = "scheduled"
	StateDue       State = "due"
	StateLate      State = "late"
	StateTaken     State = "taken"
	StateSkipped   State = "skipped"
	StateMissed    State = "missed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Terminal doses are immutable.
func (s State) Terminal() bool {
	switch s {
	case StateTaken, StateSkipped, StateMissed, StateCancelled:
		return true
	}
	return false
}

// Recordable reports whether a nurse or operator action may still be applied.
func (s State) Recordable() bool {
	switch s {
	case StateScheduled, StateDue, StateLate:
		return true
	}
	return false
}

// Instance is one concrete expected administration event, generated from a
// prescription's recurrence rule or created ad hoc for PRN orders.
//
// Uniqueness on (PrescriptionID, ScheduledTime) is enforced by the store; the
// generator relies on insert-or-ignore semantics for idempotency. Version
// backs the optimistic-concurrency check on nurse actions.
type Instance struct {
	ID              uuid.UUID
	PrescriptionID  uuid.UUID
	CareRecipientID uuid.UUID
	ScheduledTime   time.Time

	State           State
	EscalationLevel int

	AdministeredAt *time.Time
	AdministeredBy string
	Notes          string
	SkipReason     string

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}
