package dose

import (
	"time"

	"github.com/google/uuid"
)

// Action is a state-changing action taken on a dose instance.
type Action string

const (
	ActionTaken      Action = "taken"
	ActionSkipped    Action = "skipped"
	ActionMissed     Action = "missed"
	ActionCancelled  Action = "cancelled"
	ActionPRNCreated Action = "prn_created"
)

// AdministrationEvent is one append-only audit row per state-changing action
// on a dose instance. Querying the history is the audit collaborator's
// concern; this package only writes.
type AdministrationEvent struct {
	ID             uuid.UUID
	DoseID         uuid.UUID
	PrescriptionID uuid.UUID
	ActorID        string
	Action         Action
	FromState      State
	ToState        State
	Notes          string
	RecordedAt     time.Time
}

// NewAdministrationEvent builds an event for the given transition.
func NewAdministrationEvent(inst *Instance, actorID string, action Action, from State, recordedAt time.Time) *AdministrationEvent {
	return &AdministrationEvent{
		ID:             uuid.New(),
		DoseID:         inst.ID,
		PrescriptionID: inst.PrescriptionID,
		ActorID:        actorID,
		Action:         action,
		FromState:      from,
		ToState:        inst.State,
		Notes:          inst.Notes,
		RecordedAt:     recordedAt,
	}
}
