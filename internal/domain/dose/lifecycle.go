package dose

import (
	"time"

	"github.com/google/uuid"
)

// Policy holds the grace and escalation thresholds applied when projecting a
// dose's time-driven state.
type Policy struct {
	// GracePeriod is how long after the scheduled time a dose stays Due
	// before it becomes Late.
	GracePeriod time.Duration
	// MissedAfter is how long past the grace period an unactioned dose is
	// projected as Missed. Zero disables the time-driven Missed projection
	// and leaves the dose Late indefinitely.
	MissedAfter time.Duration
	// EscalationDelay is the additional time a Late dose may linger before a
	// second escalation fires. Zero disables the second threshold.
	EscalationDelay time.Duration
	// EscalationEnabled gates all escalation intents.
	EscalationEnabled bool
}

// Origin tags whether a projected state was read from storage or derived
// from the clock.
type Origin string

const (
	OriginPersisted Origin = "persisted"
	OriginComputed  Origin = "computed"
)

// Projection is the effective state of a dose at a point in time.
type Projection struct {
	State  State
	Origin Origin
}

// Escalation levels. Level 1 corresponds to entering Late, level 2 to
// remaining Late past the escalation delay.
const (
	EscalationLate      = 1
	EscalationEscalated = 2
)

// EscalationIntent asks the notifier to alert on an unresolved dose. One
// intent is emitted per threshold crossing; deduplication happens by
// comparing Level against the instance's persisted EscalationLevel.
type EscalationIntent struct {
	DoseID          uuid.UUID
	PrescriptionID  uuid.UUID
	CareRecipientID uuid.UUID
	ScheduledTime   time.Time
	Level           int
}

// Evaluation is the result of projecting a dose against the clock.
type Evaluation struct {
	Projection  Projection
	Escalations []EscalationIntent
}

// Evaluate maps (instance, policy, now) to the effective state plus any
// escalation intents not yet fired. Pure: no clock access, no side effects,
// safe to recompute on every read.
func Evaluate(inst Instance, pol Policy, now time.Time) Evaluation {
	if inst.State.Terminal() {
		return Evaluation{Projection: Projection{State: inst.State, Origin: OriginPersisted}}
	}

	dueAt := inst.ScheduledTime
	lateAt := dueAt.Add(pol.GracePeriod)

	if now.Before(dueAt) {
		return Evaluation{Projection: Projection{State: StateScheduled, Origin: OriginPersisted}}
	}
	if now.Before(lateAt) {
		return Evaluation{Projection: Projection{State: StateDue, Origin: OriginComputed}}
	}

	state := StateLate
	if pol.MissedAfter > 0 && !now.Before(lateAt.Add(pol.MissedAfter)) {
		state = StateMissed
	}

	eval := Evaluation{Projection: Projection{State: state, Origin: OriginComputed}}
	if !pol.EscalationEnabled {
		return eval
	}

	level := EscalationLate
	if pol.EscalationDelay > 0 && !now.Before(lateAt.Add(pol.EscalationDelay)) {
		level = EscalationEscalated
	}
	for l := inst.EscalationLevel + 1; l <= level; l++ {
		eval.Escalations = append(eval.Escalations, EscalationIntent{
			DoseID:          inst.ID,
			PrescriptionID:  inst.PrescriptionID,
			CareRecipientID: inst.CareRecipientID,
			ScheduledTime:   inst.ScheduledTime,
			Level:           l,
		})
	}
	return eval
}
