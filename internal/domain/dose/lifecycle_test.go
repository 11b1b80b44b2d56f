package dose

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testPolicy() Policy {
	return Policy{
		GracePeriod:       30 * time.Minute,
		MissedAfter:       4 * time.Hour,
		EscalationDelay:   30 * time.Minute,
		EscalationEnabled: true,
	}
}

func scheduledInstance(at time.Time) Instance {
	return Instance{
		ID:              uuid.New(),
		PrescriptionID:  uuid.New(),
		CareRecipientID: uuid.New(),
		ScheduledTime:   at,
		State:           StateScheduled,
		Version:         1,
	}
}

func TestEvaluateTimeline(t *testing.T) {
	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := scheduledInstance(sched)
	pol := testPolicy()

	cases := []struct {
		name       string
		now        time.Time
		wantState  State
		wantOrigin Origin
	}{
		{"before slot", sched.Add(-time.Hour), StateScheduled, OriginPersisted},
		{"at slot", sched, StateDue, OriginComputed},
		{"inside grace", sched.Add(29 * time.Minute), StateDue, OriginComputed},
		{"grace boundary", sched.Add(30 * time.Minute), StateLate, OriginComputed},
		{"deep late", sched.Add(2 * time.Hour), StateLate, OriginComputed},
		{"missed boundary", sched.Add(30*time.Minute + 4*time.Hour), StateMissed, OriginComputed},
		{"long after", sched.Add(24 * time.Hour), StateMissed, OriginComputed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval := Evaluate(inst, pol, tc.now)
			if eval.Projection.State != tc.wantState {
				t.Errorf("state = %s, want %s", eval.Projection.State, tc.wantState)
			}
			if eval.Projection.Origin != tc.wantOrigin {
				t.Errorf("origin = %s, want %s", eval.Projection.Origin, tc.wantOrigin)
			}
		})
	}
}

func TestEvaluateTerminalStatesArePersisted(t *testing.T) {
	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	farFuture := sched.Add(48 * time.Hour)

	for _, s := range []State{StateTaken, StateSkipped, StateMissed, StateCancelled} {
		inst := scheduledInstance(sched)
		inst.State = s
		eval := Evaluate(inst, testPolicy(), farFuture)
		if eval.Projection.State != s {
			t.Errorf("terminal %s projected as %s", s, eval.Projection.State)
		}
		if eval.Projection.Origin != OriginPersisted {
			t.Errorf("terminal %s origin = %s", s, eval.Projection.Origin)
		}
		if len(eval.Escalations) != 0 {
			t.Errorf("terminal %s emitted escalations", s)
		}
	}
}

func TestEvaluateEscalationLevels(t *testing.T) {
	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := scheduledInstance(sched)
	pol := testPolicy()
	lateAt := sched.Add(pol.GracePeriod)

	// Just late: one intent at level 1.
	eval := Evaluate(inst, pol, lateAt)
	if len(eval.Escalations) != 1 || eval.Escalations[0].Level != EscalationLate {
		t.Fatalf("at lateAt: escalations = %+v", eval.Escalations)
	}

	// Past the escalation delay with no level recorded: both thresholds at
	// once, in order.
	eval = Evaluate(inst, pol, lateAt.Add(pol.EscalationDelay))
	if len(eval.Escalations) != 2 {
		t.Fatalf("past delay: escalations = %+v", eval.Escalations)
	}
	if eval.Escalations[0].Level != EscalationLate || eval.Escalations[1].Level != EscalationEscalated {
		t.Fatalf("levels = %d, %d", eval.Escalations[0].Level, eval.Escalations[1].Level)
	}

	// Level 1 already persisted: only level 2 remains.
	inst.EscalationLevel = EscalationLate
	eval = Evaluate(inst, pol, lateAt.Add(pol.EscalationDelay))
	if len(eval.Escalations) != 1 || eval.Escalations[0].Level != EscalationEscalated {
		t.Fatalf("with level 1 recorded: escalations = %+v", eval.Escalations)
	}

	// Both persisted: nothing more, no matter how often we recompute.
	inst.EscalationLevel = EscalationEscalated
	for i := 0; i < 100; i++ {
		eval = Evaluate(inst, pol, lateAt.Add(time.Duration(i)*time.Hour))
		if len(eval.Escalations) != 0 {
			t.Fatalf("recomputation %d re-emitted escalations", i)
		}
	}
}

func TestEvaluateEscalationDisabled(t *testing.T) {
	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := scheduledInstance(sched)
	pol := testPolicy()
	pol.EscalationEnabled = false

	eval := Evaluate(inst, pol, sched.Add(3*time.Hour))
	if eval.Projection.State != StateLate {
		t.Fatalf("state = %s, want late", eval.Projection.State)
	}
	if len(eval.Escalations) != 0 {
		t.Fatalf("disabled escalation emitted intents: %+v", eval.Escalations)
	}
}

func TestEvaluateZeroMissedAfterLeavesLate(t *testing.T) {
	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := scheduledInstance(sched)
	pol := testPolicy()
	pol.MissedAfter = 0

	eval := Evaluate(inst, pol, sched.Add(72*time.Hour))
	if eval.Projection.State != StateLate {
		t.Fatalf("state = %s, want late with MissedAfter disabled", eval.Projection.State)
	}
}

func TestEvaluateZeroGraceGoesStraightLate(t *testing.T) {
	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := scheduledInstance(sched)
	pol := testPolicy()
	pol.GracePeriod = 0

	eval := Evaluate(inst, pol, sched)
	if eval.Projection.State != StateLate {
		t.Fatalf("state = %s, want late at the scheduled instant", eval.Projection.State)
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []State{StateScheduled, StateDue, StateLate} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
		if !s.Recordable() {
			t.Errorf("%s reported not recordable", s)
		}
	}
	for _, s := range []State{StateTaken, StateSkipped, StateMissed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s reported non-terminal", s)
		}
		if s.Recordable() {
			t.Errorf("%s reported recordable", s)
		}
	}
}
