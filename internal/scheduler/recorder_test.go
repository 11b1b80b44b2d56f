package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/pkg/clock"
)

func seedDose(t *testing.T, doses *memDoses, p *prescription.Prescription, at time.Time) *dose.Instance {
	t.Helper()
	inst := &dose.Instance{
		ID:              uuid.New(),
		PrescriptionID:  p.ID,
		CareRecipientID: p.CareRecipientID,
		ScheduledTime:   at,
		State:           dose.StateScheduled,
		Version:         1,
	}
	if _, err := doses.InsertIfAbsent(context.Background(), inst); err != nil {
		t.Fatalf("seed dose: %v", err)
	}
	return inst
}

func TestRecordTaken(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)

	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := seedDose(t, doses, p, sched)

	now := sched.Add(10 * time.Minute)
	rec := NewRecorder(doses, ps, nil, clock.At(now), 0, nil)

	got, err := rec.Record(context.Background(), RecordRequest{
		DoseID:  inst.ID,
		Action:  dose.ActionTaken,
		ActorID: "nurse-7",
		Notes:   "with breakfast",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got.State != dose.StateTaken {
		t.Errorf("state = %s", got.State)
	}
	if got.AdministeredAt == nil || !got.AdministeredAt.Equal(now) {
		t.Errorf("administeredAt = %v, want %v", got.AdministeredAt, now)
	}
	if got.AdministeredBy != "nurse-7" {
		t.Errorf("administeredBy = %s", got.AdministeredBy)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if len(doses.events) != 1 || doses.events[0].Action != dose.ActionTaken {
		t.Fatalf("events = %+v", doses.events)
	}
}

func TestRecordSkipRequiresReason(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)
	inst := seedDose(t, doses, p, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	rec := NewRecorder(doses, ps, nil, clock.At(inst.ScheduledTime), 0, nil)

	_, err := rec.Record(context.Background(), RecordRequest{
		DoseID:  inst.ID,
		Action:  dose.ActionSkipped,
		ActorID: "nurse-7",
	})
	if !errors.Is(err, dose.ErrMissingReason) {
		t.Fatalf("err = %v, want ErrMissingReason", err)
	}
	if doses.stateOf(inst.ID) != dose.StateScheduled {
		t.Fatal("dose mutated despite rejected skip")
	}

	got, err := rec.Record(context.Background(), RecordRequest{
		DoseID:     inst.ID,
		Action:     dose.ActionSkipped,
		ActorID:    "nurse-7",
		SkipReason: "patient refused",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got.State != dose.StateSkipped || got.SkipReason != "patient refused" {
		t.Fatalf("got %s / %q", got.State, got.SkipReason)
	}
}

func TestRecordBackdateTolerance(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)

	sched := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	inst := seedDose(t, doses, p, sched)
	rec := NewRecorder(doses, ps, nil, clock.At(sched.Add(time.Hour)), 0, nil)

	// 20 minutes early is beyond the 15 minute tolerance.
	_, err := rec.Record(context.Background(), RecordRequest{
		DoseID:         inst.ID,
		Action:         dose.ActionTaken,
		ActorID:        "nurse-7",
		AdministeredAt: sched.Add(-20 * time.Minute),
	})
	if !errors.Is(err, dose.ErrBackdateTooEarly) {
		t.Fatalf("err = %v, want ErrBackdateTooEarly", err)
	}

	// 10 minutes early is within tolerance.
	got, err := rec.Record(context.Background(), RecordRequest{
		DoseID:         inst.ID,
		Action:         dose.ActionTaken,
		ActorID:        "nurse-7",
		AdministeredAt: sched.Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got.State != dose.StateTaken {
		t.Fatalf("state = %s", got.State)
	}
}

func TestRecordOnTerminalDoseFails(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)
	inst := seedDose(t, doses, p, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	rec := NewRecorder(doses, ps, nil, clock.At(inst.ScheduledTime), 0, nil)

	if _, err := rec.Record(context.Background(), RecordRequest{
		DoseID: inst.ID, Action: dose.ActionTaken, ActorID: "nurse-7",
	}); err != nil {
		t.Fatalf("first record failed: %v", err)
	}

	for _, action := range []dose.Action{dose.ActionTaken, dose.ActionSkipped, dose.ActionMissed} {
		_, err := rec.Record(context.Background(), RecordRequest{
			DoseID: inst.ID, Action: action, ActorID: "nurse-8", SkipReason: "late round",
		})
		if !errors.Is(err, dose.ErrIllegalTransition) {
			t.Errorf("%s after taken: err = %v, want ErrIllegalTransition", action, err)
		}
	}
}

// raceDoses lets a competing write slip in between the recorder's read and
// its guarded update.
type raceDoses struct {
	*memDoses
	onGet func()
}

func (r *raceDoses) Get(ctx context.Context, id uuid.UUID) (*dose.Instance, error) {
	inst, err := r.memDoses.Get(ctx, id)
	if err == nil && r.onGet != nil {
		hook := r.onGet
		r.onGet = nil
		hook()
	}
	return inst, err
}

func TestRecordConcurrentModification(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)
	inst := seedDose(t, doses, p, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	clk := clock.At(inst.ScheduledTime.Add(5 * time.Minute))
	raced := &raceDoses{memDoses: doses}
	raced.onGet = func() {
		// The other nurse wins the race.
		winner := NewRecorder(doses, ps, nil, clk, 0, nil)
		if _, err := winner.Record(context.Background(), RecordRequest{
			DoseID: inst.ID, Action: dose.ActionTaken, ActorID: "nurse-1",
		}); err != nil {
			t.Fatalf("winner record failed: %v", err)
		}
	}

	loser := NewRecorder(raced, ps, nil, clk, 0, nil)
	_, err := loser.Record(context.Background(), RecordRequest{
		DoseID: inst.ID, Action: dose.ActionSkipped, ActorID: "nurse-2", SkipReason: "asleep",
	})
	if !errors.Is(err, dose.ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}

	// First writer's outcome stands.
	if doses.stateOf(inst.ID) != dose.StateTaken {
		t.Fatalf("final state = %s, want taken", doses.stateOf(inst.ID))
	}
}

func TestRecordPRN(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	prn := testPrescription(prescription.PRN())
	ps.Create(context.Background(), prn)

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	rec := NewRecorder(doses, ps, nil, clock.At(now), 0, nil)

	got, err := rec.RecordPRN(context.Background(), prn.ID, "nurse-7", time.Time{}, "breakthrough pain")
	if err != nil {
		t.Fatalf("record PRN failed: %v", err)
	}
	if got.State != dose.StateTaken {
		t.Errorf("state = %s", got.State)
	}
	if got.AdministeredAt == nil || !got.AdministeredAt.Equal(now) {
		t.Errorf("administeredAt = %v", got.AdministeredAt)
	}
	if len(doses.events) != 1 || doses.events[0].Action != dose.ActionPRNCreated {
		t.Fatalf("events = %+v", doses.events)
	}

	// The same administration delivered twice lands on one slot: no second
	// instance, no second event, and the caller gets the stored dose back.
	again, err := rec.RecordPRN(context.Background(), prn.ID, "nurse-7", *got.AdministeredAt, "breakthrough pain")
	if err != nil {
		t.Fatalf("duplicate record failed: %v", err)
	}
	if again.ID != got.ID {
		t.Fatalf("duplicate returned instance %s, want %s", again.ID, got.ID)
	}
	if stored, err := doses.Get(context.Background(), again.ID); err != nil || stored.State != dose.StateTaken {
		t.Fatalf("returned instance not stored: %+v, %v", stored, err)
	}
	if doses.count() != 1 {
		t.Fatalf("stored instances = %d, want 1", doses.count())
	}
	if len(doses.events) != 1 {
		t.Fatalf("events = %d, want 1", len(doses.events))
	}

	// A scheduled prescription cannot take ad-hoc doses.
	scheduled := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), scheduled)
	if _, err := rec.RecordPRN(context.Background(), scheduled.ID, "nurse-7", time.Time{}, ""); !errors.Is(err, dose.ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}
