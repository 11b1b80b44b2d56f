package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/internal/notify"
)

func newTestCoordinator(ps *memPrescriptions, doses *memDoses, notifier *memNotifier, clk *stepClock) *Coordinator {
	gen := NewGenerator(doses, time.UTC, clk, nil)
	cfg := DefaultConfig()
	cfg.MissedAfter = 4 * time.Hour
	cfg.EscalationDelay = 30 * time.Minute
	return NewCoordinator(ps, doses, doses, gen, notifier, nil, clk, cfg, nil, nil)
}

func TestScheduleIsSelfHealing(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	notifier := &memNotifier{}
	clk := &stepClock{t: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)}
	coord := newTestCoordinator(ps, doses, notifier, clk)

	p := testPrescription(prescription.Daily(
		prescription.MustTimeOfDay("20:00"), prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)

	// No sweep has run; the read must materialize the day itself.
	day := prescription.NewDate(2026, time.March, 10)
	views, warnings, err := coord.Schedule(context.Background(), p.CareRecipientID, day)
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %+v", warnings)
	}
	if len(views) != 2 {
		t.Fatalf("views = %d, want 2", len(views))
	}
	if !views[0].Instance.ScheduledTime.Before(views[1].Instance.ScheduledTime) {
		t.Error("views not ordered by scheduled time")
	}
	for _, v := range views {
		if v.Effective != dose.StateScheduled {
			t.Errorf("effective = %s before slot time", v.Effective)
		}
	}

	// Reading again changes nothing.
	again, _, err := coord.Schedule(context.Background(), p.CareRecipientID, day)
	if err != nil {
		t.Fatalf("second schedule failed: %v", err)
	}
	if len(again) != 2 || doses.count() != 2 {
		t.Fatalf("second read created instances: views=%d count=%d", len(again), doses.count())
	}
}

func TestScheduleProjectsAgainstClock(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	notifier := &memNotifier{}
	clk := &stepClock{t: time.Date(2026, 3, 10, 8, 10, 0, 0, time.UTC)}
	coord := newTestCoordinator(ps, doses, notifier, clk)

	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	p.EscalationEnabled = false
	ps.Create(context.Background(), p)

	day := prescription.NewDate(2026, time.March, 10)
	views, _, err := coord.Schedule(context.Background(), p.CareRecipientID, day)
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if len(views) != 1 || views[0].Effective != dose.StateDue || views[0].Origin != dose.OriginComputed {
		t.Fatalf("view = %+v, want computed due", views[0])
	}

	// Same stored row, later clock: late. Nothing was written back.
	clk.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	views, _, err = coord.Schedule(context.Background(), p.CareRecipientID, day)
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if views[0].Effective != dose.StateLate {
		t.Fatalf("effective = %s, want late", views[0].Effective)
	}
	if doses.stateOf(views[0].Instance.ID) != dose.StateScheduled {
		t.Fatal("projection leaked into storage")
	}
}

func TestSweepEscalatesExactlyOncePerThreshold(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	notifier := &memNotifier{}
	clk := &stepClock{t: time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)}
	coord := newTestCoordinator(ps, doses, notifier, clk)

	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	p.Criticality = prescription.CriticalityLifeSaving
	ps.Create(context.Background(), p)

	// 08:35: past grace, before the second threshold.
	clk.Set(time.Date(2026, 3, 10, 8, 35, 0, 0, time.UTC))
	for i := 0; i < 50; i++ {
		if _, err := coord.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep %d failed: %v", i, err)
		}
	}
	sent := notifier.all()
	if len(sent) != 1 {
		t.Fatalf("level 1 fired %d times, want 1", len(sent))
	}
	if sent[0].Kind != notify.KindDoseLate || sent[0].Level != dose.EscalationLate {
		t.Fatalf("notification = %+v", sent[0])
	}

	// 09:05: past the second threshold. Repeated sweeps and reads together
	// still fire it once.
	clk.Set(time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC))
	day := prescription.NewDate(2026, time.March, 10)
	for i := 0; i < 50; i++ {
		if _, err := coord.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if _, _, err := coord.Schedule(context.Background(), p.CareRecipientID, day); err != nil {
			t.Fatalf("schedule failed: %v", err)
		}
	}
	sent = notifier.all()
	if len(sent) != 2 {
		t.Fatalf("total notifications = %d, want 2", len(sent))
	}
	if sent[1].Kind != notify.KindEscalation || sent[1].Level != dose.EscalationEscalated {
		t.Fatalf("second notification = %+v", sent[1])
	}

	// Life-saving at level 2 reaches the on-call clinician.
	found := false
	for _, role := range sent[1].TargetRoles {
		if role == "on_call_clinician" {
			found = true
		}
	}
	if !found {
		t.Fatalf("target roles = %v", sent[1].TargetRoles)
	}
}

func TestSweepGeneratesLookahead(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	notifier := &memNotifier{}
	clk := &stepClock{t: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)}
	coord := newTestCoordinator(ps, doses, notifier, clk)

	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)

	stats, err := coord.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	// Today plus seven days of lookahead.
	if stats.DosesCreated != 8 {
		t.Fatalf("created = %d, want 8", stats.DosesCreated)
	}

	// A second sweep finds everything in place.
	stats, err = coord.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if stats.DosesCreated != 0 {
		t.Fatalf("second sweep created %d", stats.DosesCreated)
	}
}

func TestCancelPrescriptionCascade(t *testing.T) {
	ps := newMemPrescriptions()
	doses := newMemDoses(ps)
	notifier := &memNotifier{}
	clk := &stepClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	coord := newTestCoordinator(ps, doses, notifier, clk)

	p := testPrescription(prescription.Daily(prescription.MustTimeOfDay("08:00")))
	ps.Create(context.Background(), p)

	// One past dose already taken, one past dose unresolved, two future.
	taken := seedDose(t, doses, p, time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC))
	doses.mu.Lock()
	doses.byID[taken.ID].State = dose.StateTaken
	doses.mu.Unlock()

	pastUnresolved := seedDose(t, doses, p, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	future1 := seedDose(t, doses, p, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC))
	future2 := seedDose(t, doses, p, time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC))

	n, err := coord.CancelPrescription(context.Background(), p.ID, "coordinator-3")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d doses, want 2", n)
	}

	if doses.stateOf(taken.ID) != dose.StateTaken {
		t.Error("taken dose was disturbed")
	}
	if doses.stateOf(pastUnresolved.ID) != dose.StateScheduled {
		t.Error("past unresolved dose was cancelled; history must stand")
	}
	if doses.stateOf(future1.ID) != dose.StateCancelled || doses.stateOf(future2.ID) != dose.StateCancelled {
		t.Error("future doses not cancelled")
	}

	// The prescription is end-dated: no new generation.
	got, _ := ps.Get(context.Background(), p.ID)
	if got.CancelledAt == nil {
		t.Fatal("prescription not marked cancelled")
	}
	gen := NewGenerator(doses, time.UTC, clk, nil)
	created, err := gen.EnsureGenerated(context.Background(), got,
		prescription.NewDate(2026, time.March, 13), prescription.NewDate(2026, time.March, 20))
	if err != nil {
		t.Fatalf("generate after cancel failed: %v", err)
	}
	if created != 0 {
		t.Fatalf("generated %d doses after cancellation", created)
	}

	// One cancellation event per cancelled dose.
	events := 0
	for _, ev := range doses.events {
		if ev.Action == dose.ActionCancelled {
			events++
		}
	}
	if events != 2 {
		t.Fatalf("cancellation events = %d, want 2", events)
	}
}
