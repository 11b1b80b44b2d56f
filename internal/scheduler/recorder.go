package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/internal/notify"
	"github.com/carelinx/medtrack/pkg/clock"
)

// DefaultBackdateTolerance bounds how far before the scheduled time an
// administration may be recorded.
const DefaultBackdateTolerance = 15 * time.Minute

// Recorder applies nurse and operator decisions to dose instances. It is the
// single point where a dose becomes terminal and immutable.
type Recorder struct {
	doses         DoseStore
	prescriptions PrescriptionStore
	audit         notify.AuditLog
	clk           clock.Clock
	tolerance     time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewRecorder creates a recorder. tolerance <= 0 selects the default.
func NewRecorder(doses DoseStore, prescriptions PrescriptionStore, audit notify.AuditLog, clk clock.Clock, tolerance time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if audit == nil {
		audit = notify.NopAuditLog{}
	}
	if tolerance <= 0 {
		tolerance = DefaultBackdateTolerance
	}
	return &Recorder{
		doses:         doses,
		prescriptions: prescriptions,
		audit:         audit,
		clk:           clk,
		tolerance:     tolerance,
		logger:        logger,
		tracer:        otel.Tracer("administration-recorder"),
	}
}

// RecordRequest is one administration or skip decision.
type RecordRequest struct {
	DoseID  uuid.UUID
	Action  dose.Action // taken, skipped or missed
	ActorID string
	// AdministeredAt may be backdated for taken doses; zero means now.
	AdministeredAt time.Time
	Notes          string
	SkipReason     string
}

// Record validates and applies the requested terminal transition, appends
// one administration event atomically with the state write, and returns the
// updated instance. A second action on the same dose fails with
// dose.ErrIllegalTransition; a lost optimistic-concurrency race fails with
// dose.ErrConcurrentModification and no mutation.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (*dose.Instance, error) {
	ctx, span := r.tracer.Start(ctx, "record_administration",
		trace.WithAttributes(
			attribute.String("dose_id", req.DoseID.String()),
			attribute.String("action", string(req.Action)),
		))
	defer span.End()

	if req.ActorID == "" {
		return nil, errors.New("actor id is required")
	}

	inst, err := r.doses.Get(ctx, req.DoseID)
	if err != nil {
		return nil, err
	}
	if !inst.State.Recordable() {
		return nil, fmt.Errorf("%w: dose %s is %s", dose.ErrIllegalTransition, inst.ID, inst.State)
	}

	now := r.clk.Now()
	from := inst.State

	switch req.Action {
	case dose.ActionTaken:
		at := req.AdministeredAt
		if at.IsZero() {
			at = now
		}
		if at.Before(inst.ScheduledTime.Add(-r.tolerance)) {
			return nil, fmt.Errorf("%w: %s before slot %s", dose.ErrBackdateTooEarly, at, inst.ScheduledTime)
		}
		inst.State = dose.StateTaken
		inst.AdministeredAt = &at
		inst.AdministeredBy = req.ActorID
		inst.Notes = req.Notes

	case dose.ActionSkipped:
		if req.SkipReason == "" {
			return nil, dose.ErrMissingReason
		}
		inst.State = dose.StateSkipped
		inst.SkipReason = req.SkipReason
		inst.AdministeredBy = req.ActorID
		inst.Notes = req.Notes

	case dose.ActionMissed:
		// Explicit operator override; the time-driven Missed projection is
		// derived on read and never persisted by itself.
		inst.State = dose.StateMissed
		inst.AdministeredBy = req.ActorID
		inst.Notes = req.Notes

	default:
		return nil, fmt.Errorf("%w: action %q", dose.ErrIllegalTransition, req.Action)
	}

	expected := inst.Version
	inst.Version++
	inst.UpdatedAt = now

	ev := dose.NewAdministrationEvent(inst, req.ActorID, req.Action, from, now)
	if err := r.doses.Record(ctx, inst, expected, ev); err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.appendAudit(ctx, req.ActorID, string(req.Action), inst, from)

	r.logger.Info("administration recorded",
		zap.String("dose_id", inst.ID.String()),
		zap.String("action", string(req.Action)),
		zap.String("actor", req.ActorID),
		zap.String("from", string(from)),
		zap.String("to", string(inst.State)),
	)
	return inst, nil
}

// RecordPRN creates an ad-hoc dose for a PRN prescription directly in the
// Taken state, bypassing the generator.
func (r *Recorder) RecordPRN(ctx context.Context, prescriptionID uuid.UUID, actorID string, administeredAt time.Time, notes string) (*dose.Instance, error) {
	ctx, span := r.tracer.Start(ctx, "record_prn",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID.String())))
	defer span.End()

	if actorID == "" {
		return nil, errors.New("actor id is required")
	}

	p, err := r.prescriptions.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.Recurrence.Kind != prescription.KindPRN {
		return nil, fmt.Errorf("%w: prescription %s is not PRN", dose.ErrIllegalTransition, p.ID)
	}

	now := r.clk.Now()
	if administeredAt.IsZero() {
		administeredAt = now
	}

	inst := &dose.Instance{
		ID:              uuid.New(),
		PrescriptionID:  p.ID,
		CareRecipientID: p.CareRecipientID,
		ScheduledTime:   administeredAt,
		State:           dose.StateTaken,
		AdministeredAt:  &administeredAt,
		AdministeredBy:  actorID,
		Notes:           notes,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted, err := r.doses.InsertIfAbsent(ctx, inst)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !inserted {
		// The same PRN administration was delivered twice; the slot already
		// holds it. Return the stored instance without a second event.
		return r.doses.FindBySlot(ctx, p.ID, administeredAt)
	}

	ev := dose.NewAdministrationEvent(inst, actorID, dose.ActionPRNCreated, dose.StateScheduled, now)
	if err := r.doses.AppendEvent(ctx, ev); err != nil {
		r.logger.Error("failed to append PRN administration event",
			zap.String("dose_id", inst.ID.String()), zap.Error(err))
	}

	r.appendAudit(ctx, actorID, string(dose.ActionPRNCreated), inst, dose.StateScheduled)
	return inst, nil
}

// appendAudit is best-effort: audit failures never roll back the recorded
// administration.
func (r *Recorder) appendAudit(ctx context.Context, actorID, action string, inst *dose.Instance, from dose.State) {
	err := r.audit.Append(ctx, notify.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		EntityType: "dose_instance",
		EntityID:   inst.ID.String(),
		Details: map[string]string{
			"prescription_id": inst.PrescriptionID.String(),
			"from_state":      string(from),
			"to_state":        string(inst.State),
			"scheduled_time":  inst.ScheduledTime.Format(time.RFC3339),
		},
		OccurredAt: r.clk.Now(),
	})
	if err != nil {
		r.logger.Warn("audit append failed",
			zap.String("dose_id", inst.ID.String()),
			zap.Error(err))
	}
}
