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
	"github.com/carelinx/medtrack/pkg/clock"
)

// Generator materializes dose instances from a prescription's recurrence
// rule over a date window. Generation is idempotent: it relies on the
// store's (prescription_id, scheduled_time) uniqueness and insert-or-ignore
// semantics, so overlapping or concurrent runs never duplicate a slot and
// never touch instances that already exist.
type Generator struct {
	doses  DoseStore
	loc    *time.Location
	clk    clock.Clock
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGenerator creates a generator. loc fixes the zone scheduled times are
// materialized in; nil means UTC.
func NewGenerator(doses DoseStore, loc *time.Location, clk clock.Clock, logger *zap.Logger) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Generator{
		doses:  doses,
		loc:    loc,
		clk:    clk,
		logger: logger,
		tracer: otel.Tracer("dose-generator"),
	}
}

// EnsureGenerated creates any missing dose instances for the prescription
// over [from, to] (dates inclusive, clamped to the prescription's validity
// window) and returns the number of newly created instances. PRN and
// cancelled prescriptions generate nothing.
func (g *Generator) EnsureGenerated(ctx context.Context, p *prescription.Prescription, from, to prescription.Date) (int, error) {
	ctx, span := g.tracer.Start(ctx, "ensure_generated",
		trace.WithAttributes(
			attribute.String("prescription_id", p.ID.String()),
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	defer span.End()

	if p.Recurrence.Kind == prescription.KindPRN || p.CancelledAt != nil {
		return 0, nil
	}

	from, to, ok := p.ClampWindow(from, to)
	if !ok {
		return 0, nil
	}

	now := g.clk.Now()
	created := 0
	for d := from; !d.After(to); d = d.Next() {
		slots, err := p.Recurrence.Expand(d)
		if err != nil {
			span.RecordError(err)
			return created, fmt.Errorf("expand %s on %s: %w", p.ID, d, err)
		}

		for _, tod := range slots {
			inst := &dose.Instance{
				ID:              uuid.New(),
				PrescriptionID:  p.ID,
				CareRecipientID: p.CareRecipientID,
				ScheduledTime:   d.At(tod, g.loc),
				State:           dose.StateScheduled,
				Version:         1,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			inserted, err := g.doses.InsertIfAbsent(ctx, inst)
			if err != nil {
				span.RecordError(err)
				return created, fmt.Errorf("insert dose for %s at %s: %w", p.ID, inst.ScheduledTime, err)
			}
			if inserted {
				created++
			}
		}
	}

	span.SetAttributes(attribute.Int("created", created))
	return created, nil
}

// Warning reports a prescription skipped during batch generation.
type Warning struct {
	PrescriptionID uuid.UUID
	Err            error
}

// EnsureBatch runs EnsureGenerated for each prescription. A malformed
// recurrence skips that prescription and is reported as a warning; any other
// error aborts the batch (generation is idempotent, so the whole batch is
// safe to re-run).
func (g *Generator) EnsureBatch(ctx context.Context, ps []*prescription.Prescription, from, to prescription.Date) (int, []Warning, error) {
	total := 0
	var warnings []Warning
	for _, p := range ps {
		n, err := g.EnsureGenerated(ctx, p, from, to)
		total += n
		if err != nil {
			if errors.Is(err, prescription.ErrInvalidRecurrence) {
				g.logger.Warn("skipping prescription with invalid recurrence",
					zap.String("prescription_id", p.ID.String()),
					zap.Error(err))
				warnings = append(warnings, Warning{PrescriptionID: p.ID, Err: err})
				continue
			}
			return total, warnings, err
		}
	}
	return total, warnings, nil
}
