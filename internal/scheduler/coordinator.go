package scheduler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/internal/notify"
	"github.com/carelinx/medtrack/internal/observability/metrics"
	"github.com/carelinx/medtrack/pkg/clock"
)

// Config holds coordinator policy knobs.
type Config struct {
	// LookaheadDays is the rolling generation window for the periodic sweep.
	LookaheadDays int
	// MissedAfter is how long past the grace period an unresolved dose is
	// projected as Missed.
	MissedAfter time.Duration
	// EscalationDelay is the gap between the first and second escalation
	// thresholds for a Late dose.
	EscalationDelay time.Duration
	// Location fixes the zone calendar days are interpreted in.
	Location *time.Location
}

// DefaultConfig returns the defaults used by the services.
func DefaultConfig() Config {
	return Config{
		LookaheadDays:   7,
		MissedAfter:     4 * time.Hour,
		EscalationDelay: 30 * time.Minute,
		Location:        time.UTC,
	}
}

// DoseView is a dose instance with its effective state projected against the
// clock. Origin distinguishes stored terminal states from derived ones.
type DoseView struct {
	Instance  dose.Instance
	Effective dose.State
	Origin    dose.Origin
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Prescriptions int
	DosesCreated  int
	Skipped       int
	Escalations   int
}

// Coordinator ties generation, lifecycle projection and escalation dispatch
// together. It is stateless between calls; all idempotency lives in the
// store contracts.
type Coordinator struct {
	prescriptions PrescriptionStore
	doses         DoseStore
	canceller     CancelStore
	gen           *Generator
	notifier      notify.Notifier
	audit         notify.AuditLog
	clk           clock.Clock
	cfg           Config
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewCoordinator creates a coordinator. metrics may be nil.
func NewCoordinator(
	prescriptions PrescriptionStore,
	doses DoseStore,
	canceller CancelStore,
	gen *Generator,
	notifier notify.Notifier,
	audit notify.AuditLog,
	clk clock.Clock,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if audit == nil {
		audit = notify.NopAuditLog{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = DefaultConfig().LookaheadDays
	}
	return &Coordinator{
		prescriptions: prescriptions,
		doses:         doses,
		canceller:     canceller,
		gen:           gen,
		notifier:      notifier,
		audit:         audit,
		clk:           clk,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
		tracer:        otel.Tracer("schedule-coordinator"),
	}
}

func (c *Coordinator) policyFor(p *prescription.Prescription) dose.Policy {
	return dose.Policy{
		GracePeriod:       p.GracePeriod(),
		MissedAfter:       c.cfg.MissedAfter,
		EscalationDelay:   c.cfg.EscalationDelay,
		EscalationEnabled: p.EscalationEnabled,
	}
}

// Schedule returns the recipient's doses for one calendar day with effective
// states projected against now. The read is self-healing: it first ensures
// the day's instances are generated, so a missed sweep never hides doses.
// Escalation intents detected during projection are dispatched as a side
// effect.
func (c *Coordinator) Schedule(ctx context.Context, careRecipientID uuid.UUID, d prescription.Date) ([]DoseView, []Warning, error) {
	ctx, span := c.tracer.Start(ctx, "get_schedule",
		trace.WithAttributes(
			attribute.String("care_recipient_id", careRecipientID.String()),
			attribute.String("date", d.String()),
		))
	defer span.End()

	ps, err := c.prescriptions.ListForRecipient(ctx, careRecipientID)
	if err != nil {
		return nil, nil, err
	}

	_, warnings, err := c.gen.EnsureBatch(ctx, ps, d, d)
	if err != nil {
		return nil, warnings, err
	}
	if c.metrics != nil {
		c.metrics.GenerationSkipped.Add(float64(len(warnings)))
	}

	byID := make(map[uuid.UUID]*prescription.Prescription, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}

	dayStart := d.Midnight(c.cfg.Location)
	dayEnd := d.Next().Midnight(c.cfg.Location)
	instances, err := c.doses.ListForRecipientBetween(ctx, careRecipientID, dayStart, dayEnd)
	if err != nil {
		return nil, warnings, err
	}

	now := c.clk.Now()
	views := make([]DoseView, 0, len(instances))
	for _, inst := range instances {
		p, ok := byID[inst.PrescriptionID]
		if !ok {
			// Prescription removed out of band; show the stored state.
			views = append(views, DoseView{Instance: *inst, Effective: inst.State, Origin: dose.OriginPersisted})
			continue
		}
		eval := dose.Evaluate(*inst, c.policyFor(p), now)
		c.dispatchEscalations(ctx, p, eval.Escalations)
		views = append(views, DoseView{Instance: *inst, Effective: eval.Projection.State, Origin: eval.Projection.Origin})
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].Instance.ScheduledTime.Before(views[j].Instance.ScheduledTime)
	})

	if c.metrics != nil {
		c.metrics.SchedulesServed.Inc()
	}
	span.SetAttributes(attribute.Int("doses", len(views)))
	return views, warnings, nil
}

// Sweep ensures rolling lookahead coverage for every active prescription and
// recomputes lifecycle state for unresolved past doses, dispatching any
// escalations that crossed a threshold. Idempotent and safe to re-run in
// full after a timeout.
func (c *Coordinator) Sweep(ctx context.Context) (SweepStats, error) {
	ctx, span := c.tracer.Start(ctx, "sweep")
	defer span.End()

	start := c.clk.Now()
	today := prescription.DateOf(start.In(c.cfg.Location))
	horizon := today.AddDays(c.cfg.LookaheadDays)

	ps, err := c.prescriptions.ListActiveOn(ctx, today)
	if err != nil {
		return SweepStats{}, err
	}

	created, warnings, err := c.gen.EnsureBatch(ctx, ps, today, horizon)
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{
		Prescriptions: len(ps),
		DosesCreated:  created,
		Skipped:       len(warnings),
	}

	byID := make(map[uuid.UUID]*prescription.Prescription, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}

	unresolved, err := c.doses.ListUnresolvedBefore(ctx, start)
	if err != nil {
		return stats, err
	}

	for _, inst := range unresolved {
		p, ok := byID[inst.PrescriptionID]
		if !ok {
			p, err = c.prescriptions.Get(ctx, inst.PrescriptionID)
			if err != nil {
				c.logger.Warn("prescription lookup failed during sweep",
					zap.String("prescription_id", inst.PrescriptionID.String()),
					zap.Error(err))
				continue
			}
			byID[p.ID] = p
		}
		eval := dose.Evaluate(*inst, c.policyFor(p), start)
		stats.Escalations += c.dispatchEscalations(ctx, p, eval.Escalations)
	}

	if c.metrics != nil {
		c.metrics.DosesGenerated.Add(float64(created))
		c.metrics.GenerationSkipped.Add(float64(len(warnings)))
		c.metrics.SweepDuration.Observe(c.clk.Now().Sub(start).Seconds())
	}

	c.logger.Info("sweep completed",
		zap.Int("prescriptions", stats.Prescriptions),
		zap.Int("doses_created", stats.DosesCreated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("escalations", stats.Escalations),
	)
	return stats, nil
}

// EnsureCoverage generates the standard lookahead window for one
// prescription. Used when a prescription is created so the first week of
// doses exists before any sweep runs.
func (c *Coordinator) EnsureCoverage(ctx context.Context, prescriptionID uuid.UUID) (int, error) {
	p, err := c.prescriptions.Get(ctx, prescriptionID)
	if err != nil {
		return 0, err
	}
	today := prescription.DateOf(c.clk.Now().In(c.cfg.Location))
	n, err := c.gen.EnsureGenerated(ctx, p, today, today.AddDays(c.cfg.LookaheadDays))
	if err == nil && c.metrics != nil {
		c.metrics.DosesGenerated.Add(float64(n))
	}
	return n, err
}

// CancelPrescription end-dates the prescription and cancels its materialized
// future non-terminal doses in one transaction. Past instances, and doses a
// nurse already acted on, are untouched. Returns the number of cancelled
// doses.
func (c *Coordinator) CancelPrescription(ctx context.Context, prescriptionID uuid.UUID, actorID string) (int, error) {
	ctx, span := c.tracer.Start(ctx, "cancel_prescription",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID.String())))
	defer span.End()

	now := c.clk.Now()
	cancelled, err := c.canceller.CancelPrescription(ctx, prescriptionID, now)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	for _, doseID := range cancelled {
		ev := &dose.AdministrationEvent{
			ID:             uuid.New(),
			DoseID:         doseID,
			PrescriptionID: prescriptionID,
			ActorID:        actorID,
			Action:         dose.ActionCancelled,
			FromState:      dose.StateScheduled,
			ToState:        dose.StateCancelled,
			RecordedAt:     now,
		}
		if err := c.doses.AppendEvent(ctx, ev); err != nil {
			c.logger.Warn("cancellation event append failed",
				zap.String("dose_id", doseID.String()), zap.Error(err))
		}
	}

	if err := c.audit.Append(ctx, notify.AuditEntry{
		ActorID:    actorID,
		Action:     "prescription_cancelled",
		EntityType: "prescription",
		EntityID:   prescriptionID.String(),
		Details:    map[string]string{"cancelled_doses": strconv.Itoa(len(cancelled))},
		OccurredAt: now,
	}); err != nil {
		c.logger.Warn("audit append failed", zap.Error(err))
	}

	c.logger.Info("prescription cancelled",
		zap.String("prescription_id", prescriptionID.String()),
		zap.Int("cancelled_doses", len(cancelled)))
	return len(cancelled), nil
}

// dispatchEscalations claims each threshold via the store's guarded update
// and notifies only when this caller won the claim, so an escalation fires
// exactly once no matter how many recomputations observe it.
func (c *Coordinator) dispatchEscalations(ctx context.Context, p *prescription.Prescription, intents []dose.EscalationIntent) int {
	sent := 0
	for _, intent := range intents {
		claimed, err := c.doses.AdvanceEscalation(ctx, intent.DoseID, intent.Level)
		if err != nil {
			c.logger.Error("escalation claim failed",
				zap.String("dose_id", intent.DoseID.String()),
				zap.Int("level", intent.Level),
				zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		kind := notify.KindDoseLate
		if intent.Level >= dose.EscalationEscalated {
			kind = notify.KindEscalation
		}
		n := notify.Notification{
			Kind:            kind,
			DoseID:          intent.DoseID,
			PrescriptionID:  intent.PrescriptionID,
			CareRecipientID: intent.CareRecipientID,
			ScheduledTime:   intent.ScheduledTime,
			Level:           intent.Level,
			TargetRoles:     notify.RolesFor(p.Criticality, intent.Level),
			EmittedAt:       c.clk.Now(),
		}
		if err := c.notifier.Notify(ctx, n); err != nil {
			// The threshold is already claimed; delivery retries are the
			// notifier's concern.
			c.logger.Error("escalation notify failed",
				zap.String("dose_id", intent.DoseID.String()),
				zap.Int("level", intent.Level),
				zap.Error(err))
			continue
		}
		sent++
		if c.metrics != nil {
			c.metrics.EscalationsEmitted.WithLabelValues(strconv.Itoa(intent.Level)).Inc()
		}
	}
	return sent
}
