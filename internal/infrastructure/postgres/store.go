// Package postgres provides PostgreSQL persistence for prescriptions, dose
// instances and administration events. The dose table carries a uniqueness
// constraint on (prescription_id, scheduled_time); generation idempotency is
// enforced here with ON CONFLICT DO NOTHING rather than application locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
)

// PrescriptionStore persists prescriptions.
type PrescriptionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPrescriptionStore creates a prescription store.
func NewPrescriptionStore(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionStore{pool: pool, logger: logger}
}

// Create inserts a new prescription. The recurrence rule is encoded into its
// legacy kind/detail columns at this boundary only.
func (s *PrescriptionStore) Create(ctx context.Context, p *prescription.Prescription) error {
	if err := p.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO prescriptions
		(id, care_recipient_id, name, form, dosage, route,
		 recurrence_kind, recurrence_detail, active_from, active_until,
		 criticality, high_alert, grace_period_minutes, escalation_enabled,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`
	var until *string
	if p.ActiveUntil != nil {
		v := p.ActiveUntil.String()
		until = &v
	}
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.CareRecipientID, p.Name, p.Form, p.Dosage, p.Route,
		string(p.Recurrence.Kind), p.Recurrence.EncodeDetail(),
		p.ActiveFrom.String(), until,
		string(p.Criticality), p.HighAlert, p.GracePeriodMinutes, p.EscalationEnabled,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// Get retrieves a prescription by ID.
func (s *PrescriptionStore) Get(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	query := selectPrescription + ` WHERE id = $1`
	p, err := s.scanPrescription(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListForRecipient returns all prescriptions for a care recipient, end-dated
// ones included.
func (s *PrescriptionStore) ListForRecipient(ctx context.Context, careRecipientID uuid.UUID) ([]*prescription.Prescription, error) {
	query := selectPrescription + ` WHERE care_recipient_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, careRecipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectPrescriptions(rows)
}

// ListActiveOn returns prescriptions whose validity window covers the day.
func (s *PrescriptionStore) ListActiveOn(ctx context.Context, d prescription.Date) ([]*prescription.Prescription, error) {
	query := selectPrescription + `
		WHERE cancelled_at IS NULL
		  AND active_from <= $1
		  AND (active_until IS NULL OR active_until >= $1)
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, d.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectPrescriptions(rows)
}

const selectPrescription = `
	SELECT id, care_recipient_id, name, form, dosage, route,
	       recurrence_kind, recurrence_detail, active_from, active_until,
	       criticality, high_alert, grace_period_minutes, escalation_enabled,
	       cancelled_at, created_at, updated_at
	FROM prescriptions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PrescriptionStore) scanPrescription(row rowScanner) (*prescription.Prescription, error) {
	var (
		p            prescription.Prescription
		kind, detail string
		from         string
		until        *string
		criticality  string
	)
	err := row.Scan(
		&p.ID, &p.CareRecipientID, &p.Name, &p.Form, &p.Dosage, &p.Route,
		&kind, &detail, &from, &until,
		&criticality, &p.HighAlert, &p.GracePeriodMinutes, &p.EscalationEnabled,
		&p.CancelledAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Criticality = prescription.Criticality(criticality)
	p.Recurrence, err = prescription.ParseRule(kind, detail)
	if err != nil {
		// Keep the row readable; the generator sees the invalid rule when
		// it tries to expand it and skips the prescription.
		s.logger.Warn("stored recurrence is malformed",
			zap.String("prescription_id", p.ID.String()),
			zap.Error(err))
		p.Recurrence = prescription.Rule{Kind: prescription.Kind(kind)}
	}

	if p.ActiveFrom, err = prescription.ParseDate(from); err != nil {
		return nil, fmt.Errorf("parse active_from: %w", err)
	}
	if until != nil {
		d, err := prescription.ParseDate(*until)
		if err != nil {
			return nil, fmt.Errorf("parse active_until: %w", err)
		}
		p.ActiveUntil = &d
	}
	return &p, nil
}

func (s *PrescriptionStore) collectPrescriptions(rows pgx.Rows) ([]*prescription.Prescription, error) {
	var out []*prescription.Prescription
	for rows.Next() {
		p, err := s.scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DoseStore persists dose instances and their administration events, and
// owns the cancellation cascade.
type DoseStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDoseStore creates a dose store.
func NewDoseStore(pool *pgxpool.Pool, logger *zap.Logger) *DoseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoseStore{pool: pool, logger: logger}
}

// InsertIfAbsent creates the dose instance unless its slot already exists.
func (s *DoseStore) InsertIfAbsent(ctx context.Context, inst *dose.Instance) (bool, error) {
	query := `
		INSERT INTO dose_instances
		(id, prescription_id, care_recipient_id, scheduled_time, state,
		 escalation_level, administered_at, administered_by, notes, skip_reason,
		 version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (prescription_id, scheduled_time) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		inst.ID, inst.PrescriptionID, inst.CareRecipientID, inst.ScheduledTime,
		string(inst.State), inst.EscalationLevel,
		inst.AdministeredAt, inst.AdministeredBy, inst.Notes, inst.SkipReason,
		inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert dose instance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves a dose instance by ID.
func (s *DoseStore) Get(ctx context.Context, id uuid.UUID) (*dose.Instance, error) {
	query := selectDose + ` WHERE id = $1`
	inst, err := scanDose(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dose.ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

// FindBySlot returns the instance occupying a (prescription, scheduled time)
// slot.
func (s *DoseStore) FindBySlot(ctx context.Context, prescriptionID uuid.UUID, at time.Time) (*dose.Instance, error) {
	query := selectDose + ` WHERE prescription_id = $1 AND scheduled_time = $2`
	inst, err := scanDose(s.pool.QueryRow(ctx, query, prescriptionID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dose.ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

// ListForRecipientBetween returns a recipient's instances scheduled in
// [from, to).
func (s *DoseStore) ListForRecipientBetween(ctx context.Context, careRecipientID uuid.UUID, from, to time.Time) ([]*dose.Instance, error) {
	query := selectDose + `
		WHERE care_recipient_id = $1
		  AND scheduled_time >= $2 AND scheduled_time < $3
		ORDER BY scheduled_time
	`
	rows, err := s.pool.Query(ctx, query, careRecipientID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDoses(rows)
}

// ListUnresolvedBefore returns non-terminal instances scheduled at or before
// the given instant.
func (s *DoseStore) ListUnresolvedBefore(ctx context.Context, before time.Time) ([]*dose.Instance, error) {
	query := selectDose + `
		WHERE state = 'scheduled'
		  AND scheduled_time <= $1
		ORDER BY scheduled_time
	`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDoses(rows)
}

const selectDose = `
	SELECT id, prescription_id, care_recipient_id, scheduled_time, state,
	       escalation_level, administered_at, administered_by, notes,
	       skip_reason, version, created_at, updated_at
	FROM dose_instances
`

func scanDose(row rowScanner) (*dose.Instance, error) {
	var (
		inst  dose.Instance
		state string
	)
	err := row.Scan(
		&inst.ID, &inst.PrescriptionID, &inst.CareRecipientID, &inst.ScheduledTime,
		&state, &inst.EscalationLevel,
		&inst.AdministeredAt, &inst.AdministeredBy, &inst.Notes, &inst.SkipReason,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.State = dose.State(state)
	return &inst, nil
}

func collectDoses(rows pgx.Rows) ([]*dose.Instance, error) {
	var out []*dose.Instance
	for rows.Next() {
		inst, err := scanDose(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Record writes a terminal state and its administration event in one
// transaction, guarded by the version check. First writer wins; the loser
// gets dose.ErrConcurrentModification.
func (s *DoseStore) Record(ctx context.Context, inst *dose.Instance, expectedVersion int, ev *dose.AdministrationEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE dose_instances
		SET state = $1, administered_at = $2, administered_by = $3,
		    notes = $4, skip_reason = $5, version = $6, updated_at = $7
		WHERE id = $8 AND version = $9 AND state = 'scheduled'
	`
	tag, err := tx.Exec(ctx, update,
		string(inst.State), inst.AdministeredAt, inst.AdministeredBy,
		inst.Notes, inst.SkipReason, inst.Version, inst.UpdatedAt,
		inst.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update dose instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dose.ErrConcurrentModification
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendEvent appends an administration event on its own.
func (s *DoseStore) AppendEvent(ctx context.Context, ev *dose.AdministrationEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *dose.AdministrationEvent) error {
	query := `
		INSERT INTO administration_events
		(id, dose_id, prescription_id, actor_id, action, from_state, to_state, notes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		ev.ID, ev.DoseID, ev.PrescriptionID, ev.ActorID,
		string(ev.Action), string(ev.FromState), string(ev.ToState),
		ev.Notes, ev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert administration event: %w", err)
	}
	return nil
}

// AdvanceEscalation raises the escalation level with a guarded update. The
// row predicate is the dedupe record: only one caller per threshold sees a
// row change.
func (s *DoseStore) AdvanceEscalation(ctx context.Context, id uuid.UUID, level int) (bool, error) {
	query := `
		UPDATE dose_instances
		SET escalation_level = $1, updated_at = NOW()
		WHERE id = $2 AND escalation_level < $1 AND state = 'scheduled'
	`
	tag, err := s.pool.Exec(ctx, query, level, id)
	if err != nil {
		return false, fmt.Errorf("advance escalation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelPrescription end-dates the prescription and cancels its future
// non-terminal instances in a single transaction.
func (s *DoseStore) CancelPrescription(ctx context.Context, prescriptionID uuid.UUID, asOf time.Time) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	endDate := `
		UPDATE prescriptions
		SET cancelled_at = $1, active_until = $2, updated_at = $1
		WHERE id = $3 AND cancelled_at IS NULL
	`
	tag, err := tx.Exec(ctx, endDate, asOf, prescription.DateOf(asOf).String(), prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("end-date prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prescriptions WHERE id = $1)`, prescriptionID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, prescription.ErrNotFound
		}
		// Already cancelled; cascading again would be a no-op.
		return nil, tx.Commit(ctx)
	}

	cascade := `
		UPDATE dose_instances
		SET state = 'cancelled', version = version + 1, updated_at = $1
		WHERE prescription_id = $2
		  AND scheduled_time > $1
		  AND state = 'scheduled'
		RETURNING id
	`
	rows, err := tx.Query(ctx, cascade, asOf, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("cascade cancel: %w", err)
	}
	var cancelled []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		cancelled = append(cancelled, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cancelled, nil
}
