// Package scheduler orchestrates dose generation, lifecycle recomputation
// and administration recording over narrow persistence contracts.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
)

// PrescriptionStore is the read-mostly prescription persistence contract.
type PrescriptionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
	Create(ctx context.Context, p *prescription.Prescription) error
	// ListForRecipient returns all prescriptions for a care recipient,
	// including end-dated ones (their past doses still appear on schedules).
	ListForRecipient(ctx context.Context, careRecipientID uuid.UUID) ([]*prescription.Prescription, error)
	// ListActiveOn returns every prescription whose validity window covers
	// the given day. Used by the periodic sweep.
	ListActiveOn(ctx context.Context, d prescription.Date) ([]*prescription.Prescription, error)
}

// DoseStore is the dose instance persistence contract. Implementations must
// enforce uniqueness on (prescription_id, scheduled_time).
type DoseStore interface {
	// InsertIfAbsent creates the instance unless one already exists for its
	// (prescription, scheduled time) slot. Returns true when a row was
	// created. Existing rows are never mutated.
	InsertIfAbsent(ctx context.Context, inst *dose.Instance) (bool, error)

	Get(ctx context.Context, id uuid.UUID) (*dose.Instance, error)

	// FindBySlot returns the instance occupying a (prescription, scheduled
	// time) slot, or dose.ErrNotFound.
	FindBySlot(ctx context.Context, prescriptionID uuid.UUID, at time.Time) (*dose.Instance, error)

	// ListForRecipientBetween returns instances for a recipient with
	// scheduled time in [from, to).
	ListForRecipientBetween(ctx context.Context, careRecipientID uuid.UUID, from, to time.Time) ([]*dose.Instance, error)

	// ListUnresolvedBefore returns non-terminal instances scheduled at or
	// before the given instant, across all prescriptions. Used by the sweep
	// to recompute lifecycle state.
	ListUnresolvedBefore(ctx context.Context, before time.Time) ([]*dose.Instance, error)

	// Record writes a terminal state and its administration event
	// atomically, guarded by an optimistic check on expectedVersion. Returns
	// dose.ErrConcurrentModification when another writer won the race.
	Record(ctx context.Context, inst *dose.Instance, expectedVersion int, ev *dose.AdministrationEvent) error

	// AppendEvent appends an administration event outside a state change
	// (PRN creation, cancellation cascades).
	AppendEvent(ctx context.Context, ev *dose.AdministrationEvent) error

	// AdvanceEscalation raises the persisted escalation level to exactly
	// `level` if and only if the stored level is lower. The guarded update
	// is the dedupe record: the caller that observes true owns emitting the
	// intent for that threshold.
	AdvanceEscalation(ctx context.Context, id uuid.UUID, level int) (bool, error)
}

// CancelStore atomically end-dates a prescription and cancels its
// materialized future non-terminal instances in a single transaction.
type CancelStore interface {
	// CancelPrescription returns the IDs of the instances it cancelled.
	// Instances scheduled at or before asOf, and terminal instances, are
	// untouched.
	CancelPrescription(ctx context.Context, prescriptionID uuid.UUID, asOf time.Time) ([]uuid.UUID, error)
}
