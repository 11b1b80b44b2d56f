package prescription

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the prescription does not exist.
var ErrNotFound = errors.New("prescription not found")

// Criticality classifies how urgent a missed administration is.
type Criticality string

const (
	CriticalityRoutine    Criticality = "routine"
	CriticalityImportant  Criticality = "important"
	CriticalityLifeSaving Criticality = "life_saving"
)

// Prescription is a standing medication order for one care recipient. It is
// read-mostly: once created it is only ever end-dated or cancelled, never
// retroactively mutated in a way that changes already-generated doses.
type Prescription struct {
	ID              uuid.UUID
	CareRecipientID uuid.UUID
	Name            string
	Form            string
	Dosage          string
	Route           string

	Recurrence Rule

	ActiveFrom  Date
	ActiveUntil *Date // nil means open-ended

	Criticality        Criticality
	HighAlert          bool
	GracePeriodMinutes int
	EscalationEnabled  bool

	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks structural invariants.
func (p *Prescription) Validate() error {
	if p.Name == "" {
		return errors.New("prescription name is required")
	}
	if p.GracePeriodMinutes < 0 {
		return errors.New("grace period must be >= 0")
	}
	if p.ActiveUntil != nil && p.ActiveUntil.Before(p.ActiveFrom) {
		return errors.New("activeUntil must not precede activeFrom")
	}
	return p.Recurrence.Validate()
}

// ActiveOn reports whether the prescription covers the given calendar day.
// A cancelled prescription covers nothing.
func (p *Prescription) ActiveOn(d Date) bool {
	if p.CancelledAt != nil {
		return false
	}
	if d.Before(p.ActiveFrom) {
		return false
	}
	if p.ActiveUntil != nil && d.After(*p.ActiveUntil) {
		return false
	}
	return true
}

// ClampWindow intersects [from, to] with the prescription's validity window.
// ok is false when the intersection is empty.
func (p *Prescription) ClampWindow(from, to Date) (Date, Date, bool) {
	if p.ActiveFrom.After(from) {
		from = p.ActiveFrom
	}
	if p.ActiveUntil != nil && p.ActiveUntil.Before(to) {
		to = *p.ActiveUntil
	}
	if from.After(to) {
		return Date{}, Date{}, false
	}
	return from, to, true
}

// GracePeriod returns the grace window as a duration.
func (p *Prescription) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodMinutes) * time.Minute
}
