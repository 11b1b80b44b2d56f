package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Prescription event types.
const (
	EventPrescriptionCreated   = "prescription.created"
	EventPrescriptionCancelled = "prescription.cancelled"
)

// PrescriptionEvent announces a prescription change to downstream workers.
// The sweep worker reacts to created events by generating first-week coverage
// without waiting for the next sweep tick.
type PrescriptionEvent struct {
	Type            string    `json:"type"`
	PrescriptionID  uuid.UUID `json:"prescription_id"`
	CareRecipientID uuid.UUID `json:"care_recipient_id"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// EventLog accepts prescription events for out-of-band delivery.
type EventLog interface {
	Publish(ctx context.Context, ev PrescriptionEvent) error
}

// NopEventLog discards events. Useful in tests.
type NopEventLog struct{}

func (NopEventLog) Publish(context.Context, PrescriptionEvent) error { return nil }
