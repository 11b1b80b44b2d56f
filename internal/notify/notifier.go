// Package notify defines the outbound collaborator contracts: the notifier
// that delivers dose alerts and the append-only audit log. Delivery, retries
// and channel selection are the collaborators' concern, not this module's.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/pkg/circuitbreaker"
)

// Kind classifies a notification.
type Kind string

const (
	KindDoseLate   Kind = "dose.late"
	KindEscalation Kind = "dose.escalation"
)

// Notification is one alert about a dose instance.
type Notification struct {
	Kind            Kind      `json:"kind"`
	DoseID          uuid.UUID `json:"dose_id"`
	PrescriptionID  uuid.UUID `json:"prescription_id"`
	CareRecipientID uuid.UUID `json:"care_recipient_id"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	Level           int       `json:"level,omitempty"`
	TargetRoles     []string  `json:"target_roles"`
	EmittedAt       time.Time `json:"emitted_at"`
}

// Notifier accepts notifications for out-of-band delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RolesFor maps a prescription's criticality and the escalation level to the
// staff roles that must be alerted.
func RolesFor(c prescription.Criticality, level int) []string {
	roles := []string{"nurse"}
	if c == prescription.CriticalityImportant || c == prescription.CriticalityLifeSaving || level >= 2 {
		roles = append(roles, "care_supervisor")
	}
	if c == prescription.CriticalityLifeSaving && level >= 2 {
		roles = append(roles, "on_call_clinician")
	}
	return roles
}

// Publisher is the minimal message-bus surface the Kafka notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// KafkaNotifier publishes notifications to the notification topic, guarded
// by a circuit breaker so a broker outage cannot stall schedule reads.
type KafkaNotifier struct {
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	topic     string
	logger    *zap.Logger
}

// NewKafkaNotifier creates a Kafka-backed notifier.
func NewKafkaNotifier(publisher Publisher, breaker *circuitbreaker.CircuitBreaker, topic string, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{publisher: publisher, breaker: breaker, topic: topic, logger: logger}
}

// Notify publishes the notification keyed by dose ID so alerts for the same
// dose stay ordered on one partition.
func (n *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}

	_, err = n.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, n.publisher.Publish(ctx, n.topic, note.DoseID.String(), payload)
	})
	if err != nil {
		n.logger.Error("notification publish failed",
			zap.String("kind", string(note.Kind)),
			zap.String("dose_id", note.DoseID.String()),
			zap.Error(err))
		return err
	}
	return nil
}
