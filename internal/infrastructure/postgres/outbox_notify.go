package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelinx/medtrack/internal/notify"
)

// OutboxNotifier implements notify.Notifier by enqueueing intents in the
// outbox instead of publishing directly. The relay delivers them, so a
// broker outage cannot fail a schedule read or an administration.
type OutboxNotifier struct {
	pool  *pgxpool.Pool
	topic string
}

// NewOutboxNotifier creates an outbox-backed notifier.
func NewOutboxNotifier(pool *pgxpool.Pool, topic string) *OutboxNotifier {
	return &OutboxNotifier{pool: pool, topic: topic}
}

// Notify enqueues the notification intent.
func (n *OutboxNotifier) Notify(ctx context.Context, note notify.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return Enqueue(ctx, n.pool, &OutboxEntry{
		EntityID:   note.DoseID.String(),
		IntentKind: string(note.Kind),
		Payload:    payload,
		Topic:      n.topic,
		Key:        note.DoseID.String(),
	})
}

// OutboxEventLog implements notify.EventLog over the outbox, so prescription
// events commit or roll back with the write that caused them.
type OutboxEventLog struct {
	pool  *pgxpool.Pool
	topic string
}

// NewOutboxEventLog creates an outbox-backed prescription event log.
func NewOutboxEventLog(pool *pgxpool.Pool, topic string) *OutboxEventLog {
	return &OutboxEventLog{pool: pool, topic: topic}
}

// Publish enqueues the prescription event keyed by prescription ID.
func (l *OutboxEventLog) Publish(ctx context.Context, ev notify.PrescriptionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return Enqueue(ctx, l.pool, &OutboxEntry{
		EntityID:   ev.PrescriptionID.String(),
		IntentKind: ev.Type,
		Payload:    payload,
		Topic:      l.topic,
		Key:        ev.PrescriptionID.String(),
	})
}

// OutboxAuditLog implements notify.AuditLog over the outbox.
type OutboxAuditLog struct {
	pool  *pgxpool.Pool
	topic string
}

// NewOutboxAuditLog creates an outbox-backed audit log.
func NewOutboxAuditLog(pool *pgxpool.Pool, topic string) *OutboxAuditLog {
	return &OutboxAuditLog{pool: pool, topic: topic}
}

// Append enqueues the audit entry.
func (a *OutboxAuditLog) Append(ctx context.Context, e notify.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return Enqueue(ctx, a.pool, &OutboxEntry{
		EntityID:   e.EntityID,
		IntentKind: e.Action,
		Payload:    payload,
		Topic:      a.topic,
		Key:        e.EntityID,
	})
}
