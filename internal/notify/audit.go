package notify

import (
	"context"
	"time"
)

// AuditEntry is one append-only audit record. The audit collaborator owns
// persistence and querying; this module only appends.
type AuditEntry struct {
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// AuditLog appends audit records. Failures must never roll back the domain
// action that produced them; callers log and continue.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
}

// NopAuditLog discards entries. Used in tests and when auditing is disabled.
type NopAuditLog struct{}

// Append does nothing.
func (NopAuditLog) Append(ctx context.Context, e AuditEntry) error { return nil }
