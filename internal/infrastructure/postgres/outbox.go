// Package postgres: transactional outbox for notification and audit intents.
// Intents are enqueued alongside the domain write and relayed to Kafka by a
// separate process, so a broker outage never blocks or rolls back an
// administration.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry represents an intent awaiting publication.
type OutboxEntry struct {
	ID          int64
	EntityID    string
	IntentKind  string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox manages the transactional outbox pattern
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Enqueue writes an outbox entry. Callers with their own transaction should
// include the insert in it; this helper covers single-intent writes.
func Enqueue(ctx context.Context, pool *pgxpool.Pool, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (entity_id, intent_kind, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := pool.QueryRow(ctx, query,
		entry.EntityID,
		entry.IntentKind,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	// Single-relay advisory lock; a second relay instance idles.
	lockID := int64(824361002)
	var acquired bool
	err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
	if err != nil || !acquired {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID)

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}

	if len(entries) == 0 {
		return
	}

	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.processEntry(ctx, entry); err != nil {
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("intent_kind", entry.IntentKind),
				zap.Error(err))
		}
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, entity_id, intent_kind, payload, topic, key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.EntityID, &entry.IntentKind,
			&entry.Payload, &entry.Topic, &entry.Key,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("intent_kind", entry.IntentKind),
			attribute.String("entity_id", entry.EntityID),
		))
	defer span.End()

	err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload)
	if err != nil {
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1
			WHERE id = $2
		`
		errStr := err.Error()
		if _, updateErr := o.pool.Exec(ctx, updateQuery, errStr, entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	markQuery := `UPDATE outbox SET processed_at = NOW() WHERE id = $1`
	if _, err := o.pool.Exec(ctx, markQuery, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))

	return nil
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`

	result, err := o.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exceeded max retries to the dead
// letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, entity_id, intent_kind, payload, topic, key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.EntityID, &entry.IntentKind,
			&entry.Payload, &entry.Topic, &entry.Key,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			continue
		}

		dlPayload, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"intent_kind":    entry.IntentKind,
			"entity_id":      entry.EntityID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})

		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}

		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark DLQ entry", zap.Error(err))
			continue
		}

		count++
	}

	return count, nil
}

// PendingCount returns the number of unprocessed entries, for the pending
// gauge.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var pending int64
	err := o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1",
		o.config.MaxRetries).Scan(&pending)
	return pending, err
}
