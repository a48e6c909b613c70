package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
)

// EventCalculationCompleted is the event type written for each stored calculation
const EventCalculationCompleted = "calculation.completed"

// outboxLockID keys the advisory lock so only one relay drains at a time
const outboxLockID int64 = 0x6e6463 // "ndc"

// OutboxEntry is a row of the outbox table
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// CalculationEvent is the payload published for a completed calculation.
// Consumers that need the full result can fetch it by ID.
type CalculationEvent struct {
	CalculationID string    `json:"calculation_id"`
	Query         string    `json:"query"`
	RxCUI         string    `json:"rxcui"`
	DrugName      string    `json:"drug_name"`
	TotalQuantity int       `json:"total_quantity"`
	PrimaryNDC    string    `json:"primary_ndc,omitempty"`
	Dispensed     float64   `json:"dispensed,omitempty"`
	WastePercent  float64   `json:"waste_percent"`
	UsedAI        bool      `json:"used_ai"`
	Warnings      int       `json:"warnings"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewCalculationEntry builds the outbox entry for calc on topic
func NewCalculationEntry(calc *dispense.Calculation, topic string) (*OutboxEntry, error) {
	if calc == nil {
		return nil, errors.New("nil calculation")
	}
	ev := CalculationEvent{
		CalculationID: calc.ID,
		Query:         calc.Query,
		RxCUI:         calc.Identity.ID,
		DrugName:      calc.Identity.CanonicalName,
		TotalQuantity: calc.TotalQuantity,
		WastePercent:  calc.OverfillPercentage,
		UsedAI:        calc.Metadata.UsedAI,
		Warnings:      len(calc.Warnings),
		CreatedAt:     calc.CreatedAt,
	}
	if p, ok := calc.Primary(); ok {
		ev.PrimaryNDC = p.Code
		ev.Dispensed = p.QuantityToDispense
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal calculation event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   calc.ID,
		AggregateType: "calculation",
		EventType:     EventCalculationCompleted,
		Payload:       payload,
		Topic:         topic,
		Key:           calc.Identity.ID,
	}, nil
}

// WriteEntry inserts entry inside tx. Call it in the same transaction as the
// row it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Publisher sends one record to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig tunes the outbox relay
type RelayConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterTopic string
	Retention       time.Duration
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "ndc.dead-letter",
		Retention:       72 * time.Hour,
	}
}

// Relay drains the outbox to the broker
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	cfg       RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	onPublish func(topic string, err error)
}

// NewRelay creates a relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// OnPublish registers a hook called after every publish attempt
func (r *Relay) OnPublish(fn func(topic string, err error)) {
	r.onPublish = fn
}

// Run polls until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("poll_interval", r.cfg.PollInterval))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		case <-cleanup.C:
			if n, err := r.Cleanup(ctx); err != nil {
				r.logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("outbox cleaned", zap.Int64("removed", n))
			}
		}
	}
}

// Drain publishes one batch and returns how many entries were delivered.
// Rows are locked for the duration of the transaction so concurrent relays
// skip them.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return 0, nil
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", outboxLockID); err != nil {
			r.logger.Warn("advisory unlock failed", zap.Error(err))
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := pending(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch", len(entries)))

	delivered := 0
	for _, e := range entries {
		if r.deliver(ctx, tx, e) {
			delivered++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, "commit failed")
		return 0, fmt.Errorf("commit: %w", err)
	}
	return delivered, nil
}

func pending(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// deliver publishes e, routing it to the dead letter topic once retries are spent
func (r *Relay) deliver(ctx context.Context, tx pgx.Tx, e *OutboxEntry) bool {
	topic, payload := e.Topic, []byte(e.Payload)
	if r.cfg.MaxRetries > 0 && e.RetryCount >= r.cfg.MaxRetries {
		topic = r.cfg.DeadLetterTopic
		payload = DeadLetterPayload(e)
	}

	err := r.publisher.Publish(ctx, topic, e.Key, payload)
	if r.onPublish != nil {
		r.onPublish(topic, err)
	}
	if err != nil {
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", e.ID),
			zap.String("topic", topic),
			zap.Int("retry_count", e.RetryCount),
			zap.Error(err))
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), e.ID); uerr != nil {
			r.logger.Error("failed to record outbox failure", zap.Int64("id", e.ID), zap.Error(uerr))
		}
		return false
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
		r.logger.Error("failed to mark outbox entry", zap.Int64("id", e.ID), zap.Error(err))
		return false
	}
	if topic == r.cfg.DeadLetterTopic {
		r.logger.Warn("outbox entry dead-lettered", zap.Int64("id", e.ID), zap.String("event_type", e.EventType))
	}
	return true
}

// DeadLetterPayload wraps an undeliverable entry with its failure context
func DeadLetterPayload(e *OutboxEntry) []byte {
	var lastErr string
	if e.LastError != nil {
		lastErr = *e.LastError
	}
	b, _ := json.Marshal(struct {
		OriginalTopic string          `json:"original_topic"`
		EventType     string          `json:"event_type"`
		AggregateID   string          `json:"aggregate_id"`
		Payload       json.RawMessage `json:"payload"`
		RetryCount    int             `json:"retry_count"`
		LastError     string          `json:"last_error,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
	}{e.Topic, e.EventType, e.AggregateID, e.Payload, e.RetryCount, lastErr, e.CreatedAt})
	return b
}

// Cleanup removes delivered entries older than the retention window
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.cfg.Retention)
	tag, err := r.pool.Exec(ctx, `DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Failing       int64      `json:"failing"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats reports pending work
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	s := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox WHERE processed_at IS NULL
	`).Scan(&s.Pending, &s.Failing, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
