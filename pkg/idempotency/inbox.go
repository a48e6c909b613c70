// Package idempotency records processed messages so redelivered batch
// requests return the stored result instead of recalculating.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the inbox table
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_inbox_expires ON inbox (expires_at);
`

// Status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage means another consumer claimed the key first
	ErrDuplicateMessage = errors.New("duplicate message: already claimed")
	// ErrMessageInProgress means the key is being processed and is not stale yet
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

type entry struct {
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
}

// InboxConfig holds inbox settings
type InboxConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout after which a STARTED entry may be reclaimed
	RecoveryTimeout time.Duration
	// Terminal reports handler errors that must not be reprocessed
	Terminal func(error) bool
}

// DefaultInboxConfig returns defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox guards handlers with a postgres-backed idempotency record
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// EnsureSchema creates the inbox table
func (i *Inbox) EnsureSchema(ctx context.Context) error {
	if _, err := i.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create inbox schema: %w", err)
	}
	return nil
}

// ProcessResult is the outcome of Process
type ProcessResult struct {
	// Duplicate is set when Result was loaded from a finished entry
	Duplicate bool
	Recovered bool
	Result    json.RawMessage
}

// ProcessFunc is a handler guarded by the inbox
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn once per key. A finished key returns its stored result.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	existing, err := i.load(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if existing != nil {
		switch existing.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: existing.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(existing.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		failure, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, i.failureStatus(handlerErr), failure); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// the handler already succeeded
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Recovered: recovered, Result: result}, nil
}

// failureStatus is FAILED for terminal errors, RECOVERABLE otherwise
func (i *Inbox) failureStatus(err error) Status {
	if i.config.Terminal != nil && i.config.Terminal(err) {
		return StatusFailed
	}
	return StatusRecoverable
}

// Key derives a deterministic idempotency key from its parts
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (i *Inbox) load(ctx context.Context, key string) (*entry, error) {
	e := &entry{}
	err := i.pool.QueryRow(ctx,
		`SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1`, key,
	).Scan(&e.Status, &e.Result, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts a STARTED entry or takes over a recoverable one
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`,
		key, handler, StatusStarted, payload, time.Now().Add(i.config.TTL),
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup removes expired entries on the configured interval until Stop
func (i *Inbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := i.Cleanup(ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
				}
			}
		}
	}()
}

// Stop ends the cleanup loop
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Cleanup deletes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
