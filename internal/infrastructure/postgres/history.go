package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
)

// ErrCalculationNotFound is returned by Get for unknown IDs
var ErrCalculationNotFound = dispense.ErrCalculationNotFound

// HistoryRepository stores completed calculations
type HistoryRepository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewHistoryRepository creates a repository. When topic is non-empty every
// Save also writes an outbox entry for that topic in the same transaction.
func NewHistoryRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *HistoryRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryRepository{pool: pool, topic: topic, logger: logger}
}

// Save persists calc
func (r *HistoryRepository) Save(ctx context.Context, calc *dispense.Calculation) error {
	result, err := json.Marshal(calc)
	if err != nil {
		return fmt.Errorf("marshal calculation: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var primary *string
	if p, ok := calc.Primary(); ok {
		primary = &p.Code
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ndc_calculations (id, query, rxcui, primary_ndc, total_quantity, used_ai, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, calc.ID, calc.Query, calc.Identity.ID, primary, calc.TotalQuantity, calc.Metadata.UsedAI, result, calc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert calculation: %w", err)
	}

	if r.topic != "" {
		entry, err := NewCalculationEntry(calc, r.topic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.Debug("calculation stored", zap.String("id", calc.ID), zap.String("rxcui", calc.Identity.ID))
	return nil
}

// Get loads a calculation by ID
func (r *HistoryRepository) Get(ctx context.Context, id string) (*dispense.Calculation, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT result FROM ndc_calculations WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCalculationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select calculation: %w", err)
	}
	calc := &dispense.Calculation{}
	if err := json.Unmarshal(raw, calc); err != nil {
		return nil, fmt.Errorf("decode calculation %s: %w", id, err)
	}
	return calc, nil
}

// Recent lists the latest calculations for an identity, newest first
func (r *HistoryRepository) Recent(ctx context.Context, rxcui string, limit int) ([]*dispense.Calculation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT result FROM ndc_calculations
		WHERE rxcui = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, rxcui, limit)
	if err != nil {
		return nil, fmt.Errorf("query calculations: %w", err)
	}
	defer rows.Close()

	var out []*dispense.Calculation
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan calculation: %w", err)
		}
		calc := &dispense.Calculation{}
		if err := json.Unmarshal(raw, calc); err != nil {
			return nil, fmt.Errorf("decode calculation: %w", err)
		}
		out = append(out, calc)
	}
	return out, rows.Err()
}
