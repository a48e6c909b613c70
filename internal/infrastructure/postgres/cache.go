// Package postgres provides PostgreSQL infrastructure: the shared lookup cache,
// calculation history and the transactional outbox for calculation events.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/cache"
)

// Schema creates the tables used by this package
const Schema = `
CREATE TABLE IF NOT EXISTS ndc_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ndc_calculations (
	id             UUID PRIMARY KEY,
	query          TEXT NOT NULL,
	rxcui          TEXT NOT NULL,
	primary_ndc    TEXT,
	total_quantity INTEGER NOT NULL,
	used_ai        BOOLEAN NOT NULL DEFAULT FALSE,
	result         JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ndc_calculations_rxcui_idx ON ndc_calculations (rxcui, created_at DESC);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;
`

// EnsureSchema applies Schema
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Cache is a cache.Cache shared by every API instance.
type Cache struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewCache creates a postgres-backed cache
func NewCache(pool *pgxpool.Pool, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{pool: pool, logger: logger}
}

// Get implements cache.Cache
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.pool.QueryRow(ctx, `
		SELECT value FROM ndc_cache
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("select cache entry: %w", err)
	}
	return value, nil
}

// Set implements cache.Cache
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO ndc_cache (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expires)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Invalidate implements cache.Cache
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM ndc_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Purge removes expired entries
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM ndc_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
