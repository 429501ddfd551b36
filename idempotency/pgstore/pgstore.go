// Package pgstore backs the idempotency guard with PostgreSQL. Claims are
// rows keyed by idempotency key; expiry is judged against database time so
// workers with skewed clocks agree on what is live.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.flowbatch.tech/idempotency"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key        TEXT PRIMARY KEY,
    token      TEXT NOT NULL,
    status     TEXT NOT NULL,
    result     BYTEA,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at ON idempotency_keys (expires_at);
`

// Store implements idempotency.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool. Only call it when the Store was built with Open.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the idempotency table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create idempotency schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (*idempotency.Acquisition, error) {
	token := uuid.NewString()
	var claimed string
	err := s.pool.QueryRow(ctx, `
INSERT INTO idempotency_keys (key, token, status, result, expires_at)
VALUES ($1, $2, 'PENDING', NULL, now() + make_interval(secs => $3))
ON CONFLICT (key) DO UPDATE
SET token = EXCLUDED.token, status = 'PENDING', result = NULL, expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= now()
RETURNING key`,
		key, token, ttl.Seconds(),
	).Scan(&claimed)
	if err == nil {
		return &idempotency.Acquisition{Acquired: true, Token: token}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres acquire %s: %w", key, err)
	}

	// The upsert matched a live row. Report it so the caller can tell an
	// in-flight duplicate from a completed one.
	existing, gerr := s.Get(ctx, key)
	if gerr != nil {
		return nil, gerr
	}
	return &idempotency.Acquisition{Existing: existing}, nil
}

func (s *Store) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
UPDATE idempotency_keys
SET status = 'COMPLETED', result = $3, expires_at = now() + make_interval(secs => $4)
WHERE key = $1 AND token = $2 AND status = 'PENDING'`,
		key, token, result, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("postgres complete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM idempotency_keys WHERE key = $1 AND token = $2 AND status = 'PENDING'`,
		key, token)
	if err != nil {
		return fmt.Errorf("postgres release %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec := idempotency.Record{Key: key}
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT status, result, expires_at FROM idempotency_keys
WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&status, &rec.Result, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	rec.Status = idempotency.Status(status)
	return &rec, nil
}

// Sweep deletes expired rows and returns how many were dropped. Run it
// periodically; expired rows are otherwise only overwritten on reuse.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
