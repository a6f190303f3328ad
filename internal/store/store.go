// Package store wraps an optional PostgreSQL pool used to persist
// durable audit/session-log records outside the in-memory stage state.
// No game or application state goes through here — stages hold their own
// state in memory for the lifetime of the process, per the framework's
// non-goals; Store only backs an operator-facing audit trail.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool for audit/session-log persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a Store handle.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pgx pool, for goose migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// RecordSessionEvent appends one row to the audit log: a session lifecycle
// or stage-RPC event worth keeping outside process memory (authenticate,
// join, leave, stage create). stageID is 0 when the event has no stage.
func (s *Store) RecordSessionEvent(ctx context.Context, accountID, event string, stageID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (account_id, event, stage_id, occurred_at) VALUES ($1, $2, $3, now())`,
		accountID, event, stageID,
	)
	if err != nil {
		return fmt.Errorf("recording audit event %q for %q: %w", event, accountID, err)
	}
	return nil
}
