// Package store is the Postgres persistence layer for the send-message
// pipeline: conversations, messages, their LLM/context sidecars, BYOK keys,
// idempotency records, and the read-only model registry.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool with the send-message pipeline's schema
// and query set. Every method takes its own context so callers control
// per-call timeouts and cancellation.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-open pool. Opening the pool itself (DSN parsing,
// pool-size tuning, initial ping) is main's job, not this package's.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components (the send and stream
// orchestrators, the sweeper, the readiness probe) that need raw
// transaction control or a ping beyond what Store's methods offer.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema creates every table this core owns if it does not already
// exist. It is idempotent and safe to call on every process start; it is not
// a substitute for the out-of-scope migration tooling that owns the rest of
// the platform's schema (libraries, media, fragments, highlights,
// annotations are created here too since send-message reads them directly
// and no migration runner is in scope for this core).
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store: EnsureSchema requires a pool")
	}
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}
