// Package store is the persistence layer of the runtime. It owns runs,
// events, checkpoints, run messages, and dependency edges; every other
// component goes through it and never touches storage directly.
//
// Scope discipline: every read that takes a run id also takes a Scope and
// returns ErrNotFound when the stored scope does not match. Writes record
// the caller's scope and never copy it from prior rows. A nil project in
// a scope matches only rows whose project is null (IS NOT DISTINCT FROM).
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides access to all persisted runtime entities.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components that need transactional
// access coalesced with their own statements (the event recorder).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
