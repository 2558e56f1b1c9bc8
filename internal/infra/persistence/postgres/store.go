// Package postgres stores buffered market data in PostgreSQL.
package postgres

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webclinic017/wondertrader/internal/infra/persistence"
)

// Store persists ticks and bars for one ingest run. It satisfies the writer's
// Persister contract.
type Store struct {
	*persistence.Store
	runID uuid.UUID
	host  string
}

// New constructs a PostgreSQL market data store. Every row it writes carries a fresh
// run identifier.
func New(pool *pgxpool.Pool, host string) *Store {
	return &Store{
		Store: persistence.NewStore(pool),
		runID: uuid.New(),
		host:  host,
	}
}

// RunID identifies the rows written by this store.
func (s *Store) RunID() uuid.UUID {
	return s.runID
}
