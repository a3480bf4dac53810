// Package postgres persists mirror state so a restart can resume
// reconciliation instead of starting blind.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the PostgreSQL-backed repositories behind one pool.
type Store struct {
	pool *pgxpool.Pool

	Orders      *OrderStore
	Positions   *PositionStore
	DeadLetters *DeadLetterStore
}

// Connect opens a pgx pool against dsn and wraps it in a Store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool in a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		Orders:      NewOrderStore(pool),
		Positions:   NewPositionStore(pool),
		DeadLetters: NewDeadLetterStore(pool),
	}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
