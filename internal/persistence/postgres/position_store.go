package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/internal/tracker"
)

// PositionStore persists per-market positions keyed by market.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore constructs a PositionStore backed by the provided pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const (
	positionUpsertSQL = `
INSERT INTO positions (
    market,
    signed_size,
    avg_entry_price,
    realized_pnl,
    last_price,
    updated_at
)
VALUES (
    @market,
    @signed_size,
    @avg_entry_price,
    @realized_pnl,
    @last_price,
    NOW()
)
ON CONFLICT (market) DO UPDATE SET
    signed_size = EXCLUDED.signed_size,
    avg_entry_price = EXCLUDED.avg_entry_price,
    realized_pnl = EXCLUDED.realized_pnl,
    last_price = EXCLUDED.last_price,
    updated_at = NOW();
`

	positionSelectSQL = `
SELECT
    market,
    signed_size::text,
    avg_entry_price::text,
    realized_pnl::text,
    last_price::text
FROM positions
ORDER BY market
`
)

// Upsert writes the market's current position.
func (s *PositionStore) Upsert(ctx context.Context, pos tracker.Position) error {
	args := pgx.NamedArgs{
		"market":          pos.Market,
		"signed_size":     pos.SignedSize.String(),
		"avg_entry_price": pos.AverageEntryPrice.String(),
		"realized_pnl":    pos.RealizedPnL.String(),
		"last_price":      pos.LastPrice.String(),
	}
	if _, err := s.pool.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("position store: upsert position: %w", err)
	}
	return nil
}

// List returns every persisted position.
func (s *PositionStore) List(ctx context.Context) ([]tracker.Position, error) {
	rows, err := s.pool.Query(ctx, positionSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("position store: list positions: %w", err)
	}
	defer rows.Close()

	var positions []tracker.Position
	for rows.Next() {
		var market, signed, entry, realized, last string
		if err := rows.Scan(&market, &signed, &entry, &realized, &last); err != nil {
			return nil, fmt.Errorf("position store: scan position: %w", err)
		}
		pos := tracker.Position{Market: market}
		if pos.SignedSize, err = decimal.NewFromString(signed); err != nil {
			return nil, fmt.Errorf("position store: parse signed size: %w", err)
		}
		if pos.AverageEntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("position store: parse entry price: %w", err)
		}
		if pos.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, fmt.Errorf("position store: parse realized pnl: %w", err)
		}
		if pos.LastPrice, err = decimal.NewFromString(last); err != nil {
			return nil, fmt.Errorf("position store: parse last price: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position store: iterate positions: %w", err)
	}
	return positions, nil
}
