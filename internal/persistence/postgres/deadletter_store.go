package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/internal/retry"
	"github.com/coachpo/kurumirror/internal/schema"
)

// DeadLetterStore appends exhausted actions to an operator-facing table.
// Records are never updated or deleted by the engine; replay and cleanup
// are manual decisions.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs a DeadLetterStore backed by the provided pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const (
	deadLetterInsertSQL = `
INSERT INTO dead_letters (
    market,
    client_order_id,
    source_order_id,
    side,
    price,
    size,
    attempts,
    last_error,
    failed_at
)
VALUES (
    @market,
    @client_order_id,
    @source_order_id,
    @side,
    @price,
    @size,
    @attempts,
    @last_error,
    @failed_at
);
`

	deadLetterSelectSQL = `
SELECT
    market,
    client_order_id,
    source_order_id,
    side,
    price::text,
    size::text,
    attempts,
    last_error,
    failed_at
FROM dead_letters
ORDER BY failed_at DESC
LIMIT $1
`
)

// Append records one exhausted action.
func (s *DeadLetterStore) Append(ctx context.Context, letter retry.DeadLetter) error {
	args := pgx.NamedArgs{
		"market":          letter.Action.Market,
		"client_order_id": letter.Action.ClientOrderID,
		"source_order_id": letter.Action.SourceOrderID,
		"side":            string(letter.Action.Side),
		"price":           letter.Action.Price.String(),
		"size":            letter.Action.Size.String(),
		"attempts":        letter.Attempts,
		"last_error":      letter.LastError,
		"failed_at":       letter.FailedAt,
	}
	if _, err := s.pool.Exec(ctx, deadLetterInsertSQL, args); err != nil {
		return fmt.Errorf("dead letter store: append: %w", err)
	}
	return nil
}

// List returns the most recent dead letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]retry.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, deadLetterSelectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letter store: list: %w", err)
	}
	defer rows.Close()

	var letters []retry.DeadLetter
	for rows.Next() {
		var (
			market        string
			clientOrderID string
			sourceOrderID int64
			side          string
			price         string
			size          string
			attempts      int
			lastError     string
			failedAt      time.Time
		)
		if err := rows.Scan(
			&market,
			&clientOrderID,
			&sourceOrderID,
			&side,
			&price,
			&size,
			&attempts,
			&lastError,
			&failedAt,
		); err != nil {
			return nil, fmt.Errorf("dead letter store: scan: %w", err)
		}
		priceDec, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("dead letter store: parse price: %w", err)
		}
		sizeDec, err := decimal.NewFromString(size)
		if err != nil {
			return nil, fmt.Errorf("dead letter store: parse size: %w", err)
		}
		letters = append(letters, retry.DeadLetter{
			Action: schema.Action{
				ClientOrderID: clientOrderID,
				Market:        market,
				Side:          schema.TradeSide(side),
				Price:         priceDec,
				Size:          sizeDec,
				SourceOrderID: sourceOrderID,
			},
			Attempts:  attempts,
			LastError: lastError,
			FailedAt:  failedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter store: iterate: %w", err)
	}
	return letters, nil
}
