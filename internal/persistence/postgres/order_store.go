package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/internal/schema"
)

// OrderStore persists mirror order lifecycle information keyed by
// (market, order_id).
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    market,
    order_id,
    client_order_id,
    source_order_id,
    side,
    price,
    size,
    remaining_size,
    status,
    created_at,
    updated_at
)
VALUES (
    @market,
    @order_id,
    @client_order_id,
    @source_order_id,
    @side,
    @price,
    @size,
    @remaining_size,
    @status,
    @created_at,
    NOW()
)
ON CONFLICT (market, order_id) DO UPDATE SET
    remaining_size = EXCLUDED.remaining_size,
    status = EXCLUDED.status,
    updated_at = NOW();
`

	orderSelectSQL = `
SELECT
    market,
    order_id,
    client_order_id,
    source_order_id,
    side,
    price::text,
    size::text,
    remaining_size::text,
    status,
    created_at
FROM orders
`
)

// Upsert writes the order's current state, inserting on first sight and
// refreshing progress afterwards.
func (s *OrderStore) Upsert(ctx context.Context, order schema.Order) error {
	args := pgx.NamedArgs{
		"market":          order.Market,
		"order_id":        order.OrderID,
		"client_order_id": order.ClientOrderID,
		"source_order_id": order.SourceOrderID,
		"side":            string(order.Side),
		"price":           order.Price.String(),
		"size":            order.Size.String(),
		"remaining_size":  order.RemainingSize.String(),
		"status":          string(order.Status),
		"created_at":      order.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert order: %w", err)
	}
	return nil
}

// ListOpen returns the orders still awaiting completion, oldest first.
func (s *OrderStore) ListOpen(ctx context.Context) ([]schema.Order, error) {
	query := orderSelectSQL + ` WHERE status IN ('PENDING', 'OPEN', 'PARTIALLY_FILLED') ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("order store: list open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByMarket returns every persisted order for the market, oldest first.
func (s *OrderStore) ListByMarket(ctx context.Context, market string) ([]schema.Order, error) {
	query := orderSelectSQL + ` WHERE market = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, market)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]schema.Order, error) {
	var orders []schema.Order
	for rows.Next() {
		var (
			market        string
			orderID       int64
			clientOrderID string
			sourceOrderID int64
			side          string
			price         string
			size          string
			remaining     string
			status        string
			createdAt     time.Time
		)
		if err := rows.Scan(
			&market,
			&orderID,
			&clientOrderID,
			&sourceOrderID,
			&side,
			&price,
			&size,
			&remaining,
			&status,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		priceDec, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("order store: parse price: %w", err)
		}
		sizeDec, err := decimal.NewFromString(size)
		if err != nil {
			return nil, fmt.Errorf("order store: parse size: %w", err)
		}
		remainingDec, err := decimal.NewFromString(remaining)
		if err != nil {
			return nil, fmt.Errorf("order store: parse remaining size: %w", err)
		}
		orders = append(orders, schema.Order{
			OrderID:       orderID,
			ClientOrderID: clientOrderID,
			Market:        market,
			Side:          schema.TradeSide(side),
			Price:         priceDec,
			Size:          sizeDec,
			RemainingSize: remainingDec,
			Status:        schema.OrderStatus(status),
			SourceOrderID: sourceOrderID,
			CreatedAt:     createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}
