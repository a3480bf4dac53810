package postgres

import (
	"context"

	"github.com/coachpo/kurumirror/internal/retry"
	"github.com/coachpo/kurumirror/internal/schema"
	"github.com/coachpo/kurumirror/internal/tracker"
)

// Journal adapts the Store into the engine's recorder hook.
type Journal struct {
	store *Store
}

// NewJournal wraps the store for engine journaling.
func NewJournal(store *Store) *Journal {
	return &Journal{store: store}
}

// RecordOrder persists the order's current state.
func (j *Journal) RecordOrder(ctx context.Context, order schema.Order) error {
	return j.store.Orders.Upsert(ctx, order)
}

// RecordPosition persists the market's current position.
func (j *Journal) RecordPosition(ctx context.Context, pos tracker.Position) error {
	return j.store.Positions.Upsert(ctx, pos)
}

// RecordDeadLetter appends an exhausted action to the dead letter table.
func (j *Journal) RecordDeadLetter(ctx context.Context, letter retry.DeadLetter) error {
	return j.store.DeadLetters.Append(ctx, letter)
}
