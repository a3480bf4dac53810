package retry

import (
	"sync"
	"time"

	"github.com/coachpo/kurumirror/internal/schema"
)

// DeadLetter records an action that exhausted its retries or failed
// terminally, together with the failure context an operator needs to
// replay or discard it.
type DeadLetter struct {
	Action    schema.Action
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// DeadLetterQueue stores actions that could not be executed.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []DeadLetter
}

// NewDeadLetterQueue creates a queue with the provided capacity.
// Capacity <= 0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.letters = make([]DeadLetter, 0)
	return queue
}

// Offer records a failed action in the queue.
func (q *DeadLetterQueue) Offer(letter DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		// Drop oldest letter to make space for the new record.
		copy(q.letters[0:], q.letters[1:])
		q.letters[len(q.letters)-1] = letter
		return
	}
	q.letters = append(q.letters, letter)
}

// Drain retrieves and clears all queued letters.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetter, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Peek returns a copy of the queued letters without clearing them.
func (q *DeadLetterQueue) Peek() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	letters := make([]DeadLetter, len(q.letters))
	copy(letters, q.letters)
	return letters
}

// Len returns the number of queued letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}
