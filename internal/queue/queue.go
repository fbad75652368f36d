// Package queue holds samples between the telemetry handlers that produce
// them and the writers that drain them in batches.
package queue

import "sync"

// Queue is a goroutine-safe FIFO. A bounded queue discards its oldest
// items once the limit is reached, so a stalled writer costs history
// rather than memory.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	dropped uint64
}

func New[T any]() *Queue[T] {
	return &Queue[T]{items: make([]T, 0)}
}

// NewBounded returns a queue that keeps at most limit items. A limit of
// zero or less means unbounded.
func NewBounded[T any](limit int) *Queue[T] {
	q := New[T]()
	if limit > 0 {
		q.limit = limit
	}
	return q
}

// Push appends items, evicting from the front if the queue is bounded.
func (q *Queue[T]) Push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.limit > 0 && len(q.items) > q.limit {
		over := len(q.items) - q.limit
		q.dropped += uint64(over)
		q.items = append(q.items[:0], q.items[over:]...)
	}
}

// Requeue puts items back at the front, ahead of anything pushed since
// they were taken. The bound still evicts from the front.
func (q *Queue[T]) Requeue(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	if q.limit > 0 && len(merged) > q.limit {
		over := len(merged) - q.limit
		q.dropped += uint64(over)
		merged = merged[over:]
	}
	q.items = merged
}

// Pop removes the oldest item. It returns the zero value when empty.
func (q *Queue[T]) Pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item
}

func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of items evicted by the bound since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// GetAndEmpty hands the queued items to the caller in order and leaves the
// queue empty.
func (q *Queue[T]) GetAndEmpty() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]T, 0, cap(out))
	return out
}
