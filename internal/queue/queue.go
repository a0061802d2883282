// Package queue implements the bounded FIFO that carries completed unrolls
// and episode summaries from the inference path to the training path. It is
// the single synchronization boundary between the two: a full queue blocks
// producers, an empty queue blocks the consumer, and nothing else in the
// system throttles anyone.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed signals orderly shutdown to whichever side is still calling.
var ErrClosed = errors.New("queue closed")

// Queue is a blocking FIFO of records. Capacity 0 means unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []T
	capacity int
	closed   bool
}

// New creates a queue. capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue blocks until space is available, then appends item.
// Returns ErrClosed once the queue is closed.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(item)
}

// EnqueueMany appends items in order, blocking for space as needed. Records
// enqueued in one call preserve their relative order; no ordering is
// guaranteed across concurrent producer calls beyond FIFO-by-arrival.
func (q *Queue[T]) EnqueueMany(items []T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		if err := q.enqueueLocked(item); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue[T]) enqueueLocked(item T) error {
	for {
		if q.closed {
			return ErrClosed
		}
		if q.capacity <= 0 || len(q.items) < q.capacity {
			break
		}
		q.notFull.Wait()
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until one record is available and returns it.
// Returns ErrClosed once the queue is closed and fully drained.
func (q *Queue[T]) Dequeue() (T, error) {
	out, err := q.DequeueMany(1)
	if err != nil {
		var zero T
		return zero, err
	}
	return out[0], nil
}

// DequeueMany blocks until n records are available and returns them in FIFO
// order. A closing queue still drains its buffered records; once fewer than
// n remain after close, DequeueMany returns ErrClosed.
func (q *Queue[T]) DequeueMany(n int) ([]T, error) {
	if n <= 0 {
		return nil, errors.New("dequeue count must be > 0")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) < n {
		if q.closed {
			return nil, ErrClosed
		}
		q.notEmpty.Wait()
	}

	out := make([]T, n)
	copy(out, q.items[:n])
	remaining := len(q.items) - n
	copy(q.items, q.items[n:])
	q.items = q.items[:remaining]
	q.notFull.Broadcast()
	return out, nil
}

// Size is an instantaneous, best-effort count. It is racy by construction:
// the value may be stale by the time the caller acts on it.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close fails subsequent enqueues with ErrClosed and wakes all waiters.
// Buffered records remain dequeueable until drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}
