package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Dequeue once the queue is closed and drained.
	ErrClosed = errors.New("queue closed")
	// ErrTimeout is returned by Dequeue when no item arrived in time.
	ErrTimeout = errors.New("dequeue timed out")
)

// Queue is an in-memory FIFO shared by any number of producers and a
// single consumer. Capacity 0 means unbounded.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	cap    int
	closed bool
	ready  chan struct{}
}

// New creates a queue. capacity <= 0 leaves it unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		cap:   capacity,
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends v without blocking. It returns false when the queue is
// closed or at capacity; the item is not stored in that case.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	if q.closed || (q.cap > 0 && len(q.items)-q.head >= q.cap) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return true
}

// TryDequeue pops the oldest item, or reports false if the queue is empty.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Dequeue blocks until an item is available, the timeout elapses, ctx is
// done, or the queue is closed and empty. timeout <= 0 waits indefinitely.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return v, nil
		}
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.ready:
		case <-expired:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops accepting new items. Buffered items can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 1024 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
