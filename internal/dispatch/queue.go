package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue feeding the worker pool. Delivery is
// at-most-once by construction; run-level retries would violate the
// execution guarantee, so there is no redelivery path.
type Queue[T any] struct {
	items  chan T
	mu     sync.RWMutex
	closed bool
}

func NewQueue[T any](buffer int) *Queue[T] {
	if buffer <= 0 {
		buffer = 128
	}
	return &Queue[T]{items: make(chan T, buffer)}
}

// Publish enqueues an item, blocking when the buffer is full. Publish after
// Close returns ErrQueueClosed; the read lock keeps Close from closing the
// channel mid-send.
func (q *Queue[T]) Publish(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until an item is available or the context ends.
func (q *Queue[T]) Consume(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case item, ok := <-q.items:
		if !ok {
			return zero, false, nil
		}
		return item, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Close stops accepting items; consumers drain what remains.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	return len(q.items)
}
