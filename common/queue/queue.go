package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of work items. Submit blocks when the queue
// is at its high-water mark, which is how source iteration gets paced
// to worker throughput.
type Queue[T any] struct {
	ch        chan T
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a bounded queue with the given high-water mark
func New[T any](highWater int) *Queue[T] {
	if highWater < 1 {
		highWater = 1
	}
	return &Queue[T]{
		ch:   make(chan T, highWater),
		done: make(chan struct{}),
	}
}

// Submit enqueues an item, blocking while the queue is full.
// Returns ErrClosed after Close, or the context error on cancellation.
func (q *Queue[T]) Submit(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next dequeues one item. ok is false once the queue is closed and
// drained, or the context is cancelled.
func (q *Queue[T]) Next(ctx context.Context) (T, bool) {
	var zero T

	// Drain queued items even after Close
	select {
	case item := <-q.ch:
		return item, true
	default:
	}

	select {
	case item := <-q.ch:
		return item, true
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, true
		default:
			return zero, false
		}
	case <-ctx.Done():
		return zero, false
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting new items. Queued items remain readable until
// drained.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Closed reports whether Close has been called
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
