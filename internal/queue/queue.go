// Package queue provides the in-process work queues that connect pipeline stages.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is an unbounded multi-producer/multi-consumer FIFO.
//
// Push never blocks. Pop blocks until an item is available, the context is
// canceled, or the queue is closed and drained. It is safe for concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool

	// ready carries at most one wake-up; a consumer that pops while items remain
	// passes the wake-up on so other blocked consumers make progress.
	ready chan struct{}
	done  chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pop removes the oldest item.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if v, ok, closed := q.tryPop(); ok {
			return v, nil
		} else if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// TryPop is the non-blocking variant of Pop.
func (q *Queue[T]) TryPop() (T, bool) {
	v, ok, _ := q.tryPop()
	return v, ok
}

func (q *Queue[T]) tryPop() (v T, ok bool, closed bool) {
	q.mu.Lock()
	n := len(q.items) - q.head
	if n == 0 {
		closed = q.closed
		q.mu.Unlock()
		return v, false, closed
	}
	var zero T
	v = q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		// Compact so a long-lived backlog doesn't pin the old prefix.
		old := len(q.items)
		q.items = append(q.items[:0], q.items[q.head:]...)
		clear(q.items[len(q.items):old])
		q.head = 0
	}
	more := len(q.items)-q.head > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
	return v, true, false
}

// Len returns the number of pending items. Under concurrent use it is only a
// snapshot and is meant for advisory depth checks.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	n := len(q.items) - q.head
	q.mu.Unlock()
	return n
}

// Close stops intake. Consumers keep receiving pending items, then ErrClosed.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
