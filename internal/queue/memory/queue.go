// Package memory provides the in-process joinable fetch queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/filing-archiver/internal/filing"
)

// ErrClosed is returned by Dequeue once the queue is closed and empty.
var ErrClosed = filing.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations. It counts
// targets that were enqueued but not yet marked Done so producers can Join.
type Queue struct {
	ch      chan filing.FetchTarget
	closeMu sync.Mutex
	closed  bool

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ch:   make(chan filing.FetchTarget, capacity),
		idle: idle,
	}
}

// Enqueue pushes a target into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, target filing.FetchTarget) error {
	q.add(1)
	select {
	case <-ctx.Done():
		q.add(-1)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- target:
		return nil
	}
}

// Dequeue pops the next target, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (filing.FetchTarget, error) {
	select {
	case <-ctx.Done():
		return filing.FetchTarget{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case target, ok := <-q.ch:
		if !ok {
			return filing.FetchTarget{}, ErrClosed
		}
		return target, nil
	}
}

// TryDequeue pops a target without blocking.
func (q *Queue) TryDequeue() (filing.FetchTarget, bool) {
	select {
	case target, ok := <-q.ch:
		return target, ok
	default:
		return filing.FetchTarget{}, false
	}
}

// Done marks one dequeued target as finished.
func (q *Queue) Done() {
	q.add(-1)
}

// Pending returns the number of targets enqueued but not yet Done.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Join blocks until every enqueued target has been marked Done or ctx ends.
func (q *Queue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	case <-idle:
		return nil
	}
}

// Close closes the underlying channel for shutdown. Targets already buffered can
// still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

func (q *Queue) add(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := q.pending
	q.pending += delta
	switch {
	case q.pending < 0:
		panic("memory: negative pending count")
	case before == 0 && q.pending > 0:
		q.idle = make(chan struct{})
	case before > 0 && q.pending == 0:
		close(q.idle)
	}
}
