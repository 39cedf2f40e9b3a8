// Package dispatcher manages worker fan-out over the fetch queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/worker"
)

// Runner is one fetch loop.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   filing.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue filing.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool builds n identical workers sharing the same collaborators.
func NewPool(n int, build func() *worker.Worker) []Runner {
	if n <= 0 {
		n = 1
	}
	runners := make([]Runner, n)
	for i := range runners {
		runners[i] = build()
	}
	return runners
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one of them has returned, which
// happens when ctx ends or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, target filing.FetchTarget) error {
	if err := d.queue.Enqueue(ctx, target); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Join waits until every enqueued target has finished.
func (d *Dispatcher) Join(ctx context.Context) error {
	if err := d.queue.Join(ctx); err != nil {
		return fmt.Errorf("queue join: %w", err)
	}
	return nil
}
