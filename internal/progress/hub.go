package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config sizes a Hub. Zero values pick the defaults.
type Config struct {
	// BufferSize is how many events may wait for the flush goroutine (default 4096).
	BufferSize int
	// BatchSize caps the FETCH_DONE events handed to sinks at once (default 256).
	BatchSize int
	// FlushInterval bounds how long a fetch event waits for a flush (default 500ms).
	FlushInterval time.Duration
	Logger        *zap.Logger
}

const (
	defaultBufferSize    = 4096
	defaultBatchSize     = 256
	defaultFlushInterval = 500 * time.Millisecond

	sinkTimeout   = 10 * time.Second
	milestoneWait = 2 * time.Second
)

// Hub delivers one run's events to its sinks in emission order.
//
// FETCH_DONE events are batched and are dropped, never blocking the worker, when
// the buffer is full. Milestones (run start and end, search pages, closed shards)
// flush the pending batch as soon as they arrive and wait briefly for buffer space
// instead of being dropped.
type Hub struct {
	cfg    Config
	ctx    context.Context
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped   atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub for one run. Sinks are called with a context derived from
// ctx that outlives its cancellation, so a canceled run still records its end.
func NewHub(ctx context.Context, cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		ctx:    context.WithoutCancel(ctx),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Milestone() {
		h.emitMilestone(evt)
		return
	}
	select {
	case h.events <- evt:
	default:
		if h.dropped.Add(1) == 1 {
			h.logger.Warn("progress buffer full, dropping fetch events", zap.Int("buffer", h.cfg.BufferSize))
		}
	}
}

func (h *Hub) emitMilestone(evt Event) {
	select {
	case h.events <- evt:
		return
	default:
	}
	timer := time.NewTimer(milestoneWait)
	defer timer.Stop()
	select {
	case h.events <- evt:
	case <-h.done:
	case <-timer.C:
		h.dropped.Add(1)
		h.logger.Warn("progress milestone dropped", zap.String("stage", string(evt.Stage)))
	}
}

// Dropped returns how many events this hub has discarded for lack of buffer space.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close flushes what is buffered, closes the sinks and waits for the flush
// goroutine. ctx bounds the wait and is handed to Sink.Close. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closeCtx = ctx
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.events:
			batch = h.add(batch, evt)
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			for {
				select {
				case evt := <-h.events:
					batch = h.add(batch, evt)
				default:
					h.flush(batch)
					h.closeSinks()
					if n := h.dropped.Load(); n > 0 {
						h.logger.Warn("progress events dropped during run", zap.Int64("dropped", n))
					}
					return
				}
			}
		}
	}
}

func (h *Hub) add(batch []Event, evt Event) []Event {
	batch = append(batch, evt)
	if evt.Milestone() || len(batch) >= h.cfg.BatchSize {
		return h.flush(batch)
	}
	return batch
}

// flush hands batch to every sink and returns an empty batch. Sinks own the slice
// they receive.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	for i, sink := range h.sinks {
		out := batch
		if i < len(h.sinks)-1 {
			out = append([]Event(nil), batch...)
		}
		ctx, cancel := context.WithTimeout(h.ctx, sinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
	return make([]Event, 0, h.cfg.BatchSize)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = h.ctx
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
