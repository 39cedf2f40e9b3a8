// Package worker implements the fetch loop: one target at a time, from queue to archive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/clock/system"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	APIKey         string
	UserAgent      string
	AcceptEncoding string
}

// Hooks are optional collaborators. Abort is called with filing.ErrUnauthorized when
// the archive rejects the credential.
type Hooks struct {
	Monitor  filing.ThroughputRecorder
	Observer filing.FetchObserver
	Abort    context.CancelCauseFunc
	Clock    filing.Clock
}

// Worker consumes fetch targets and hands each body to the processor.
type Worker struct {
	queue     filing.Queue
	fetcher   filing.Fetcher
	limiter   filing.RateLimiter
	processor filing.PayloadProcessor
	errs      filing.ErrorRecorder
	hooks     Hooks
	cfg       Config
	headers   map[string]string
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue filing.Queue,
	fetcher filing.Fetcher,
	limiter filing.RateLimiter,
	processor filing.PayloadProcessor,
	errs filing.ErrorRecorder,
	hooks Hooks,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AcceptEncoding == "" {
		cfg.AcceptEncoding = "gzip"
	}
	if hooks.Clock == nil {
		hooks.Clock = system.New()
	}
	headers := map[string]string{
		"User-Agent":      cfg.UserAgent,
		"Accept-Encoding": cfg.AcceptEncoding,
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &Worker{
		queue:     queue,
		fetcher:   fetcher,
		limiter:   limiter,
		processor: processor,
		errs:      errs,
		hooks:     hooks,
		cfg:       cfg,
		headers:   headers,
		logger:    logger,
	}
}

// Run blocks, consuming targets until the context finishes or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		target, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, filing.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued target", zap.String("accession", target.ID.NoDash()))
		w.handle(ctx, target)
	}
}

func (w *Worker) handle(ctx context.Context, target filing.FetchTarget) {
	defer w.queue.Done()

	start := w.hooks.Clock.Now()
	result := w.fetchAndProcess(ctx, target)
	result.Target = target
	result.Duration = w.hooks.Clock.Now().Sub(start)

	if result.Outcome != filing.OutcomeAbandoned {
		metrics.ObserveFetch(string(result.Outcome), result.StatusCode, result.Bytes, result.Duration)
	}
	if w.hooks.Observer != nil {
		w.hooks.Observer.FetchDone(result)
	}
}

func (w *Worker) fetchAndProcess(ctx context.Context, target filing.FetchTarget) filing.FetchResult {
	logger := w.logger.With(zap.String("accession", target.ID.NoDash()), zap.String("url", target.URL))

	if ctx.Err() != nil {
		return abandoned(ctx)
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return abandoned(ctx)
		}
	}

	metrics.IncActiveFetches()
	resp, err := w.fetcher.Get(ctx, target.URL, w.headers)
	metrics.DecActiveFetches()
	if err != nil {
		if ctx.Err() != nil {
			return abandoned(ctx)
		}
		reason := fmt.Sprintf("download failed: %v", err)
		logger.Warn("fetch failed", zap.Error(err))
		w.errs.Record(target.ID, reason)
		return filing.FetchResult{Outcome: filing.OutcomeFailed, Err: reason}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		logger.Error("archive rejected credential", zap.Int("status", resp.StatusCode))
		w.errs.Record(target.ID, filing.ErrUnauthorized.Error())
		if w.hooks.Abort != nil {
			w.hooks.Abort(filing.ErrUnauthorized)
		}
		return filing.FetchResult{
			Outcome:    filing.OutcomeFatal,
			StatusCode: resp.StatusCode,
			Err:        filing.ErrUnauthorized.Error(),
		}
	default:
		reason := fmt.Sprintf("download failed: status %d", resp.StatusCode)
		logger.Warn("unexpected status", zap.Int("status", resp.StatusCode))
		w.errs.Record(target.ID, reason)
		return filing.FetchResult{Outcome: filing.OutcomeFailed, StatusCode: resp.StatusCode, Err: reason}
	}

	size := len(resp.Body)
	if w.hooks.Monitor != nil {
		w.hooks.Monitor.Record(size)
	}
	payload := filing.RawPayload{
		ID:          target.ID,
		URL:         target.URL,
		ContentType: resp.ContentType(),
		Chunks:      [][]byte{resp.Body},
	}
	// A body that made it off the wire is processed even if the run is being aborted.
	outcome, err := w.processor.Process(context.WithoutCancel(ctx), payload)
	if err != nil {
		logger.Error("processor rejected payload", zap.Error(err))
		return filing.FetchResult{Outcome: filing.OutcomeAbandoned, StatusCode: resp.StatusCode, Bytes: size, Err: err.Error()}
	}
	return filing.FetchResult{Outcome: outcome, StatusCode: resp.StatusCode, Bytes: size}
}

func abandoned(ctx context.Context) filing.FetchResult {
	res := filing.FetchResult{Outcome: filing.OutcomeAbandoned}
	if cause := context.Cause(ctx); cause != nil {
		res.Err = cause.Error()
	}
	return res
}
