// Package pipeline runs one archival job end to end: resolve targets, fetch them
// through the worker pool, and leave closed batch archives behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/filing-archiver/internal/accession"
	"github.com/JakeFAU/filing-archiver/internal/archive"
	"github.com/JakeFAU/filing-archiver/internal/clock/system"
	"github.com/JakeFAU/filing-archiver/internal/discovery"
	"github.com/JakeFAU/filing-archiver/internal/dispatcher"
	"github.com/JakeFAU/filing-archiver/internal/errorlog"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	iduuid "github.com/JakeFAU/filing-archiver/internal/id/uuid"
	"github.com/JakeFAU/filing-archiver/internal/processor"
	"github.com/JakeFAU/filing-archiver/internal/progress"
	"github.com/JakeFAU/filing-archiver/internal/queue/memory"
	"github.com/JakeFAU/filing-archiver/internal/ratelimit"
	"github.com/JakeFAU/filing-archiver/internal/sgml"
	"github.com/JakeFAU/filing-archiver/internal/worker"
)

// Defaults applied by New.
const (
	DefaultConcurrency   = 10
	DefaultMonitorWindow = time.Second
	hubCloseTimeout      = 10 * time.Second
)

// ErrNoBaseURL is returned for direct runs without an archive base URL.
var ErrNoBaseURL = errors.New("fetch.base_url is required for direct downloads")

// Mode selects how targets are resolved.
type Mode string

// Run modes.
const (
	ModeDirect    Mode = "direct"
	ModeDiscovery Mode = "discovery"
)

// Request describes one run. Direct runs list accession numbers; discovery runs
// carry a search query.
type Request struct {
	Mode       Mode
	Accessions []string
	Query      discovery.Query
}

// Config controls a run.
type Config struct {
	OutputDir    string
	MaxShards    int
	MaxBatchSize int64
	// BaseURL prefixes "<accession_nodash>.sgml" in direct mode.
	BaseURL        string
	Concurrency    int
	QueueCapacity  int
	APIKey         string
	RequireAPIKey  bool
	UserAgent      string
	AcceptEncoding string
	Workers        int
	Decode         filing.DecodeOptions
	MonitorWindow  time.Duration
	Rate           ratelimit.Config
	Discovery      discovery.Config
}

// FinalizerFactory builds the shard finalizers for one run.
type FinalizerFactory func(runID uuid.UUID) []archive.Finalizer

// RunIDGenerator produces run identifiers.
type RunIDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Dependencies are the collaborators of an Orchestrator. Only Fetcher is required.
type Dependencies struct {
	Fetcher    filing.Fetcher
	Decoder    filing.Decoder
	Limiter    filing.RateLimiter
	Policy     filing.Policy
	Finalizers FinalizerFactory
	Sinks      []progress.Sink
	Clock      filing.Clock
	IDs        RunIDGenerator
	Logger     *zap.Logger
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID       uuid.UUID
	Mode        Mode
	Targets     int64
	Archived    int64
	Failed      int64
	Abandoned   int64
	Invalid     int
	Bytes       int64
	Shards      int
	Elapsed     time.Duration
	FilesPerSec float64
	ErrorLog    string
	Search      *discovery.Stats
}

// Orchestrator owns the per-run lifetime of every pipeline component.
type Orchestrator struct {
	cfg     Config
	deps    Dependencies
	logger  *zap.Logger
	current atomic.Pointer[progress.Tracker]
}

// New validates cfg and fills defaults.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("pipeline: fetcher is required")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("pipeline: output directory is required")
	}
	if cfg.MaxShards <= 0 {
		cfg.MaxShards = runtime.NumCPU()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2 * cfg.Concurrency
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = DefaultMonitorWindow
	}
	if deps.Decoder == nil {
		deps.Decoder = sgml.New()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(cfg.Rate)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = iduuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// Snapshot returns the progress of the current or most recent run.
func (o *Orchestrator) Snapshot() (progress.Snapshot, bool) {
	t := o.current.Load()
	if t == nil {
		return progress.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Run executes req. Per-filing failures land in the error log and never fail the
// run; a rejected credential aborts it with filing.ErrUnauthorized. Batch files
// are closed on every return path.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{Mode: req.Mode}
	if o.cfg.RequireAPIKey && o.cfg.APIKey == "" {
		return summary, filing.ErrMissingAPIKey
	}

	var (
		targets []filing.FetchTarget
		shards  int
	)
	switch req.Mode {
	case ModeDirect:
		if o.cfg.BaseURL == "" {
			return summary, ErrNoBaseURL
		}
		ids, bad := accession.ParseAll(req.Accessions)
		for raw, err := range bad {
			o.logger.Warn("skipping invalid accession", zap.String("accession", raw), zap.Error(err))
		}
		summary.Invalid = len(bad)
		if len(ids) == 0 {
			o.logger.Warn("no submissions found matching the criteria")
			return summary, nil
		}
		targets = make([]filing.FetchTarget, 0, len(ids))
		for _, id := range ids {
			targets = append(targets, filing.FetchTarget{ID: id, URL: o.cfg.BaseURL + id.NoDash() + ".sgml"})
		}
		shards = min(o.cfg.MaxShards, len(targets))
	case ModeDiscovery:
		if err := req.Query.Validate(); err != nil {
			return summary, err
		}
		shards = o.cfg.MaxShards
	default:
		return summary, fmt.Errorf("pipeline: unknown mode %q", req.Mode)
	}

	runID, err := o.deps.IDs.NewRawID()
	if err != nil {
		return summary, fmt.Errorf("run id: %w", err)
	}
	summary.RunID = runID
	summary.Shards = shards
	logger := o.logger.With(zap.String("run_id", runID.String()), zap.String("mode", string(req.Mode)))

	clock := o.deps.Clock
	start := clock.Now()
	monitor := ratelimit.NewMonitor(o.cfg.MonitorWindow, clock)
	hub := progress.NewHub(ctx, progress.Config{Logger: logger}, o.deps.Sinks...)
	tracker := progress.NewTracker(runID, hub, monitor, clock)
	o.current.Store(tracker)
	tracker.Start(string(req.Mode))

	runErr := o.run(ctx, req, targets, shards, tracker, monitor, logger, &summary)

	snap := tracker.Snapshot()
	summary.Targets = snap.Total
	summary.Archived = snap.Archived
	summary.Failed = snap.Failed
	summary.Abandoned = snap.Abandoned
	summary.Bytes = snap.Bytes
	summary.Elapsed = clock.Now().Sub(start)
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		summary.FilesPerSec = float64(snap.Processed) / secs
	}

	tracker.Finish(runErr)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hubCloseTimeout)
	defer cancel()
	if err := hub.Close(closeCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}

	logger.Info("run finished",
		zap.Int64("targets", summary.Targets),
		zap.Int64("archived", summary.Archived),
		zap.Int64("failed", summary.Failed),
		zap.Int64("abandoned", summary.Abandoned),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Float64("files_per_sec", summary.FilesPerSec),
		zap.Int64("dropped_events", hub.Dropped()),
		zap.Error(runErr),
	)
	return summary, runErr
}

func (o *Orchestrator) run(
	ctx context.Context,
	req Request,
	targets []filing.FetchTarget,
	shards int,
	tracker *progress.Tracker,
	monitor *ratelimit.Monitor,
	logger *zap.Logger,
	summary *Summary,
) error {
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	errs := errorlog.New(o.cfg.OutputDir, logger)
	summary.ErrorLog = errs.Path()

	finalizers := []archive.Finalizer{
		archive.FinalizerFunc(func(_ context.Context, info archive.ShardInfo) error {
			tracker.ShardClosed(info.Path, info.Size, info.Records)
			return nil
		}),
	}
	if o.deps.Finalizers != nil {
		finalizers = append(finalizers, o.deps.Finalizers(tracker.RunID())...)
	}
	writer, err := archive.NewWriter(ctx, archive.Config{
		Dir:          o.cfg.OutputDir,
		Shards:       shards,
		MaxBatchSize: o.cfg.MaxBatchSize,
	}, archive.WithLogger(logger), archive.WithFinalizers(finalizers...), archive.WithClock(o.deps.Clock))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if closeErr := writer.CloseAll(); closeErr != nil {
			logger.Error("closing batch archives failed", zap.Error(closeErr))
		}
	}()

	proc := processor.New(processor.Config{Workers: o.cfg.Workers, Options: o.cfg.Decode},
		o.deps.Decoder, writer, errs, processor.WithLogger(logger))
	defer proc.Close()

	queue := memory.NewQueue(o.cfg.QueueCapacity)
	hooks := worker.Hooks{Monitor: monitor, Observer: tracker, Abort: abort, Clock: o.deps.Clock}
	wcfg := worker.Config{APIKey: o.cfg.APIKey, UserAgent: o.cfg.UserAgent, AcceptEncoding: o.cfg.AcceptEncoding}
	pool := dispatcher.New(queue, dispatcher.NewPool(o.cfg.Concurrency, func() *worker.Worker {
		return worker.New(queue, o.deps.Fetcher, o.deps.Limiter, proc, errs, hooks, wcfg, logger)
	}))

	var (
		g        errgroup.Group
		enqueued atomic.Int64
	)
	g.Go(func() error {
		pool.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		defer queue.Close()
		if req.Mode == ModeDirect {
			tracker.AddTotal(len(targets))
			for _, target := range targets {
				if err := pool.Enqueue(runCtx, target); err != nil {
					return err
				}
				enqueued.Add(1)
			}
			return nil
		}
		dcfg := o.cfg.Discovery
		dcfg.APIKey = o.cfg.APIKey
		dcfg.UserAgent = o.cfg.UserAgent
		stream := discovery.New(dcfg, o.deps.Fetcher, o.deps.Limiter, countingSink{Sink: pool, tracker: tracker}, o.deps.Policy,
			discovery.WithLogger(logger),
			discovery.WithPageObserver(tracker),
			discovery.WithStateObserver(func(s discovery.State) {
				logger.Debug("discovery state", zap.Stringer("state", s))
			}),
		)
		stats, err := stream.Run(runCtx, req.Query)
		summary.Search = &stats
		return err
	})
	produceErr := g.Wait()

	drained := 0
	for {
		if _, ok := queue.TryDequeue(); !ok {
			break
		}
		queue.Done()
		drained++
	}
	if req.Mode == ModeDirect {
		drained += len(targets) - int(enqueued.Load())
	}
	if drained > 0 {
		tracker.Abandon(drained)
		logger.Warn("targets abandoned", zap.Int("count", drained))
	}

	if cause := context.Cause(runCtx); errors.Is(cause, filing.ErrUnauthorized) {
		return fmt.Errorf("run aborted: %w", cause)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run canceled: %w", context.Cause(ctx))
	}
	if produceErr != nil {
		return fmt.Errorf("discovery: %w", produceErr)
	}
	return nil
}

// countingSink raises the tracker total for every enqueued target.
type countingSink struct {
	discovery.Sink
	tracker *progress.Tracker
}

func (s countingSink) Enqueue(ctx context.Context, target filing.FetchTarget) error {
	if err := s.Sink.Enqueue(ctx, target); err != nil {
		return err
	}
	s.tracker.AddTotal(1)
	return nil
}
