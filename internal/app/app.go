// Package app builds the archiver's dependencies from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/api"
	"github.com/JakeFAU/filing-archiver/internal/archive"
	"github.com/JakeFAU/filing-archiver/internal/clock/system"
	"github.com/JakeFAU/filing-archiver/internal/config"
	"github.com/JakeFAU/filing-archiver/internal/discovery"
	collyfetcher "github.com/JakeFAU/filing-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/hash/sha256"
	"github.com/JakeFAU/filing-archiver/internal/metrics"
	"github.com/JakeFAU/filing-archiver/internal/pipeline"
	"github.com/JakeFAU/filing-archiver/internal/policy/filter"
	"github.com/JakeFAU/filing-archiver/internal/progress"
	progresssinks "github.com/JakeFAU/filing-archiver/internal/progress/sinks"
	"github.com/JakeFAU/filing-archiver/internal/publisher"
	gcppublisher "github.com/JakeFAU/filing-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/filing-archiver/internal/ratelimit"
	"github.com/JakeFAU/filing-archiver/internal/storage"
	gcsstorage "github.com/JakeFAU/filing-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/filing-archiver/internal/storage/local"
	pgstore "github.com/JakeFAU/filing-archiver/internal/storage/postgres"
	"github.com/JakeFAU/filing-archiver/internal/store"
)

const serverStopTimeout = 10 * time.Second

// Options override pieces of the dependency graph that are not configuration.
type Options struct {
	// Fetcher replaces the Colly fetcher.
	Fetcher filing.Fetcher
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Allow and Skip feed the discovery accession filter.
	Allow []string
	Skip  []string
	// Sinks are appended to the configured progress sinks.
	Sinks []progress.Sink
}

// App contains the archiver's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	orchestrator *pipeline.Orchestrator
	apiServer    *api.Server

	ledger    *pgstore.Ledger
	blobStore *gcsstorage.BlobStore
	pub       *gcppublisher.Publisher

	serverCancel context.CancelFunc
	serverDone   chan struct{}
	closeOnce    sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building archiver dependencies",
		zap.String("output_dir", cfg.Archive.OutputDir),
		zap.Int("concurrency", cfg.Fetch.Concurrency),
		zap.Float64("rate_limit", cfg.Fetch.RateLimit),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Bool("ledger", cfg.DB.DSN != ""),
	)

	ok := false
	defer func() {
		if !ok {
			a.closeInfrastructure()
		}
	}()

	if err := a.setupLedger(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	sinks, err := a.setupSinks(opts)
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.Fetch.Timeout(),
		})
		logger.Info("using colly fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))
	}

	a.orchestrator, err = pipeline.New(pipelineConfig(cfg), pipeline.Dependencies{
		Fetcher:    fetcher,
		Policy:     filter.New(opts.Allow, opts.Skip),
		Finalizers: a.finalizers(blobs, pub),
		Sinks:      sinks,
		Logger:     logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		var ledger store.Ledger
		if a.ledger != nil {
			ledger = a.ledger
		}
		a.apiServer = api.NewServer(
			api.NewProgressHandler(a.orchestrator, ledger, logger.Named("progress_api")),
			logger.Named("api"),
		)
	}

	ok = true
	return a, nil
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		OutputDir:      cfg.Archive.OutputDir,
		MaxShards:      cfg.Archive.MaxShards,
		MaxBatchSize:   cfg.Archive.MaxBatchSize,
		BaseURL:        cfg.Fetch.BaseURL,
		Concurrency:    cfg.Fetch.Concurrency,
		QueueCapacity:  cfg.Fetch.QueueDepth,
		APIKey:         cfg.Fetch.APIKey,
		RequireAPIKey:  cfg.Fetch.RequireAPIKey,
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptEncoding: cfg.Fetch.AcceptEncoding,
		Workers:        cfg.Processor.Workers,
		Decode: filing.DecodeOptions{
			KeepDocumentTypes:    cfg.Processor.KeepDocumentTypes,
			KeepFilteredMetadata: cfg.Processor.KeepFilteredMetadata,
			StandardizeMetadata:  cfg.Processor.StandardizeMetadata,
		},
		MonitorWindow: cfg.Monitor.Window,
		Rate: ratelimit.Config{
			Rate:     cfg.Fetch.RateLimit,
			Interval: cfg.Fetch.RateInterval,
		},
		Discovery: discovery.Config{
			SearchURL:   cfg.Search.URL,
			URLTemplate: cfg.Search.URLTemplate,
			PageSize:    cfg.Search.PageSize,
			APIKey:      cfg.Fetch.APIKey,
			UserAgent:   cfg.Fetch.UserAgent,
		},
	}
}

func (a *App) setupLedger(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no db.dsn configured, run ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewLedger(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		TablePrefix:     a.cfg.DB.TablePrefix,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	a.ledger = ledger
	if err := ledger.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ledger schema failed: %w", err)
	}
	a.logger.Info("run ledger initialized", zap.String("table_prefix", a.cfg.DB.TablePrefix))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		gcs, err := gcsstorage.NewFromConfig(ctx, gcsstorage.Config{
			Bucket:    a.cfg.Storage.Bucket,
			ChunkSize: a.cfg.Storage.ChunkSize,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobStore = gcs
		a.logger.Info("using GCS batch storage", zap.String("bucket", a.cfg.Storage.Bucket))
		return gcs, nil
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local batch storage", zap.String("path", a.cfg.Storage.LocalDir))
		return local, nil
	default:
		a.logger.Debug("batch upload disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return nil, nil
	}
	pub, err := gcppublisher.Dial(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicID:   a.cfg.PubSub.TopicID,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return pub, nil
}

func (a *App) setupSinks(opts Options) ([]progress.Sink, error) {
	sinks := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("progress metrics init failed: %w", err)
		}
		a.logger.Debug("progress collectors already registered")
	} else {
		sinks = append(sinks, promSink)
	}
	if a.ledger != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(a.ledger, a.logger.Named("progress_store")))
	}
	return append(sinks, opts.Sinks...), nil
}

// finalizers returns the per-run shard finalizers in upload, ledger, notify order
// so a notification is only sent for a batch that already landed.
func (a *App) finalizers(blobs storage.BlobStore, pub publisher.Publisher) pipeline.FinalizerFactory {
	var uploader *storage.ShardUploader
	if blobs != nil {
		uploader = storage.NewShardUploader(blobs, a.cfg.Storage.Prefix, a.logger.Named("upload")).
			LimitConcurrency(a.cfg.Storage.MaxUploads)
	}
	clock := system.New()
	hasher := sha256.New()
	return func(runID uuid.UUID) []archive.Finalizer {
		var out []archive.Finalizer
		if uploader != nil {
			out = append(out, uploader)
		}
		if a.ledger != nil {
			out = append(out, store.NewShardFinalizer(a.ledger, hasher, clock, runID))
		}
		if pub != nil {
			out = append(out, publisher.NewShardNotifier(pub, runID, clock))
		}
		return out
	}
}

// Orchestrator exposes the configured pipeline.
func (a *App) Orchestrator() *pipeline.Orchestrator {
	return a.orchestrator
}

// Run executes one archive run, serving the status endpoints for its duration
// when metrics.addr is set.
func (a *App) Run(ctx context.Context, req pipeline.Request) (pipeline.Summary, error) {
	a.startServer(ctx)
	defer a.stopServer()
	return a.orchestrator.Run(ctx, req)
}

func (a *App) startServer(ctx context.Context) {
	if a.apiServer == nil || a.serverDone != nil {
		return
	}
	serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.serverCancel = cancel
	a.serverDone = make(chan struct{})
	go func() {
		defer close(a.serverDone)
		if err := a.apiServer.Serve(serverCtx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
}

func (a *App) stopServer() {
	if a.serverDone == nil {
		return
	}
	a.serverCancel()
	select {
	case <-a.serverDone:
	case <-time.After(serverStopTimeout):
		a.logger.Warn("status server did not stop in time")
	}
	a.serverDone = nil
}

// Close releases every client the App opened. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.stopServer()
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
	})
}

func (a *App) closeInfrastructure() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pub = nil
	}
	if a.blobStore != nil {
		if err := a.blobStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.blobStore = nil
	}
	if a.ledger != nil {
		a.ledger.Close()
		a.ledger = nil
	}
}
