// Package cmd defines the CLI commands for the filing-archiver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/app"
	"github.com/JakeFAU/filing-archiver/internal/config"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/logging"
	"github.com/JakeFAU/filing-archiver/internal/pipeline"
)

// Exit codes returned by Execute.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUnauthorized = 2
)

// rootOptions holds the flags shared by every archive command.
type rootOptions struct {
	cfgFile      string
	output       string
	maxShards    int
	maxBatchSize int64
	concurrency  int
	rateLimit    float64
	keepTypes    []string
	quiet        bool
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	return buildRootCmd(&rootOptions{})
}

func buildRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filing-archiver",
		Short: "Download SEC filings into sharded tar batches.",
		Long: `filing-archiver fetches SEC submissions, either from an explicit list of
accession numbers or by streaming full-text search results, decodes them and
packs the documents into size-capped tar batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVarP(&opts.output, "output", "o", "", "directory for batch files (overrides archive.output_dir)")
	flags.IntVar(&opts.maxShards, "max-shards", 0, "number of parallel batch files (overrides archive.max_shards)")
	flags.Int64Var(&opts.maxBatchSize, "max-batch-size", 0, "batch rollover size in bytes (overrides archive.max_batch_size)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "concurrent downloads (overrides fetch.concurrency)")
	flags.Float64Var(&opts.rateLimit, "rate-limit", 0, "requests per second (overrides fetch.rate_limit)")
	flags.StringSliceVar(&opts.keepTypes, "keep-type", nil, "document types to keep, repeatable (default keeps all)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and hide the progress line")

	cmd.AddCommand(newDownloadCmd(opts))
	cmd.AddCommand(newStreamCmd(opts))
	cmd.AddCommand(newInspectCmd())
	return cmd
}

// loadConfig reads the config file and applies flag overrides the user set.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Archive.OutputDir = opts.output
	}
	if flags.Changed("max-shards") {
		cfg.Archive.MaxShards = opts.maxShards
	}
	if flags.Changed("max-batch-size") {
		cfg.Archive.MaxBatchSize = opts.maxBatchSize
	}
	if flags.Changed("concurrency") {
		cfg.Fetch.Concurrency = opts.concurrency
	}
	if flags.Changed("rate-limit") {
		cfg.Fetch.RateLimit = opts.rateLimit
	}
	if flags.Changed("keep-type") {
		cfg.Processor.KeepDocumentTypes = opts.keepTypes
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runArchive builds the application, runs req and prints the summary.
func runArchive(cmd *cobra.Command, opts *rootOptions, req pipeline.Request, appOpts app.Options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Quiet:       opts.quiet,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, appOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	stopProgress := startProgressLine(ctx, a.Orchestrator(), cmd.ErrOrStderr(), opts.quiet)
	summary, runErr := a.Run(ctx, req)
	stopProgress()

	printSummary(cmd.OutOrStdout(), summary)
	return runErr
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, filing.ErrUnauthorized), errors.Is(err, filing.ErrMissingAPIKey):
		return ExitUnauthorized
	default:
		return ExitFailure
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}
