package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
fetch:
  base_url: https://archive.example/sgml/
  api_key: secret
  concurrency: 6
  timeout_seconds: 45
  rate_limit: 5
  rate_interval: 2s
search:
  page_size: 25
archive:
  output_dir: /tmp/batches
  max_shards: 8
  max_batch_size: 1048576
processor:
  workers: 3
  keep_document_types: ["10-K", "EX-21"]
  standardize_metadata: false
storage:
  provider: gcs
  bucket: filings
pubsub:
  enabled: true
  project_id: proj
  topic_id: shards
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fetch.APIKey != "secret" || cfg.Fetch.BaseURL != "https://archive.example/sgml/" {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if cfg.Fetch.Concurrency != 6 || cfg.Fetch.RateLimit != 5 || cfg.Fetch.RateInterval != 2*time.Second {
		t.Fatalf("expected fetch limits to apply: %+v", cfg.Fetch)
	}
	if got := cfg.Fetch.Timeout(); got != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %v", got)
	}
	if cfg.Archive.MaxShards != 8 || cfg.Archive.MaxBatchSize != 1<<20 {
		t.Fatalf("expected archive overrides: %+v", cfg.Archive)
	}
	if len(cfg.Processor.KeepDocumentTypes) != 2 || cfg.Processor.StandardizeMetadata {
		t.Fatalf("expected processor overrides: %+v", cfg.Processor)
	}
	if cfg.Search.PageSize != 25 || cfg.Search.URL == "" {
		t.Fatalf("expected search page size override with default url: %+v", cfg.Search)
	}
	if cfg.Storage.Provider != "gcs" || cfg.Storage.Prefix != "batches" {
		t.Fatalf("expected storage provider with default prefix: %+v", cfg.Storage)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DATAMULE_API_KEY", "from-datamule")
	t.Setenv("ARCHIVER_FETCH_CONCURRENCY", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.APIKey != "from-datamule" {
		t.Fatalf("expected api key from DATAMULE_API_KEY, got %q", cfg.Fetch.APIKey)
	}
	if cfg.Fetch.Concurrency != 4 {
		t.Fatalf("expected concurrency from env, got %d", cfg.Fetch.Concurrency)
	}
	if !cfg.Fetch.RequireAPIKey || cfg.Fetch.TimeoutSeconds != 600 || cfg.Fetch.AcceptEncoding != "gzip" {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if cfg.Archive.MaxBatchSize != 1<<30 || cfg.Archive.OutputDir != "downloads" {
		t.Fatalf("unexpected archive defaults: %+v", cfg.Archive)
	}
	if !cfg.Processor.StandardizeMetadata || cfg.Monitor.Window != time.Second {
		t.Fatalf("unexpected processor/monitor defaults: %+v %+v", cfg.Processor, cfg.Monitor)
	}
}

func TestArchiverEnvWinsOverDatamuleKey(t *testing.T) {
	t.Setenv("DATAMULE_API_KEY", "fallback")
	t.Setenv("ARCHIVER_FETCH_API_KEY", "primary")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.APIKey != "primary" {
		t.Fatalf("expected ARCHIVER_FETCH_API_KEY to win, got %q", cfg.Fetch.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Fetch:   FetchConfig{Concurrency: 1, TimeoutSeconds: 10},
		Search:  SearchConfig{PageSize: 10},
		Archive: ArchiveConfig{OutputDir: "out", MaxBatchSize: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid concurrency", mutate: func(c *Config) { c.Fetch.Concurrency = 0 }, want: "fetch.concurrency"},
		{name: "invalid timeout", mutate: func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, want: "fetch.timeout_seconds"},
		{name: "negative rate", mutate: func(c *Config) { c.Fetch.RateLimit = -1 }, want: "fetch.rate_limit"},
		{name: "brotli encoding", mutate: func(c *Config) { c.Fetch.AcceptEncoding = "gzip, deflate, br" }, want: "fetch.accept_encoding"},
		{name: "page size", mutate: func(c *Config) { c.Search.PageSize = 0 }, want: "search.page_size"},
		{name: "output dir", mutate: func(c *Config) { c.Archive.OutputDir = " " }, want: "archive.output_dir"},
		{name: "max shards", mutate: func(c *Config) { c.Archive.MaxShards = -1 }, want: "archive.max_shards"},
		{name: "batch size", mutate: func(c *Config) { c.Archive.MaxBatchSize = 0 }, want: "archive.max_batch_size"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Provider = "gcs" }, want: "storage.bucket"},
		{name: "local dir", mutate: func(c *Config) { c.Storage.Provider = "local" }, want: "storage.local_dir"},
		{name: "unknown provider", mutate: func(c *Config) { c.Storage.Provider = "s3" }, want: "not supported"},
		{name: "pubsub topic", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
