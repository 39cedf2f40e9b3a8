// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Search    SearchConfig    `mapstructure:"search"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
}

// FetchConfig governs the download pool and its requests.
type FetchConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequireAPIKey  bool          `mapstructure:"require_api_key"`
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptEncoding string        `mapstructure:"accept_encoding"`
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateInterval   time.Duration `mapstructure:"rate_interval"`
}

// SearchConfig points the discovery stream at the full-text search API.
type SearchConfig struct {
	URL         string `mapstructure:"url"`
	URLTemplate string `mapstructure:"url_template"`
	PageSize    int    `mapstructure:"page_size"`
}

// ArchiveConfig controls batch output.
type ArchiveConfig struct {
	OutputDir    string `mapstructure:"output_dir"`
	MaxShards    int    `mapstructure:"max_shards"`
	MaxBatchSize int64  `mapstructure:"max_batch_size"`
}

// ProcessorConfig sizes the CPU pool and selects decoded documents.
type ProcessorConfig struct {
	Workers              int      `mapstructure:"workers"`
	KeepDocumentTypes    []string `mapstructure:"keep_document_types"`
	KeepFilteredMetadata bool     `mapstructure:"keep_filtered_metadata"`
	StandardizeMetadata  bool     `mapstructure:"standardize_metadata"`
}

// MonitorConfig sets the throughput window.
type MonitorConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig selects where finished batches are copied.
type StorageConfig struct {
	// Provider is "none", "gcs" or "local".
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`
	Bucket   string `mapstructure:"bucket"`
	// ChunkSize overrides the GCS resumable upload chunk size.
	ChunkSize int    `mapstructure:"chunk_size"`
	LocalDir  string `mapstructure:"local_dir"`
	// MaxUploads caps concurrent batch uploads. Zero leaves them uncapped.
	MaxUploads int64 `mapstructure:"max_uploads"`
}

// PubSubConfig holds the shard notification topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// DBConfig controls the optional Postgres run ledger.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Load builds a Config from disk and environment. Environment variables use the
// ARCHIVER_ prefix; the API key is also read from DATAMULE_API_KEY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("fetch.api_key", "ARCHIVER_FETCH_API_KEY", "DATAMULE_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind api key env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fetch.require_api_key", true)
	v.SetDefault("fetch.user_agent", "filing-archiver/1.0")
	v.SetDefault("fetch.accept_encoding", "gzip")
	v.SetDefault("fetch.concurrency", 10)
	v.SetDefault("fetch.queue_depth", 20)
	v.SetDefault("fetch.timeout_seconds", 600)
	v.SetDefault("fetch.rate_limit", 10)
	v.SetDefault("fetch.rate_interval", time.Second)
	v.SetDefault("search.url", "https://efts.sec.gov/LATEST/search-index")
	v.SetDefault("search.url_template", "https://www.sec.gov/Archives/edgar/data/{cik}/{accession_nodash}/{accession}.txt")
	v.SetDefault("search.page_size", 100)
	v.SetDefault("archive.output_dir", "downloads")
	v.SetDefault("archive.max_batch_size", int64(1024*1024*1024))
	v.SetDefault("processor.standardize_metadata", true)
	v.SetDefault("monitor.window", time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "batches")
	v.SetDefault("storage.max_uploads", 2)
	v.SetDefault("db.table_prefix", "archive")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit must be >= 0")
	}
	for _, enc := range strings.Split(c.Fetch.AcceptEncoding, ",") {
		enc, _, _ = strings.Cut(enc, ";")
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "", "gzip", "identity":
		default:
			return fmt.Errorf("fetch.accept_encoding %q: only gzip and identity can be decoded", c.Fetch.AcceptEncoding)
		}
	}
	if c.Search.PageSize <= 0 {
		return fmt.Errorf("search.page_size must be > 0")
	}
	if strings.TrimSpace(c.Archive.OutputDir) == "" {
		return fmt.Errorf("archive.output_dir is required")
	}
	if c.Archive.MaxShards < 0 {
		return fmt.Errorf("archive.max_shards must be >= 0")
	}
	if c.Archive.MaxBatchSize <= 0 {
		return fmt.Errorf("archive.max_batch_size must be > 0")
	}
	switch c.Storage.Provider {
	case "", "none":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.provider is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
