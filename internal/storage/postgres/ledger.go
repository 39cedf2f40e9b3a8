// Package postgres provides the Postgres-backed run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/filing-archiver/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger implements store.Ledger on Postgres.
type Ledger struct {
	pool   dbPool
	runs   string
	fetch  string
	shards string
}

var _ store.Ledger = (*Ledger)(nil)

// NewLedger connects to Postgres using the provided config.
func NewLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewLedgerWithPool(pool, cfg.TablePrefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool dbPool, prefix string) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if prefix == "" {
		prefix = "archive"
	}
	if !validTableName.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Ledger{
		pool:   pool,
		runs:   prefix + "_runs",
		fetch:  prefix + "_fetches",
		shards: prefix + "_shards",
	}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger tables when they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	mode TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	archived BIGINT NOT NULL DEFAULT 0,
	bytes BIGINT NOT NULL DEFAULT 0,
	error_message TEXT
)`, l.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id UUID NOT NULL,
	accession CHAR(18) NOT NULL,
	url TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status_class TEXT NOT NULL,
	bytes BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	note TEXT,
	finished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, accession)
)`, l.fetch),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id UUID NOT NULL,
	path TEXT NOT NULL,
	shard_index INT NOT NULL,
	sequence INT NOT NULL,
	records INT NOT NULL,
	bytes BIGINT NOT NULL,
	sha256 CHAR(64) NOT NULL,
	closed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, path)
)`, l.shards),
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts or updates a run's start.
func (l *Ledger) StartRun(ctx context.Context, runID uuid.UUID, mode string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, mode, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`, l.runs)
	if _, err := l.pool.Exec(ctx, query, runID, mode, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed.
func (l *Ledger) FinishRun(ctx context.Context, run store.Run) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, archived = $3, bytes = $4, error_message = $5
WHERE id = $6`, l.runs)
	tag, err := l.pool.Exec(ctx, query, run.FinishedAt, string(run.Status), run.Archived, run.Bytes, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// RecordFetches inserts fetch rows. A row for an accession already recorded in the
// same run is replaced.
func (l *Ledger) RecordFetches(ctx context.Context, rows []store.FetchRow) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, accession, url, outcome, status_class, bytes, duration_ms, note, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id, accession) DO UPDATE
SET outcome = EXCLUDED.outcome, status_class = EXCLUDED.status_class, bytes = EXCLUDED.bytes,
	duration_ms = EXCLUDED.duration_ms, note = EXCLUDED.note, finished_at = EXCLUDED.finished_at`, l.fetch)
	for _, r := range rows {
		if _, err := l.pool.Exec(ctx, query,
			r.RunID, r.Accession, r.URL, r.Outcome, r.StatusClass, r.Bytes, r.DurationMs, r.Note, r.FinishedAt,
		); err != nil {
			return fmt.Errorf("record fetch %s: %w", r.Accession, err)
		}
	}
	return nil
}

// RecordShard inserts one closed batch file.
func (l *Ledger) RecordShard(ctx context.Context, r store.ShardRow) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, path, shard_index, sequence, records, bytes, sha256, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, path) DO NOTHING`, l.shards)
	if _, err := l.pool.Exec(ctx, query,
		r.RunID, r.Path, r.Index, r.Sequence, r.Records, r.Bytes, r.SHA256, r.ClosedAt,
	); err != nil {
		return fmt.Errorf("record shard: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (l *Ledger) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, mode, started_at, finished_at, status, archived, bytes, error_message
FROM %s
WHERE id = $1`, l.runs)
	var (
		run    store.Run
		status string
	)
	err := l.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Mode,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Archived,
		&run.Bytes,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
