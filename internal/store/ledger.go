package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("ledger record not found")

// RunStatus mirrors the archive_runs status column.
type RunStatus string

// Run statuses persisted in archive_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models the archive_runs table.
type Run struct {
	ID           uuid.UUID
	Mode         string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	Archived     int64
	Bytes        int64
	ErrorMessage *string
}

// FetchRow is one finished fetch target.
type FetchRow struct {
	RunID       uuid.UUID
	Accession   string
	URL         string
	Outcome     string
	StatusClass string
	Bytes       int64
	DurationMs  int64
	Note        string
	FinishedAt  time.Time
}

// ShardRow is one closed batch file.
type ShardRow struct {
	RunID    uuid.UUID
	Path     string
	Index    int
	Sequence int
	Records  int
	Bytes    int64
	SHA256   string
	ClosedAt time.Time
}

// Ledger persists run history.
type Ledger interface {
	// StartRun inserts (or idempotently updates) a running run.
	StartRun(ctx context.Context, runID uuid.UUID, mode string, startedAt time.Time) error
	// FinishRun marks the run finished with totals and an optional error.
	FinishRun(ctx context.Context, run Run) error
	// RecordFetches appends finished fetch rows.
	RecordFetches(ctx context.Context, rows []FetchRow) error
	// RecordShard appends one closed batch file.
	RecordShard(ctx context.Context, row ShardRow) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
}
