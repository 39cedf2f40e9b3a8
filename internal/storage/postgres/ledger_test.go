package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/filing-archiver/internal/store"
)

func newMockLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	ledger, err := NewLedgerWithPool(mock, "")
	require.NoError(t, err)
	return ledger, mock
}

func TestNewLedgerWithPoolValidatesPrefix(t *testing.T) {
	t.Parallel()

	_, err := NewLedgerWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewLedgerWithPool(mock, "bad;drop")
	require.Error(t, err)
}

func TestNewLedgerRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewLedger(context.Background(), Config{})
	require.Error(t, err)
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_fetches").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_shards").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, ledger.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartAndFinishRun(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	msg := "authentication failed: invalid API key"

	mock.ExpectExec("INSERT INTO archive_runs").
		WithArgs(runID, "stream", started, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE archive_runs").
		WithArgs(&finished, "error", int64(7), int64(4096), &msg, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ledger.StartRun(context.Background(), runID, "stream", started))
	require.NoError(t, ledger.FinishRun(context.Background(), store.Run{
		ID:           runID,
		FinishedAt:   &finished,
		Status:       store.RunError,
		Archived:     7,
		Bytes:        4096,
		ErrorMessage: &msg,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunUnknownRun(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	runID := uuid.New()
	mock.ExpectExec("UPDATE archive_runs").
		WithArgs(pgxmock.AnyArg(), "success", int64(0), int64(0), pgxmock.AnyArg(), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := ledger.FinishRun(context.Background(), store.Run{ID: runID, Status: store.RunSuccess})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordFetchesInsertsEachRow(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	runID := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	rows := []store.FetchRow{
		{RunID: runID, Accession: "000032019324000001", URL: "u1", Outcome: "archived", StatusClass: "2xx", Bytes: 10, DurationMs: 5, FinishedAt: at},
		{RunID: runID, Accession: "000032019324000002", URL: "u2", Outcome: "failed", StatusClass: "4xx", Note: "download failed: status 404", FinishedAt: at},
	}
	for _, r := range rows {
		mock.ExpectExec("INSERT INTO archive_fetches").
			WithArgs(r.RunID, r.Accession, r.URL, r.Outcome, r.StatusClass, r.Bytes, r.DurationMs, r.Note, r.FinishedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, ledger.RecordFetches(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFetchesStopsOnError(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	mock.ExpectExec("INSERT INTO archive_fetches").WillReturnError(errors.New("conn reset"))

	err := ledger.RecordFetches(context.Background(), []store.FetchRow{{Accession: "1"}, {Accession: "2"}})
	require.ErrorContains(t, err, "conn reset")
}

func TestRecordShard(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	row := store.ShardRow{
		RunID:    uuid.New(),
		Path:     "out/batch_001_002.tar",
		Index:    1,
		Sequence: 2,
		Records:  40,
		Bytes:    1 << 20,
		SHA256:   "abc",
		ClosedAt: time.Unix(1700000000, 0).UTC(),
	}
	mock.ExpectExec("INSERT INTO archive_shards").
		WithArgs(row.RunID, row.Path, row.Index, row.Sequence, row.Records, row.Bytes, row.SHA256, row.ClosedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.RecordShard(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Hour)
	var noErr *string

	mock.ExpectQuery("SELECT id, mode, started_at").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "mode", "started_at", "finished_at", "status", "archived", "bytes", "error_message",
		}).AddRow(runID, "direct", started, &finished, "success", int64(12), int64(2048), noErr))

	run, err := ledger.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.ID)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, int64(12), run.Archived)
	require.Equal(t, finished, *run.FinishedAt)
	require.Nil(t, run.ErrorMessage)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	runID := uuid.New()
	mock.ExpectQuery("SELECT id, mode, started_at").WithArgs(runID).WillReturnError(pgx.ErrNoRows)

	_, err := ledger.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
