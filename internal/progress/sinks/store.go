package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/progress"
	"github.com/JakeFAU/filing-archiver/internal/store"
)

// StoreSink persists run lifecycle and fetch outcomes via a store.Ledger. Fetch
// rows from one batch are written together.
type StoreSink struct {
	ledger store.Ledger
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided ledger.
func NewStoreSink(ledger store.Ledger, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{ledger: ledger, logger: logger}
}

// Consume forwards the batch to the ledger. It respects ctx deadlines and returns
// any ledger errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.ledger == nil {
		return nil
	}
	var rows []store.FetchRow
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := s.ledger.RecordFetches(ctx, rows); err != nil {
			return fmt.Errorf("record fetches: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.ledger.StartRun(ctx, runID, evt.Note, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			// Fetch rows land before the run is marked finished.
			if err := flush(); err != nil {
				return err
			}
			if err := s.finishRun(ctx, runID, evt); err != nil {
				return err
			}
		case progress.StageFetchDone:
			rows = append(rows, store.FetchRow{
				RunID:       runID,
				Accession:   evt.Accession,
				URL:         evt.URL,
				Outcome:     evt.Outcome,
				StatusClass: string(evt.StatusClass),
				Bytes:       evt.Bytes,
				DurationMs:  evt.Dur.Milliseconds(),
				Note:        evt.Note,
				FinishedAt:  evt.TS,
			})
		}
	}
	return flush()
}

func (s *StoreSink) finishRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	finished := evt.TS
	run := store.Run{
		ID:         runID,
		FinishedAt: &finished,
		Status:     store.RunSuccess,
		Archived:   evt.Count,
		Bytes:      evt.Bytes,
	}
	if evt.Stage == progress.StageRunError {
		run.Status = store.RunError
		note := evt.Note
		run.ErrorMessage = &note
	}
	if err := s.ledger.FinishRun(ctx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
