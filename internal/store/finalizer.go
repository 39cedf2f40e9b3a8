package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/filing-archiver/internal/archive"
	"github.com/JakeFAU/filing-archiver/internal/filing"
)

// FileHasher digests a file on disk.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// ShardFinalizer records every closed batch file in the ledger with its digest.
type ShardFinalizer struct {
	ledger Ledger
	hasher FileHasher
	clock  filing.Clock
	runID  uuid.UUID
}

// NewShardFinalizer builds a ShardFinalizer for one run.
func NewShardFinalizer(ledger Ledger, hasher FileHasher, clock filing.Clock, runID uuid.UUID) *ShardFinalizer {
	return &ShardFinalizer{ledger: ledger, hasher: hasher, clock: clock, runID: runID}
}

// FinalizeShard implements archive.Finalizer.
func (f *ShardFinalizer) FinalizeShard(ctx context.Context, info archive.ShardInfo) error {
	digest, err := f.hasher.HashFile(info.Path)
	if err != nil {
		return fmt.Errorf("hash shard: %w", err)
	}
	row := ShardRow{
		RunID:    f.runID,
		Path:     info.Path,
		Index:    info.Index,
		Sequence: info.Sequence,
		Records:  info.Records,
		Bytes:    info.Size,
		SHA256:   digest,
		ClosedAt: f.clock.Now(),
	}
	if err := f.ledger.RecordShard(ctx, row); err != nil {
		return fmt.Errorf("record shard: %w", err)
	}
	return nil
}
