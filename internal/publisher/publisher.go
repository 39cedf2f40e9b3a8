// Package publisher announces finalized batch archives to downstream consumers.
package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/filing-archiver/internal/archive"
	"github.com/JakeFAU/filing-archiver/internal/filing"
)

// ShardClosedEvent is the event name attached to shard notifications.
const ShardClosedEvent = "archive.shard.closed"

// Publisher sends one payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ShardMessage is the JSON body of a shard notification.
type ShardMessage struct {
	RunID    string    `json:"run_id"`
	File     string    `json:"file"`
	Path     string    `json:"path"`
	Shard    int       `json:"shard"`
	Sequence int       `json:"sequence"`
	Records  int       `json:"records"`
	Bytes    int64     `json:"bytes"`
	ClosedAt time.Time `json:"closed_at"`
}

// ShardNotifier is an archive.Finalizer that publishes a ShardMessage per closed batch.
type ShardNotifier struct {
	pub   Publisher
	runID uuid.UUID
	clock filing.Clock
}

// NewShardNotifier builds a ShardNotifier for one run.
func NewShardNotifier(pub Publisher, runID uuid.UUID, clock filing.Clock) *ShardNotifier {
	return &ShardNotifier{pub: pub, runID: runID, clock: clock}
}

// FinalizeShard implements archive.Finalizer.
func (n *ShardNotifier) FinalizeShard(ctx context.Context, info archive.ShardInfo) error {
	msg := ShardMessage{
		RunID:    n.runID.String(),
		File:     filepath.Base(info.Path),
		Path:     info.Path,
		Shard:    info.Index,
		Sequence: info.Sequence,
		Records:  info.Records,
		Bytes:    info.Size,
		ClosedAt: n.clock.Now().UTC(),
	}
	if _, err := n.pub.Publish(ctx, ShardClosedEvent, msg); err != nil {
		return fmt.Errorf("publish shard notification: %w", err)
	}
	return nil
}
