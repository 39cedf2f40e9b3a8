// Package storage copies finalized batch archives to a blob store. The concrete
// stores live in the gcs, local, and memory subpackages.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/filing-archiver/internal/archive"
)

// TarContentType is attached to every uploaded batch.
const TarContentType = "application/x-tar"

// BlobStore persists an object and returns a URI for it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ShardUploader is an archive.Finalizer that copies each closed batch file to a
// BlobStore under Prefix.
type ShardUploader struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
	slots  *semaphore.Weighted
	// OnUploaded, when set, receives the URI of every uploaded batch.
	OnUploaded func(info archive.ShardInfo, uri string)
}

// NewShardUploader builds a ShardUploader. A nil logger is replaced with a no-op one.
func NewShardUploader(store BlobStore, prefix string, logger *zap.Logger) *ShardUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShardUploader{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// LimitConcurrency caps the number of uploads in flight at once. Zero or less
// removes the cap.
func (u *ShardUploader) LimitConcurrency(n int64) *ShardUploader {
	if n <= 0 {
		u.slots = nil
		return u
	}
	u.slots = semaphore.NewWeighted(n)
	return u
}

// ObjectPath returns the object key for a local batch file.
func (u *ShardUploader) ObjectPath(localPath string) string {
	name := filepath.Base(localPath)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// FinalizeShard implements archive.Finalizer.
func (u *ShardUploader) FinalizeShard(ctx context.Context, info archive.ShardInfo) error {
	if u.slots != nil {
		if err := u.slots.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("wait for upload slot: %w", err)
		}
		defer u.slots.Release(1)
	}
	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			u.logger.Warn("close shard after upload failed", zap.String("shard", info.Path), zap.Error(cerr))
		}
	}()

	uri, err := u.store.PutObject(ctx, u.ObjectPath(info.Path), TarContentType, f)
	if err != nil {
		return fmt.Errorf("upload shard: %w", err)
	}
	u.logger.Info("shard uploaded",
		zap.String("shard", info.Path),
		zap.String("uri", uri),
		zap.Int64("bytes", info.Size),
	)
	if u.OnUploaded != nil {
		u.OnUploaded(info, uri)
	}
	return nil
}
