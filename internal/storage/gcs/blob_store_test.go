package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client is required")

	_, err = New(&storage.Client{}, Config{Bucket: "  "})
	require.ErrorContains(t, err, "bucket name is required")

	store, err := New(&storage.Client{}, Config{Bucket: "filings", ChunkSize: 1 << 20})
	require.NoError(t, err)
	require.Equal(t, 1<<20, store.chunkSize)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "filings"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "application/x-tar", nil)
	require.ErrorContains(t, err, "path is required")
}
