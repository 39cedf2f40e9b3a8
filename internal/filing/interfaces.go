package filing

import (
	"context"
	"time"

	"github.com/JakeFAU/filing-archiver/internal/accession"
)

// Fetcher performs an HTTP GET and returns the response regardless of status code.
// Transport failures are returned as errors.
type Fetcher interface {
	Get(ctx context.Context, url string, headers map[string]string) (Response, error)
}

// Decoder turns a container's bytes into metadata plus ordered document blobs.
type Decoder interface {
	Decode(data []byte, opts DecodeOptions) (map[string]any, [][]byte, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte, opts DecodeOptions) (map[string]any, [][]byte, error)

// Decode calls f.
func (f DecoderFunc) Decode(data []byte, opts DecodeOptions) (map[string]any, [][]byte, error) {
	return f(data, opts)
}

// ArchiveWriter persists decoded records. Write reports false instead of returning an
// error so one bad record never stops the pipeline.
type ArchiveWriter interface {
	Write(record DecodedRecord) bool
}

// ErrorRecorder keeps the per-filing failure log.
type ErrorRecorder interface {
	Record(id accession.Number, reason string)
}

// Queue is a joinable FIFO of fetch targets.
type Queue interface {
	Enqueue(ctx context.Context, target FetchTarget) error
	Dequeue(ctx context.Context) (FetchTarget, error)
	Done()
	Join(ctx context.Context) error
}

// Policy decides whether a filing should be fetched at all.
type Policy interface {
	AllowFetch(id accession.Number) bool
}

// Hasher computes digests for integrity columns.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RateLimiter gates the start of outbound requests.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// ThroughputRecorder observes completed downloads.
type ThroughputRecorder interface {
	Record(bytes int)
}

// PayloadProcessor decodes and archives one fetched payload, returning its outcome.
type PayloadProcessor interface {
	Process(ctx context.Context, payload RawPayload) (Outcome, error)
}

// FetchObserver is told about every target a fetch worker finishes.
type FetchObserver interface {
	FetchDone(result FetchResult)
}
