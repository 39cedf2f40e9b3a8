package filing

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/filing-archiver/internal/accession"
)

// Fatal errors abort a whole run. Everything else is recorded per filing.
var (
	ErrUnauthorized  = errors.New("authentication failed: invalid API key")
	ErrMissingAPIKey = errors.New("no API key configured; set fetch.api_key or DATAMULE_API_KEY")
	// ErrQueueClosed is returned by Dequeue once a queue is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// Hit is one entry returned by the search API.
type Hit struct {
	ID      string
	CIK     string
	Form    string
	FiledAt string
	Source  map[string]any
}

// FetchTarget is one filing to retrieve. It is not modified after it is enqueued.
type FetchTarget struct {
	ID  accession.Number
	URL string
	Hit *Hit
}

// RawPayload is a fetched response body. Chunks are handed over to the processor and
// must not be touched by the fetcher afterwards.
type RawPayload struct {
	ID          accession.Number
	URL         string
	ContentType string
	Chunks      [][]byte
}

// Size returns the total byte length of the payload.
func (p RawPayload) Size() int {
	total := 0
	for _, c := range p.Chunks {
		total += len(c)
	}
	return total
}

// Document is one embedded document extracted from a container.
type Document struct {
	Name string
	Data []byte
}

// DecodedRecord is the unit written to a batch archive.
type DecodedRecord struct {
	ID        accession.Number
	Metadata  map[string]any
	Documents []Document
}

// DecodeOptions selects which embedded documents a decoder keeps.
type DecodeOptions struct {
	// KeepDocumentTypes limits output to these document types. Empty keeps everything.
	KeepDocumentTypes []string
	// KeepFilteredMetadata keeps metadata entries for documents that were filtered out.
	KeepFilteredMetadata bool
	// StandardizeMetadata lowercases metadata keys.
	StandardizeMetadata bool
}

// Response is the result of one HTTP GET.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the lowercased media type of the response without parameters.
func (r Response) ContentType() string {
	ct, _, _ := strings.Cut(r.Headers.Get("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Outcome classifies how a target finished.
type Outcome string

// Terminal outcomes for a fetch target.
const (
	OutcomeArchived  Outcome = "archived"
	OutcomeFailed    Outcome = "failed"
	OutcomeFatal     Outcome = "fatal"
	// OutcomeAbandoned marks targets dropped because the run was aborted.
	OutcomeAbandoned Outcome = "abandoned"
)

// FetchResult reports how one target finished.
type FetchResult struct {
	Target     FetchTarget
	Outcome    Outcome
	StatusCode int
	Bytes      int
	Duration   time.Duration
	Err        string
}
