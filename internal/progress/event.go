// Package progress defines the events emitted while a run archives filings.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageSearchPage  Stage = "SEARCH_PAGE"
	StageFetchDone   Stage = "FETCH_DONE"
	StageShardClosed Stage = "SHARD_CLOSED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of run progress.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Accession is the no-dash accession number for fetch events.
	Accession string
	// URL is the document or shard location; it must not contain credentials.
	URL string
	// Bytes is the response size for fetches and the file size for shards.
	Bytes int64
	// Count is the number of hits on a search page or records in a shard.
	Count int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Outcome is the terminal outcome of a fetch.
	Outcome string
	// Dur captures latency for fetches and wall time for finished runs.
	Dur time.Duration
	// Note carries low-volume context such as an error reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageSearchPage:
	case StageFetchDone:
		if e.Accession == "" {
			return errors.New("fetch done requires accession")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StageShardClosed:
		if e.URL == "" {
			return errors.New("shard closed requires path")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Milestone reports whether e marks a run, page or shard boundary rather than a
// single fetch.
func (e Event) Milestone() bool {
	return e.Stage != StageFetchDone
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
