package progress

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/filing-archiver/internal/filing"
)

// RateSource reports recent throughput.
type RateSource interface {
	CurrentRates() (opsPerSec float64, mbPerSec float64)
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	RunID     string        `json:"run_id"`
	Total     int64         `json:"total"`
	Processed int64         `json:"processed"`
	Archived  int64         `json:"archived"`
	Failed    int64         `json:"failed"`
	Abandoned int64         `json:"abandoned"`
	Remaining int64         `json:"remaining"`
	Bytes     int64         `json:"bytes"`
	OpsPerSec float64       `json:"ops_per_sec"`
	MBPerSec  float64       `json:"mb_per_sec"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Tracker counts finished targets for one run and forwards each one to the hub.
// It implements filing.FetchObserver.
type Tracker struct {
	runID   uuid.UUID
	emitter Emitter
	rates   RateSource
	clock   filing.Clock
	started time.Time

	total     atomic.Int64
	processed atomic.Int64
	archived  atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	drained   atomic.Int64
	bytes     atomic.Int64
}

// NewTracker builds a Tracker. emitter and rates may be nil.
func NewTracker(runID uuid.UUID, emitter Emitter, rates RateSource, clock filing.Clock) *Tracker {
	return &Tracker{
		runID:   runID,
		emitter: emitter,
		rates:   rates,
		clock:   clock,
		started: clock.Now(),
	}
}

// RunID returns the run identifier.
func (t *Tracker) RunID() uuid.UUID {
	return t.runID
}

// AddTotal raises the number of known targets.
func (t *Tracker) AddTotal(n int) {
	t.total.Add(int64(n))
}

// FetchDone counts one finished target. Every dequeued target reports exactly once.
func (t *Tracker) FetchDone(result filing.FetchResult) {
	t.processed.Add(1)
	switch result.Outcome {
	case filing.OutcomeArchived:
		t.archived.Add(1)
	case filing.OutcomeAbandoned:
		t.abandoned.Add(1)
	default:
		t.failed.Add(1)
	}
	t.bytes.Add(int64(result.Bytes))

	t.emit(Event{
		Stage:       StageFetchDone,
		Accession:   result.Target.ID.NoDash(),
		URL:         result.Target.URL,
		Bytes:       int64(result.Bytes),
		StatusClass: ClassifyStatus(result.StatusCode),
		Outcome:     string(result.Outcome),
		Dur:         result.Duration,
		Note:        result.Err,
	})
}

// Abandon counts targets that were queued but never handed to a worker. They count
// as processed, so Processed reaches Total on an aborted run too.
func (t *Tracker) Abandon(n int) {
	if n <= 0 {
		return
	}
	t.drained.Add(int64(n))
	t.processed.Add(int64(n))
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	drained := t.drained.Load()
	s := Snapshot{
		RunID:     t.runID.String(),
		Total:     t.total.Load(),
		Processed: t.processed.Load(),
		Archived:  t.archived.Load(),
		Failed:    t.failed.Load(),
		Abandoned: t.abandoned.Load() + drained,
		Bytes:     t.bytes.Load(),
		Elapsed:   t.clock.Now().Sub(t.started),
	}
	if r := s.Total - s.Processed; r > 0 {
		s.Remaining = r
	}
	if t.rates != nil {
		s.OpsPerSec, s.MBPerSec = t.rates.CurrentRates()
	}
	return s
}

// Start emits RUN_START.
func (t *Tracker) Start(mode string) {
	t.emit(Event{Stage: StageRunStart, Note: mode})
}

// SearchPage emits SEARCH_PAGE with the number of hits on the page.
func (t *Tracker) SearchPage(hits int) {
	t.emit(Event{Stage: StageSearchPage, Count: int64(hits)})
}

// ShardClosed emits SHARD_CLOSED for a finished batch file.
func (t *Tracker) ShardClosed(path string, size int64, records int) {
	t.emit(Event{Stage: StageShardClosed, URL: path, Bytes: size, Count: int64(records)})
}

// Finish emits RUN_DONE, or RUN_ERROR when err is non-nil.
func (t *Tracker) Finish(err error) {
	evt := Event{
		Stage: StageRunDone,
		Dur:   t.clock.Now().Sub(t.started),
		Bytes: t.bytes.Load(),
		Count: t.archived.Load(),
	}
	if err != nil {
		evt.Stage = StageRunError
		evt.Note = err.Error()
	}
	t.emit(evt)
}

func (t *Tracker) emit(evt Event) {
	if t.emitter == nil {
		return
	}
	evt.RunID = UUIDToBytes(t.runID)
	evt.TS = t.clock.Now()
	t.emitter.Emit(evt)
}
