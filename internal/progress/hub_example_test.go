package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type exampleClock struct{}

func (exampleClock) Now() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }

// A closed shard ends the pending batch, so sinks see it right after the fetches
// that filled it.
func ExampleHub() {
	var batches []string
	sink := SinkFunc(func(_ context.Context, batch []Event) error {
		batches = append(batches, fmt.Sprintf("%d events, last %s", len(batch), batch[len(batch)-1].Stage))
		return nil
	})
	hub := NewHub(context.Background(), Config{BatchSize: 100, FlushInterval: time.Hour}, sink)

	run := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	ts := time.Unix(0, 0)
	for _, acc := range []string{"000032019324000001", "000032019324000002"} {
		hub.Emit(Event{RunID: run, TS: ts, Stage: StageFetchDone, Accession: acc, Outcome: "archived"})
	}
	hub.Emit(Event{RunID: run, TS: ts, Stage: StageShardClosed, URL: "out/batch_000_001.tar", Count: 2})
	hub.Emit(Event{RunID: run, TS: ts, Stage: StageFetchDone, Accession: "000032019324000003", Outcome: "failed"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	for _, b := range batches {
		fmt.Println(b)
	}
	// Output:
	// 3 events, last SHARD_CLOSED
	// 1 events, last FETCH_DONE
}

// Targets drained after an abort are abandoned and still count toward Processed.
func ExampleTracker_Abandon() {
	tracker := NewTracker(uuid.MustParse("00000000-0000-0000-0000-000000000002"), nil, nil, exampleClock{})
	tracker.AddTotal(4)
	tracker.Abandon(3)

	snap := tracker.Snapshot()
	fmt.Printf("processed %d of %d, abandoned %d, remaining %d\n", snap.Processed, snap.Total, snap.Abandoned, snap.Remaining)
	// Output:
	// processed 3 of 4, abandoned 3, remaining 1
}
