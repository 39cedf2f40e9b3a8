package progress

import "context"

// Sink is a destination for run progress: metrics, the run log, the ledger.
//
// A Hub calls Consume from its flush goroutine only, in emission order. A batch
// ends at the first milestone it contains, so a RUN_DONE or SHARD_CLOSED event is
// always the last event of its batch. Close is called once when the run ends.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. Tracker writes to one; Hub is the implementation
// used by runs.
type Emitter interface {
	Emit(evt Event)
}

// SinkFunc turns a function into a Sink whose Close does nothing.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}
