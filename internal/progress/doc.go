// Package progress reports what a run is doing. Tracker keeps the live counters
// behind the progress line and the status endpoint, and turns each finished fetch,
// search page and closed shard into an Event. A per-run Hub batches fetch events,
// flushes at every milestone and feeds the sinks in package sinks.
package progress
