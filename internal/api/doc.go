// Package api hosts the status server that runs next to an archival job.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live snapshot of the current run.
//   - GET /v1/runs/{run_id} for finished runs recorded in the ledger.
package api
