// Package api hosts the optional ops HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live counters of the current run.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/subitems for the
//     Postgres run ledger via the store.ProgressRepository interface.
package api
