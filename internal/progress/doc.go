// Package progress provides the event primitives, non-blocking hub, and
// reporter that the run coordinator uses to publish harvest progress. Events
// are batched on a background goroutine and fanned out to pluggable sinks such
// as structured logs, Prometheus metrics or the Postgres run ledger.
package progress
