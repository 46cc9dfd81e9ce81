// Package sinks implements concrete progress consumers: Prometheus collectors,
// the Postgres run ledger, structured logging and an in-memory status view.
// Each sink satisfies the progress.Sink interface.
package sinks
