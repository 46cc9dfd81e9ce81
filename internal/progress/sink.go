package progress

import "context"

// Sink receives batches of events on the hub goroutine. Consume must return
// once ctx expires. A sink whose batches keep failing may be switched off
// for the rest of the run.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so reporters do not
// care how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}
