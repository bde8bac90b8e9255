package progress

import "context"

// Sink consumes batches of events. Consume is called from a single goroutine
// and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it so producers stay
// agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}
