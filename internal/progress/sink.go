package progress

import "context"

// Sink consumes batches of progress events. The hub calls Consume serially
// per sink but implementations must honor ctx deadlines and tolerate
// repeated Close calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies this interface so the
// crawl pipeline stays agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event. Useful for tests and one-shot runs that
// render progress elsewhere.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
