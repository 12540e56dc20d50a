package process

// EventKind classifies lifecycle and output events emitted for a managed
// process.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventOutput  EventKind = "output"
	EventExited  EventKind = "exited"
	EventError   EventKind = "error"
)

// Event is pushed to the injected Sink as a process progresses. The core
// knows nothing about how events are delivered to clients.
type Event struct {
	Kind    EventKind `json:"kind"`
	Name    string    `json:"name"`
	Payload string    `json:"payload,omitempty"`
}

// Sink receives process events. Implementations must not block: Emit is
// called from output-forwarding and watcher goroutines.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
