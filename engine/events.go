package engine

import "time"

// EventKind classifies engine events.
type EventKind string

const (
	// EventFrameCaptured fires once per frame after the snapshot is
	// handed to the writer. The event carries the serialized tree.
	EventFrameCaptured EventKind = "frame_captured"

	// EventNodeStateChanged fires when an executable node flips to
	// running and again when it reaches complete or error.
	EventNodeStateChanged EventKind = "node_state_changed"

	// EventExecutionFinished fires once, after the terminal status is
	// recorded.
	EventExecutionFinished EventKind = "execution_finished"
)

// Event is one engine notification. Events are published from the loop
// goroutine in order; sinks must not block.
type Event struct {
	Kind        EventKind `json:"kind"`
	ExecutionID string    `json:"execution_id"`
	Sequence    int       `json:"sequence,omitempty"`
	Tree        string    `json:"tree,omitempty"`
	NodePath    string    `json:"node_path,omitempty"`
	NodeType    string    `json:"node_type,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives engine events.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

// Publish implements Sink.
func (f SinkFunc) Publish(ev Event) { f(ev) }

func (e *Engine) publish(ev Event) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.events.Publish(ev)
}
