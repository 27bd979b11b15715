package graph

import (
	"time"
)

// StageKind identifies the role a stage plays in the decode graph
type StageKind int

const (
	// StageClock feeds encoded data into the graph and stamps it against the pipeline clock
	StageClock StageKind = iota
	// StageDecode turns encoded access units into raw frames
	StageDecode
	// StageScheduler paces decoded frames towards the render target
	StageScheduler
	// StageRender is the final stage; it emits filled frame buffers
	StageRender
)

// String returns a human-readable string representation of the stage kind
func (k StageKind) String() string {
	switch k {
	case StageClock:
		return "clock"
	case StageDecode:
		return "decode"
	case StageScheduler:
		return "scheduler"
	case StageRender:
		return "render"
	default:
		return "unknown"
	}
}

// ParseStageKind maps a configuration string back to a StageKind.
func ParseStageKind(s string) (StageKind, bool) {
	switch s {
	case "clock":
		return StageClock, true
	case "decode":
		return StageDecode, true
	case "scheduler":
		return StageScheduler, true
	case "render":
		return StageRender, true
	default:
		return 0, false
	}
}

// StageSpec describes one stage before it is created.
//
// Caps is the port configuration (the format the stage accepts or
// produces). Factory names the backend element or, for the decode stage, a
// short element chain description.
type StageSpec struct {
	Kind       StageKind
	Name       string
	Factory    string
	Caps       string
	Properties map[string]any
}

// Stage is a live pipeline element created by a Backend
type Stage interface {
	Kind() StageKind
	Name() string
	// Destroy releases the element. It is only called once the stage has
	// no established tunnels.
	Destroy() error
}

// InputStage is implemented by the stage that accepts encoded bytes
type InputStage interface {
	Stage
	// Push hands one chunk of encoded data to the graph. It may block while
	// the graph applies backpressure; the chunk must not be modified afterwards.
	Push(data []byte) error
	// EndStream signals that no more data will be pushed
	EndStream() error
}

// RenderStage is implemented by the final stage of the graph
type RenderStage interface {
	Stage
	// Enable moves the stage into its "enabled, waiting for output image"
	// configuration. Called by Build once every tunnel is established.
	Enable() error
	// Bind starts delivering filled buffers to sink. Notifications arrive on
	// a backend-owned execution context.
	Bind(sink BufferSink) error
}

// Tunnel is an established connection between two adjacent stages
type Tunnel interface {
	From() Stage
	To() Stage
	Teardown() error
}

// Buffer is one decoded frame emitted by the render stage
type Buffer struct {
	Data   []byte
	Width  int
	Height int
	PTS    time.Duration
	// Release returns the buffer to the pipeline. May be nil.
	Release func()
}

// BufferSink receives the render stage's buffer lifecycle notifications
type BufferSink interface {
	FillBufferDone(buf Buffer)
	BufferError(err error)
}

// EventType classifies asynchronous backend notifications
type EventType int

const (
	// EventEOS reports that the graph has drained after EndStream
	EventEOS EventType = iota
	// EventError reports an unrecoverable backend error
	EventError
	// EventStateChanged reports a pipeline state transition (informational)
	EventStateChanged
)

// String returns a human-readable string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventEOS:
		return "eos"
	case EventError:
		return "error"
	case EventStateChanged:
		return "state-changed"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification emitted by a Backend
type Event struct {
	Type     EventType
	Stage    string
	Err      error
	Category string
	Detail   string
}

// Backend provides the stage and tunnel primitives the builder composes.
//
// One Backend instance serves exactly one graph. Implementations must be
// safe for Halt to be called concurrently with a blocked Push.
type Backend interface {
	CreateStage(spec StageSpec) (Stage, error)
	Establish(from, to Stage) (Tunnel, error)

	// Play starts the command loop of the graph (buffers begin to flow)
	Play() error
	// Halt stops the graph; blocked Push calls return
	Halt() error
	// Events returns the asynchronous notification channel
	Events() <-chan Event
	// Close releases backend-wide resources after the graph is torn down
	Close() error
}
