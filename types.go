package videoplayer

import (
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/events"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/publisher"
)

// State is the lifecycle state of a Player
type State int

const (
	StateUninitialized State = iota
	StateStreamOpen
	StateGraphBuilt
	StatePlaying
	StateEndOfStream
	StateFailed
	StateDestroyed
)

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStreamOpen:
		return "stream-open"
	case StateGraphBuilt:
		return "graph-built"
	case StatePlaying:
		return "playing"
	case StateEndOfStream:
		return "end-of-stream"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// OutputImage is the GPU-sampleable image the decoded frames are written to
type OutputImage = publisher.Image

// ImageTarget creates Output Images sized to the decoded frames
type ImageTarget = publisher.ImageTarget

// Frame is what an OutputImage receives on each update
type Frame = publisher.Frame

// Event is delivered to subscribers registered with Player.Subscribe
type Event = events.Event

// EventType identifies the kind of Event
type EventType = events.Type

const (
	EventState       = events.TypeState
	EventFrame       = events.TypeFrame
	EventError       = events.TypeError
	EventEndOfStream = events.TypeEndOfStream
)

// Backend creates the stages and tunnels of the decode graph
type Backend = graph.Backend

// BackendFactory creates a fresh backend for each playback session
type BackendFactory func() (Backend, error)

// Stats is a snapshot of player statistics
type Stats struct {
	State      State
	Generation uint64
	Format     string
	Sessions   uint64
	Rewinds    uint64

	BytesRead    uint64
	ChunksPushed uint64

	FramesDelivered   uint64 // buffers accepted by the bridge
	FramesStale       uint64 // late notifications of torn-down sessions
	BufferErrors      uint64
	FramesPublished   uint64
	FramesSuperseded  uint64
	PublishErrors     uint64
	ImagesRecreated   uint64
	LastPublishedSeq  uint64
	EventsDropped     uint64
	LiveStages        int
	LiveTunnels       int
	StartedAt         time.Time
	LastError         string
	OutputImageWidth  int
	OutputImageHeight int
}
