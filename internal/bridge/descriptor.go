package bridge

import (
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
)

// Descriptor is the handle to one decoded frame on its way to the publisher.
//
// A descriptor is consumed exactly once: it is either published and then
// released, or released unused (superseded, stale, or dropped on teardown).
// Release is idempotent so the owner at each hop can release defensively.
type Descriptor struct {
	// Seq is assigned by the bridge, monotonically increasing per bridge
	Seq uint64
	// Generation is the session the buffer was produced for
	Generation uint64
	// TraceID correlates log lines across the three execution contexts
	TraceID string
	// ReceivedAt is when the decode context handed the buffer over
	ReceivedAt time.Time

	Buffer graph.Buffer

	released atomic.Bool
}

// Release returns the underlying buffer to the pipeline.
// Reports true only for the call that actually released it.
func (d *Descriptor) Release() bool {
	if !d.released.CompareAndSwap(false, true) {
		return false
	}
	if d.Buffer.Release != nil {
		d.Buffer.Release()
	}
	return true
}

// Released reports whether the buffer was already returned
func (d *Descriptor) Released() bool {
	return d.released.Load()
}
