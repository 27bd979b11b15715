// Package bridge moves filled buffers from the decode context to the
// texture publisher.
//
// The bridge runs on whatever goroutine the backend delivers callbacks on.
// It never blocks and never touches the output image: it validates the
// generation, wraps the buffer in a Descriptor and offers it to the
// single-slot handoff owned by the publisher.
package bridge

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
)

// DefaultErrorBudget is the number of consecutive buffer errors tolerated
// before the session is declared failed
const DefaultErrorBudget = 3

// Handoff accepts descriptors without blocking. Implemented by the publisher.
type Handoff interface {
	Offer(d *Descriptor)
}

// FatalFunc is called when the consecutive error budget is exhausted.
// It runs on the decode context and must not block.
type FatalFunc func(generation uint64, err error)

// Bridge is the only synchronization point between the decode context and
// the GPU goroutine
type Bridge struct {
	handoff Handoff
	budget  int32
	onFatal FatalFunc
	logger  *slog.Logger

	// live is the generation accepted by the bridge; 0 accepts nothing
	live atomic.Uint64
	seq  atomic.Uint64

	consecutive atomic.Int32

	// Statistics (atomic for thread-safety)
	delivered    atomic.Uint64
	stale        atomic.Uint64
	bufferErrors atomic.Uint64
	fatals       atomic.Uint64
}

// Stats is a snapshot of bridge counters
type Stats struct {
	Delivered         uint64
	Stale             uint64
	BufferErrors      uint64
	ConsecutiveErrors int
	Fatals            uint64
}

// New creates a disarmed bridge. A budget <= 0 selects DefaultErrorBudget.
func New(handoff Handoff, budget int, onFatal FatalFunc, logger *slog.Logger) *Bridge {
	if budget <= 0 {
		budget = DefaultErrorBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		handoff: handoff,
		budget:  int32(budget),
		onFatal: onFatal,
		logger:  logger,
	}
}

// Arm makes generation the only one whose notifications are accepted and
// resets the error streak
func (b *Bridge) Arm(generation uint64) {
	b.consecutive.Store(0)
	b.live.Store(generation)
	b.logger.Debug("bridge: armed", "generation", generation)
}

// Disarm rejects every notification from now on.
// Called first during teardown, before any thread is joined.
func (b *Bridge) Disarm() {
	old := b.live.Swap(0)
	if old != 0 {
		b.logger.Debug("bridge: disarmed", "generation", old)
	}
}

// Live returns the accepted generation (0 when disarmed)
func (b *Bridge) Live() uint64 {
	return b.live.Load()
}

// Sink returns the BufferSink bound into the render stage for generation
func (b *Bridge) Sink(generation uint64) graph.BufferSink {
	return &sink{bridge: b, generation: generation}
}

type sink struct {
	bridge     *Bridge
	generation uint64
}

func (s *sink) FillBufferDone(buf graph.Buffer) { s.bridge.fillBufferDone(s.generation, buf) }
func (s *sink) BufferError(err error)           { s.bridge.bufferError(s.generation, err) }

// fillBufferDone is called on the decode context for every filled buffer
func (b *Bridge) fillBufferDone(generation uint64, buf graph.Buffer) {
	if generation == 0 || generation != b.live.Load() {
		// Late notification from a torn-down session: return the buffer unused
		b.stale.Add(1)
		if buf.Release != nil {
			buf.Release()
		}
		return
	}

	b.consecutive.Store(0)

	d := &Descriptor{
		Seq:        b.seq.Add(1),
		Generation: generation,
		TraceID:    uuid.New().String(),
		ReceivedAt: time.Now(),
		Buffer:     buf,
	}
	b.delivered.Add(1)
	b.handoff.Offer(d)
}

// bufferError is called on the decode context when a buffer could not be produced
func (b *Bridge) bufferError(generation uint64, err error) {
	if generation == 0 || generation != b.live.Load() {
		b.stale.Add(1)
		return
	}

	b.bufferErrors.Add(1)
	n := b.consecutive.Add(1)

	b.logger.Warn("bridge: buffer error",
		"generation", generation,
		"consecutive", n,
		"budget", b.budget,
		"error", err,
	)

	// Fire once per streak: exactly when the budget is reached
	if n == b.budget {
		b.fatals.Add(1)
		if b.onFatal != nil {
			b.onFatal(generation, fmt.Errorf("%d consecutive buffer errors: %w", n, err))
		}
	}
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Delivered:         b.delivered.Load(),
		Stale:             b.stale.Load(),
		BufferErrors:      b.bufferErrors.Load(),
		ConsecutiveErrors: int(b.consecutive.Load()),
		Fatals:            b.fatals.Load(),
	}
}
