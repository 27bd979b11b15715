package gstbackend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
)

// ErrorCounters holds atomic counters for the error categories
type ErrorCounters struct {
	Codec    uint64
	Resource uint64
	Stream   uint64
	Unknown  uint64
}

func (c *ErrorCounters) add(category ErrorCategory) {
	switch category {
	case ErrCategoryCodec:
		atomic.AddUint64(&c.Codec, 1)
	case ErrCategoryResource:
		atomic.AddUint64(&c.Resource, 1)
	case ErrCategoryStream:
		atomic.AddUint64(&c.Stream, 1)
	default:
		atomic.AddUint64(&c.Unknown, 1)
	}
}

func (c *ErrorCounters) snapshot() ErrorCounters {
	return ErrorCounters{
		Codec:    atomic.LoadUint64(&c.Codec),
		Resource: atomic.LoadUint64(&c.Resource),
		Stream:   atomic.LoadUint64(&c.Stream),
		Unknown:  atomic.LoadUint64(&c.Unknown),
	}
}

// monitorBus polls the pipeline bus and forwards EOS, errors and pipeline
// state changes as graph events until ctx is cancelled.
func (b *Backend) monitorBus(ctx context.Context) {
	defer b.wg.Done()

	bus := b.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("gstbackend: context cancelled, stopping bus monitor")
			return

		default:
			// Poll for messages with short timeout for responsive shutdown
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				b.logger.Debug("gstbackend: end of stream received")
				b.emit(graph.Event{Type: graph.EventEOS, Stage: msg.Source()})

			case gst.MessageError:
				gerr := msg.ParseError()
				category := ClassifyGStreamerError(gerr)
				b.errors.add(category)

				b.logger.Error("gstbackend: pipeline error",
					"source", msg.Source(),
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
				)
				b.emit(graph.Event{
					Type:     graph.EventError,
					Stage:    msg.Source(),
					Err:      errors.New(gerr.Error()),
					Category: category.String(),
					Detail:   gerr.DebugString(),
				})

			case gst.MessageWarning:
				gerr := msg.ParseWarning()
				b.warning(msg.Source(), gerr.Error(), gerr.DebugString())

			case gst.MessageStateChanged:
				if msg.Source() == b.pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					b.emit(graph.Event{
						Type:   graph.EventStateChanged,
						Stage:  msg.Source(),
						Detail: fmt.Sprintf("%v -> %v", old, new),
					})
				}
			}
		}
	}
}

// warning forwards codec warnings, which decoders post for frames they
// could not decode, to the bound sink as buffer errors. Other warnings are
// only logged.
func (b *Backend) warning(source, message, debug string) {
	category := classify(message, debug)
	atomic.AddUint64(&b.warnings, 1)

	b.logger.Warn("gstbackend: pipeline warning",
		"source", source,
		"warning", message,
		"debug", debug,
		"category", category.String(),
	)

	if category != ErrCategoryCodec {
		return
	}
	if r := b.render.Load(); r != nil {
		r.reportError(fmt.Errorf("gstbackend: %s: %s", source, message))
	}
}

// emit never blocks the monitor; EOS and errors are rare enough that a
// full channel means nobody is listening.
func (b *Backend) emit(ev graph.Event) {
	select {
	case b.events <- ev:
	default:
		atomic.AddUint64(&b.eventsDropped, 1)
		b.logger.Debug("gstbackend: dropping event, channel full", "type", ev.Type.String())
	}
}
