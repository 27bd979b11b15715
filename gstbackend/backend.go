// Package gstbackend implements the decode graph primitives on GStreamer.
//
// Stage kinds map to elements as follows:
//
//	clock     → appsrc (block=true, caps from the probed format)
//	decode    → bin parsed from the decoder chain, e.g. "h264parse ! v4l2h264dec ! videoconvert"
//	scheduler → queue (or the configured factory)
//	render    → appsink (max-buffers=1, drop=true, RGBA caps)
//
// Every stage is added to one pipeline per Backend, and tunnels are plain
// element links. The pipeline bus is polled by a monitor goroutine that
// turns EOS, errors and state changes into graph events. Decoder warnings
// about undecodable frames reach the render stage's sink as buffer errors.
package gstbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	videoplayer "github.com/e7canasta/orion-care-sensor/modules/video-player"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
)

// eventBuffer bounds the backend event channel
const eventBuffer = 16

var initOnce sync.Once

var (
	_ graph.Backend     = (*Backend)(nil)
	_ graph.InputStage  = (*clockStage)(nil)
	_ graph.RenderStage = (*renderStage)(nil)
)

// Stats holds backend counters
type Stats struct {
	BytesPushed   uint64
	FramesUnbound uint64 // samples that arrived before Bind
	EventsDropped uint64
	Warnings      uint64
	Errors        ErrorCounters
}

// Backend owns one GStreamer pipeline
type Backend struct {
	pipeline *gst.Pipeline
	logger   *slog.Logger
	events   chan graph.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup

	halted    atomic.Bool
	closeOnce sync.Once

	// render receives codec warnings from the bus monitor
	render atomic.Pointer[renderStage]

	// Statistics (atomic for thread-safety)
	bytesPushed   uint64
	framesUnbound uint64
	eventsDropped uint64
	warnings      uint64
	errors        ErrorCounters
}

// New initializes GStreamer (safe to call multiple times), creates an empty
// pipeline and starts the bus monitor.
func New(logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		pipeline: pipeline,
		logger:   logger,
		events:   make(chan graph.Event, eventBuffer),
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.monitorBus(ctx)

	logger.Debug("gstbackend: pipeline created", "name", pipeline.GetName())
	return b, nil
}

// Factory returns a backend factory for videoplayer.WithBackend. Each
// backend logs through the package logger of videoplayer.
func Factory() videoplayer.BackendFactory {
	return func() (videoplayer.Backend, error) {
		b, err := New(videoplayer.Logger())
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// CreateStage creates the element for spec and adds it to the pipeline
func (b *Backend) CreateStage(spec graph.StageSpec) (graph.Stage, error) {
	name := spec.Name
	if name == "" {
		name = spec.Kind.String()
	}

	var (
		elem *gst.Element
		st   graph.Stage
	)

	switch spec.Kind {
	case graph.StageClock:
		src, err := app.NewAppSrc()
		if err != nil {
			return nil, fmt.Errorf("failed to create appsrc: %w", err)
		}
		src.SetProperty("block", true)
		if spec.Caps != "" {
			src.SetCaps(gst.NewCapsFromString(spec.Caps))
		}
		elem = src.Element
		st = &clockStage{stage: stage{kind: spec.Kind, name: name, elem: elem, backend: b}, src: src}

	case graph.StageDecode:
		if spec.Factory == "" {
			return nil, errors.New("gstbackend: decode stage needs an element chain")
		}
		bin, err := gst.NewBinFromString(spec.Factory, true)
		if err != nil {
			return nil, fmt.Errorf("failed to create decode bin '%s': %w", spec.Factory, err)
		}
		elem = bin.Element
		st = &stage{kind: spec.Kind, name: name, elem: elem, backend: b}

	case graph.StageScheduler:
		factory := spec.Factory
		if factory == "" {
			factory = "queue"
		}
		e, err := gst.NewElement(factory)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", factory, err)
		}
		elem = e
		st = &stage{kind: spec.Kind, name: name, elem: elem, backend: b}

	case graph.StageRender:
		sink, err := app.NewAppSink()
		if err != nil {
			return nil, fmt.Errorf("failed to create appsink: %w", err)
		}
		sink.SetProperty("sync", false)    // No sync with clock (real-time)
		sink.SetProperty("max-buffers", 1) // Keep only latest frame
		sink.SetProperty("drop", true)     // Drop old frames
		if spec.Caps != "" {
			sink.SetCaps(gst.NewCapsFromString(spec.Caps))
		}
		elem = sink.Element
		r := &renderStage{stage: stage{kind: spec.Kind, name: name, elem: elem, backend: b}, sink: sink}
		b.render.Store(r)
		st = r

	default:
		return nil, fmt.Errorf("gstbackend: unsupported stage kind %s", spec.Kind)
	}

	if err := elem.SetProperty("name", name); err != nil {
		return nil, fmt.Errorf("failed to name %s: %w", name, err)
	}
	for key, value := range spec.Properties {
		if err := elem.SetProperty(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s.%s: %w", name, key, err)
		}
	}

	if err := b.pipeline.Add(elem); err != nil {
		return nil, fmt.Errorf("failed to add %s to pipeline: %w", name, err)
	}

	b.logger.Debug("gstbackend: stage created",
		"name", name,
		"kind", spec.Kind.String(),
		"factory", spec.Factory,
		"caps", spec.Caps,
	)
	return st, nil
}

// Establish links the src pad of from to the sink pad of to
func (b *Backend) Establish(from, to graph.Stage) (graph.Tunnel, error) {
	src, ok := from.(gstStage)
	if !ok {
		return nil, fmt.Errorf("gstbackend: stage %s was not created by this backend", from.Name())
	}
	dst, ok := to.(gstStage)
	if !ok {
		return nil, fmt.Errorf("gstbackend: stage %s was not created by this backend", to.Name())
	}

	if err := src.element().Link(dst.element()); err != nil {
		return nil, fmt.Errorf("failed to link %s -> %s: %w", from.Name(), to.Name(), err)
	}
	return &tunnel{from: src, to: dst}, nil
}

// Play starts the pipeline
func (b *Backend) Play() error {
	if err := b.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to PLAYING: %w", err)
	}
	return nil
}

// Halt sets the pipeline to NULL, which flushes appsrc and unblocks Push
func (b *Backend) Halt() error {
	b.halted.Store(true)
	if err := b.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// Events returns the bus notifications
func (b *Backend) Events() <-chan graph.Event {
	return b.events
}

// Stats returns the backend counters
func (b *Backend) Stats() Stats {
	return Stats{
		BytesPushed:   atomic.LoadUint64(&b.bytesPushed),
		FramesUnbound: atomic.LoadUint64(&b.framesUnbound),
		EventsDropped: atomic.LoadUint64(&b.eventsDropped),
		Warnings:      atomic.LoadUint64(&b.warnings),
		Errors:        b.errors.snapshot(),
	}
}

// Close stops the bus monitor and releases the pipeline. Safe to call
// more than once.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			b.logger.Warn("gstbackend: bus monitor did not stop in time")
		}

		if e := b.pipeline.SetState(gst.StateNull); e != nil {
			err = fmt.Errorf("failed to set pipeline to NULL: %w", e)
		}

		stats := b.Stats()
		b.logger.Debug("gstbackend: closed",
			"bytes_pushed", stats.BytesPushed,
			"frames_unbound", stats.FramesUnbound,
			"events_dropped", stats.EventsDropped,
			"warnings", stats.Warnings,
			"codec_errors", stats.Errors.Codec,
			"resource_errors", stats.Errors.Resource,
			"stream_errors", stats.Errors.Stream,
		)
	})
	return err
}
