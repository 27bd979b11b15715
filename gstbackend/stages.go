package gstbackend

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
)

var (
	// ErrHalted is returned by Push once the graph has been halted
	ErrHalted = errors.New("gstbackend: graph halted")

	errPullSample = errors.New("gstbackend: failed to pull sample from appsink")
	errNoBuffer   = errors.New("gstbackend: sample carries no buffer")
	errEmptyFrame = errors.New("gstbackend: empty buffer received")
	errFrameSize  = errors.New("gstbackend: sample caps carry no frame size")
)

// gstStage is implemented by every stage this backend creates
type gstStage interface {
	graph.Stage
	element() *gst.Element
}

// stage holds the element shared by every stage kind
type stage struct {
	kind    graph.StageKind
	name    string
	elem    *gst.Element
	backend *Backend
}

func (s *stage) Kind() graph.StageKind { return s.kind }
func (s *stage) Name() string          { return s.name }
func (s *stage) element() *gst.Element { return s.elem }

// Destroy stops the element and removes it from the pipeline
func (s *stage) Destroy() error {
	if err := s.elem.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set %s to NULL: %w", s.name, err)
	}
	if err := s.backend.pipeline.Remove(s.elem); err != nil {
		return fmt.Errorf("failed to remove %s from pipeline: %w", s.name, err)
	}
	s.backend.logger.Debug("gstbackend: stage destroyed", "name", s.name, "kind", s.kind.String())
	return nil
}

// clockStage is the appsrc that accepts encoded bytes
type clockStage struct {
	stage
	src *app.Source
}

// Push copies data into a GStreamer buffer. appsrc runs with block=true, so
// Push waits while the queue is full; Halt flushes it and the call returns.
func (c *clockStage) Push(data []byte) error {
	if c.backend.halted.Load() {
		return ErrHalted
	}

	ret := c.src.PushBuffer(gst.NewBufferFromBytes(data))
	if ret != gst.FlowOK {
		if c.backend.halted.Load() {
			return ErrHalted
		}
		return fmt.Errorf("gstbackend: push buffer: %v", ret)
	}

	atomic.AddUint64(&c.backend.bytesPushed, uint64(len(data)))
	return nil
}

// EndStream queues EOS behind the pushed data
func (c *clockStage) EndStream() error {
	if ret := c.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("gstbackend: end stream: %v", ret)
	}
	return nil
}

// sinkRef wraps the bound sink so it can live in an atomic.Pointer
type sinkRef struct {
	sink graph.BufferSink
}

// renderStage is the appsink that hands decoded frames to the player
type renderStage struct {
	stage
	sink  *app.Sink
	bound atomic.Pointer[sinkRef]
	pool  sync.Pool
}

// Enable installs the sample callback. Samples arriving before Bind are
// dropped at the callback layer.
func (r *renderStage) Enable() error {
	r.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: r.onNewSample,
	})
	return nil
}

// Bind starts delivering buffers to sink
func (r *renderStage) Bind(sink graph.BufferSink) error {
	if sink == nil {
		return errors.New("gstbackend: nil buffer sink")
	}
	r.bound.Store(&sinkRef{sink: sink})
	return nil
}

// onNewSample runs on the streaming thread of the appsink.
//
// A failed pull is reported as a buffer error and the stream keeps going;
// the player decides when enough consecutive errors are fatal.
func (r *renderStage) onNewSample(sink *app.Sink) gst.FlowReturn {
	ref := r.bound.Load()

	sample := sink.PullSample()
	if sample == nil {
		r.reportError(errPullSample)
		return gst.FlowOK
	}
	if ref == nil {
		atomic.AddUint64(&r.backend.framesUnbound, 1)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		ref.sink.BufferError(errNoBuffer)
		return gst.FlowOK
	}

	width, height := sampleSize(sample)
	if width <= 0 || height <= 0 {
		ref.sink.BufferError(errFrameSize)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		ref.sink.BufferError(errEmptyFrame)
		return gst.FlowOK
	}

	// Copy frame data (GStreamer will reuse buffer)
	frame := r.frameBuffer(len(data))
	copy(frame, data)
	buffer.Unmap()

	ref.sink.FillBufferDone(graph.Buffer{
		Data:    frame,
		Width:   width,
		Height:  height,
		PTS:     time.Duration(buffer.PresentationTimestamp()),
		Release: func() { r.pool.Put(&frame) },
	})
	return gst.FlowOK
}

// reportError hands err to the bound sink. Returns false before Bind.
func (r *renderStage) reportError(err error) bool {
	ref := r.bound.Load()
	if ref == nil {
		return false
	}
	ref.sink.BufferError(err)
	return true
}

// frameBuffer reuses a released frame of the same size when one is available
func (r *renderStage) frameBuffer(size int) []byte {
	if p, ok := r.pool.Get().(*[]byte); ok && cap(*p) >= size {
		return (*p)[:size]
	}
	return make([]byte, size)
}

// sampleSize reads the negotiated frame size from the sample caps
func sampleSize(sample *gst.Sample) (int, int) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return 0, 0
	}
	return structureInt(structure, "width"), structureInt(structure, "height")
}

func structureInt(s *gst.Structure, field string) int {
	v, err := s.GetValue(field)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint32:
		return int(n)
	default:
		return 0
	}
}

// tunnel is a linked src/sink pad pair between adjacent stages
type tunnel struct {
	from, to gstStage
}

func (t *tunnel) From() graph.Stage { return t.from }
func (t *tunnel) To() graph.Stage   { return t.to }

// Teardown unlinks the pads the tunnel established
func (t *tunnel) Teardown() error {
	srcPad := t.from.element().GetStaticPad("src")
	sinkPad := t.to.element().GetStaticPad("sink")
	if srcPad == nil || sinkPad == nil {
		return fmt.Errorf("gstbackend: %s -> %s: missing pad", t.from.Name(), t.to.Name())
	}
	if !srcPad.Unlink(sinkPad) {
		return fmt.Errorf("gstbackend: failed to unlink %s -> %s", t.from.Name(), t.to.Name())
	}
	return nil
}
