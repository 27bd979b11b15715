// Package publisher owns the output image and is the only code that writes
// to it.
//
// Filled buffers arrive as bridge descriptors through a single-slot mailbox:
// a newer descriptor supersedes an unconsumed one, whose buffer is released
// unused. The GPU goroutine (Run, or a caller-driven render loop calling
// PublishPending) drains the slot and uploads the newest frame. At most one
// image update is in flight at any time.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/bridge"
)

var (
	// ErrUpdateInFlight is returned when another update still holds the image
	ErrUpdateInFlight = errors.New("publisher: image update in flight")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("publisher: closed")
)

// Frame is the payload handed to Image.Update
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64
	Generation uint64
	PTS        time.Duration
}

// Image is a GPU-side texture the decoded frames are uploaded into.
//
// Update is only ever called from the publishing goroutine. Release is too
// while Run is active; without a Run loop the final Release happens on the
// goroutine that calls Close.
type Image interface {
	Width() int
	Height() int
	Update(f Frame) error
	Release() error
}

// ImageTarget creates images on demand, sized to the first frame
type ImageTarget interface {
	CreateImage(width, height int) (Image, error)
}

// ErrorFunc receives publish failures. Must not block.
type ErrorFunc func(err error)

// Stats is a snapshot of publisher counters
type Stats struct {
	Offered     uint64
	Published   uint64
	Superseded  uint64
	Failed      uint64
	Recreated   uint64
	LastSeq     uint64
	HasPending  bool
	ImageWidth  int
	ImageHeight int
}

// Publisher drains the descriptor mailbox into the output image
type Publisher struct {
	target      ImageTarget
	onError     ErrorFunc
	onPublished func(Frame)
	logger      *slog.Logger

	// --- Mailbox State ---

	mu      sync.Mutex // Protects pending, closed, running, image, lastSeq
	pending *bridge.Descriptor
	closed  bool
	running bool // a Run loop owns the final image release

	ready    chan struct{} // 1-buffered wake-up for the GPU goroutine
	done     chan struct{} // closed by Close
	released chan struct{} // closed once Run has released the image
	relErr   error

	image   Image
	lastSeq uint64

	// updateMu is held for the whole duration of an image update
	updateMu sync.Mutex

	closeOnce sync.Once

	// Statistics (atomic for thread-safety)
	offered    atomic.Uint64
	published  atomic.Uint64
	superseded atomic.Uint64
	failed     atomic.Uint64
	recreated  atomic.Uint64
}

// New creates a publisher writing into images created by target
func New(target ImageTarget, onError ErrorFunc, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		target:   target,
		onError:  onError,
		logger:   logger,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

// SetPublishedFunc registers fn to be called on the publishing goroutine
// after every successful update. Must be set before the first Offer.
func (p *Publisher) SetPublishedFunc(fn func(Frame)) {
	p.onPublished = fn
}

// Ready is signalled whenever a descriptor becomes pending. A render loop
// selects on it and calls PublishPending.
func (p *Publisher) Ready() <-chan struct{} {
	return p.ready
}

func (p *Publisher) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
		// Already signalled
	}
}

// Offer implements bridge.Handoff. Non-blocking.
func (p *Publisher) Offer(d *bridge.Descriptor) {
	p.offered.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		d.Release()
		return
	}

	prev := p.pending
	p.pending = d
	p.mu.Unlock()
	p.signal()

	if prev != nil {
		// Consumer slow: newest frame wins
		p.superseded.Add(1)
		prev.Release()
	}
}

// PublishPending uploads the pending descriptor, if any, into the image.
//
// Returns (false, nil) when nothing was pending and ErrUpdateInFlight when
// another update is running; in that case the pending descriptor is left
// for the next call.
func (p *Publisher) PublishPending() (bool, error) {
	if !p.updateMu.TryLock() {
		return false, ErrUpdateInFlight
	}
	defer func() {
		p.updateMu.Unlock()
		// A descriptor offered (or refused) while we held the image
		p.mu.Lock()
		again := p.pending != nil && !p.closed
		p.mu.Unlock()
		if again {
			p.signal()
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	d := p.pending
	p.pending = nil
	img := p.image
	p.mu.Unlock()

	if d == nil {
		return false, nil
	}
	defer d.Release()

	frame, err := p.publish(d, img)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("publisher: update failed",
			"seq", d.Seq,
			"generation", d.Generation,
			"trace_id", d.TraceID,
			"error", err,
		)
		if p.onError != nil {
			p.onError(err)
		}
		return false, err
	}

	p.published.Add(1)
	if p.onPublished != nil {
		p.onPublished(frame)
	}
	return true, nil
}

// publish performs the update with updateMu held
func (p *Publisher) publish(d *bridge.Descriptor, img Image) (Frame, error) {
	buf := d.Buffer
	if buf.Width <= 0 || buf.Height <= 0 {
		return Frame{}, fmt.Errorf("frame %d: invalid size %dx%d", d.Seq, buf.Width, buf.Height)
	}

	frame := Frame{
		Data:       buf.Data,
		Width:      buf.Width,
		Height:     buf.Height,
		Seq:        d.Seq,
		Generation: d.Generation,
		PTS:        buf.PTS,
	}

	// Reuse the current image when the size matches
	if img != nil && img.Width() == buf.Width && img.Height() == buf.Height {
		if err := img.Update(frame); err != nil {
			return Frame{}, fmt.Errorf("update image with frame %d: %w", d.Seq, err)
		}
		p.mu.Lock()
		p.lastSeq = d.Seq
		p.mu.Unlock()
		return frame, nil
	}

	// First frame or size change: the old image stays visible until the new
	// one holds a frame
	next, err := p.target.CreateImage(buf.Width, buf.Height)
	if err != nil {
		return Frame{}, fmt.Errorf("create %dx%d image: %w", buf.Width, buf.Height, err)
	}
	if err := next.Update(frame); err != nil {
		if relErr := next.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return Frame{}, fmt.Errorf("update new image with frame %d: %w", d.Seq, err)
	}

	p.mu.Lock()
	old := p.image
	p.image = next
	p.lastSeq = d.Seq
	p.mu.Unlock()

	if old != nil {
		p.recreated.Add(1)
		if err := old.Release(); err != nil {
			p.logger.Warn("publisher: release of replaced image failed", "error", err)
		}
	}

	p.logger.Debug("publisher: image created",
		"width", buf.Width,
		"height", buf.Height,
		"seq", d.Seq,
	)
	return frame, nil
}

// Run publishes descriptors as they arrive until ctx is cancelled or the
// publisher is closed. The goroutine is pinned to its OS thread for the
// duration, as GPU contexts require. When Close is called while Run is
// active, Run releases the image before returning ErrClosed.
//
// Only one Run loop may be active at a time.
func (p *Publisher) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.running = true
	p.mu.Unlock()
	defer p.exitRun()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case <-p.ready:
			if _, err := p.PublishPending(); errors.Is(err, ErrClosed) {
				return err
			}
			// Other failures were reported through onError; the stale image stays visible
		}
	}
}

// exitRun hands the final release to whoever is left: Run itself when the
// publisher was closed, Close otherwise.
func (p *Publisher) exitRun() {
	p.mu.Lock()
	p.running = false
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.relErr = p.releaseImage()
		close(p.released)
	}
}

// releaseImage waits for an in-flight update and releases the image
func (p *Publisher) releaseImage() error {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	p.mu.Lock()
	img := p.image
	p.image = nil
	p.mu.Unlock()

	if img == nil {
		return nil
	}
	if err := img.Release(); err != nil {
		return fmt.Errorf("release image: %w", err)
	}
	return nil
}

// Image returns the current image and the sequence number of the frame it
// holds. The image is nil until the first frame has been published.
func (p *Publisher) Image() (Image, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.image, p.lastSeq
}

// Stats returns a snapshot of the publisher counters
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		LastSeq:    p.lastSeq,
		HasPending: p.pending != nil,
	}
	if p.image != nil {
		s.ImageWidth = p.image.Width()
		s.ImageHeight = p.image.Height()
	}
	p.mu.Unlock()

	s.Offered = p.offered.Load()
	s.Published = p.published.Load()
	s.Superseded = p.superseded.Load()
	s.Failed = p.failed.Load()
	s.Recreated = p.recreated.Load()
	return s
}

// Drop releases the pending descriptor without publishing it.
// Used on teardown so no buffer of a dead session stays queued.
func (p *Publisher) Drop() {
	p.mu.Lock()
	d := p.pending
	p.pending = nil
	p.mu.Unlock()

	if d != nil {
		d.Release()
	}
}

// Close releases the pending descriptor and the image. Waits for an
// in-flight update to finish first. When a Run loop is active the image is
// released on its goroutine and Close waits for it. Idempotent.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		d := p.pending
		p.pending = nil
		running := p.running
		p.mu.Unlock()
		close(p.done)

		if d != nil {
			d.Release()
		}

		if running {
			<-p.released
			err = p.relErr
		} else {
			err = p.releaseImage()
		}
		p.logger.Debug("publisher: closed", "released_by_run", running)
	})
	return err
}
