package videoplayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/events"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/probe"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/publisher"
)

// maxConsecutiveEmptyReads bounds reads that return neither data nor an
// error before the source is treated as stuck
const maxConsecutiveEmptyReads = 100

// generations is process-wide so a notification can never be mistaken for
// one of another player's sessions
var generations atomic.Uint64

// Player decodes a Source through a hardware decode graph into an Output Image
type Player struct {
	id         string
	src        Source
	cfg        Config
	newBackend BackendFactory
	logger     *slog.Logger

	bridge *bridge.Bridge
	pub    *publisher.Publisher
	bus    *events.Bus

	// opMu serializes public operations. Never taken by asynchronous callbacks.
	opMu sync.Mutex

	// mu protects the fields below. Held only briefly, never while joining.
	mu         sync.Mutex
	state      State
	lastErr    string
	generation uint64
	destroying bool
	format     probe.Format
	head       []byte // probed bytes not yet pushed into a graph
	sess       *session
	baseCtx    context.Context

	// Loop restarts
	wg sync.WaitGroup

	destroyOnce sync.Once

	// Statistics (atomic for thread-safety)
	sessions     atomic.Uint64
	rewinds      atomic.Uint64
	bytesRead    atomic.Uint64
	chunksPushed atomic.Uint64
	startedAt    atomic.Pointer[time.Time]
}

// session is one graph build + play cycle
type session struct {
	generation uint64
	backend    Backend
	graph      *graph.Graph
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a player in StateUninitialized. Nothing is opened until Start.
func New(src Source, target ImageTarget, opts ...Option) (*Player, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if target == nil {
		return nil, ErrNilTarget
	}

	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		return nil, ErrNoBackend
	}
	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("video-player: invalid configuration: %w", err)
	}
	if o.logger == nil {
		o.logger = Logger()
	}

	id := uuid.New().String()
	l := o.logger.With("player_id", id)

	p := &Player{
		id:         id,
		src:        src,
		cfg:        o.config,
		newBackend: o.backend,
		logger:     l,
		bus:        events.NewBus(),
		state:      StateUninitialized,
	}
	p.pub = publisher.New(target, p.onPublishError, l)
	p.pub.SetPublishedFunc(p.onPublished)
	p.bridge = bridge.New(p.pub, o.config.BufferErrorBudget, p.onBufferFatal, l)

	l.Debug("video-player: player created",
		"stages", len(o.config.Stages),
		"loop", o.config.Loop,
	)
	return p, nil
}

// ID returns the unique player id used in logs
func (p *Player) ID() string {
	return p.id
}

// Start opens the source (first call only), probes it, builds the decode
// graph and starts playback.
//
// Returns nil once the player is Playing, or EndOfStream for an empty
// source. On a *Error of KindStream or KindGraphBuild nothing is left
// running and Start may be called again.
func (p *Player) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.baseCtx == nil {
		p.baseCtx = ctx
	}
	p.mu.Unlock()

	return p.start(ctx)
}

func (p *Player) start(ctx context.Context) error {
	p.mu.Lock()
	state, destroying := p.state, p.destroying
	p.mu.Unlock()

	if destroying || state == StateDestroyed {
		return ErrDestroyed
	}
	switch state {
	case StateUninitialized, StateStreamOpen:
	case StateGraphBuilt, StatePlaying:
		return ErrAlreadyStarted
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}

	if state == StateUninitialized {
		if err := p.src.Open(); err != nil {
			return p.recordError(streamError("open", err))
		}
		p.setState(StateStreamOpen)
		now := time.Now()
		p.startedAt.Store(&now)
	}

	head, drained, err := p.readHead()
	if err != nil {
		return p.recordError(streamError("probe read", err))
	}
	if len(head) == 0 && drained {
		p.logger.Info("video-player: source is empty, nothing to decode")
		p.setState(StateEndOfStream)
		p.emit(events.Event{Type: events.TypeEndOfStream})
		return nil
	}

	format, err := probe.Detect(head)
	if err != nil {
		return p.recordError(graphBuildError("probe", err))
	}
	dec, err := p.cfg.decoderFor(format)
	if err != nil {
		return p.recordError(graphBuildError("select decoder", err))
	}
	specs, err := p.cfg.stageSpecs(dec)
	if err != nil {
		return p.recordError(graphBuildError("stage specs", err))
	}

	backend, err := p.newBackend()
	if err != nil {
		return p.recordError(graphBuildError("create backend", err))
	}

	gen := generations.Add(1)
	g, err := graph.Build(backend, specs, p.logger.With("generation", gen))
	if err != nil {
		var buildErr *graph.BuildError
		if errors.As(err, &buildErr) && buildErr.Remains != nil {
			if tdErr := buildErr.Remains.Teardown(); tdErr != nil {
				err = errors.Join(err, tdErr)
			}
		}
		if closeErr := backend.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return p.recordError(graphBuildError("build graph", err))
	}

	input, err := g.Input()
	if err == nil {
		var render graph.RenderStage
		render, err = g.Render()
		if err == nil {
			p.bridge.Arm(gen)
			err = render.Bind(p.bridge.Sink(gen))
		}
		if err == nil {
			return p.play(ctx, gen, backend, g, input, head, format)
		}
	}

	// The graph is unusable: release it and stay in StreamOpen
	p.bridge.Disarm()
	if tdErr := g.Teardown(); tdErr != nil {
		err = errors.Join(err, tdErr)
	}
	if closeErr := backend.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return p.recordError(graphBuildError("bind render stage", err))
}

// play moves GraphBuilt -> Playing and launches the session goroutines.
// Playing is entered before the backend can deliver its first buffer.
func (p *Player) play(ctx context.Context, gen uint64, backend Backend, g *graph.Graph, input graph.InputStage, head []byte, format probe.Format) error {
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		generation: gen,
		backend:    backend,
		graph:      g,
		ctx:        sessCtx,
		cancel:     cancel,
	}

	p.mu.Lock()
	p.sess = sess
	p.generation = gen
	p.format = format
	p.head = nil
	p.mu.Unlock()

	p.setState(StateGraphBuilt)
	p.setState(StatePlaying)
	p.sessions.Add(1)

	if err := backend.Play(); err != nil {
		e := graphBuildError("play", err)
		p.fail(gen, e)
		return e
	}

	sess.wg.Add(2)
	go p.drive(sess, input, head)
	go p.watch(sess)

	stages, tunnels := g.Counts()
	p.logger.Info("video-player: playing",
		"generation", gen,
		"format", format.String(),
		"stages", stages,
		"tunnels", tunnels,
	)
	return nil
}

// readHead returns the bytes used to probe the format. Bytes kept from a
// failed build are reused. drained reports the source has nothing more.
func (p *Player) readHead() (head []byte, drained bool, err error) {
	p.mu.Lock()
	kept := p.head
	p.mu.Unlock()
	if len(kept) > 0 {
		return kept, false, nil
	}

	buf := make([]byte, p.cfg.ProbeSize)
	n, empty := 0, 0
	for n < len(buf) {
		m, err := p.src.Read(buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			drained = true
			break
		}
		if err != nil {
			return nil, false, err
		}
		if m == 0 || n < len(buf) {
			if p.src.AtEnd() {
				drained = true
				break
			}
		}
		if m > 0 {
			empty = 0
			continue
		}
		empty++
		if empty >= maxConsecutiveEmptyReads {
			return nil, false, io.ErrNoProgress
		}
	}

	head = buf[:n]
	p.bytesRead.Add(uint64(n))

	p.mu.Lock()
	p.head = head
	p.mu.Unlock()
	return head, drained, nil
}

// drive is the decode-driving goroutine: it feeds the source into the input stage
func (p *Player) drive(sess *session, input graph.InputStage, head []byte) {
	defer sess.wg.Done()

	push := func(data []byte) bool {
		if err := input.Push(data); err != nil {
			if sess.ctx.Err() == nil {
				p.fail(sess.generation, streamError("push", err))
			}
			return false
		}
		p.chunksPushed.Add(1)
		return true
	}

	if len(head) > 0 && !push(head) {
		return
	}

	empty := 0
	for {
		if sess.ctx.Err() != nil {
			return
		}

		buf := make([]byte, p.cfg.ChunkSize)
		n, err := p.src.Read(buf)
		if n > 0 {
			empty = 0
			p.bytesRead.Add(uint64(n))
			if !push(buf[:n]) {
				return
			}
		}

		if errors.Is(err, io.EOF) || (err == nil && n < len(buf) && p.src.AtEnd()) {
			p.logger.Debug("video-player: source drained, signalling end of stream",
				"generation", sess.generation,
				"bytes_read", p.bytesRead.Load(),
			)
			if err := input.EndStream(); err != nil && sess.ctx.Err() == nil {
				p.fail(sess.generation, streamError("end stream", err))
			}
			return
		}
		if err == nil && n == 0 {
			empty++
			if empty >= maxConsecutiveEmptyReads {
				err = io.ErrNoProgress
			}
		}
		if err != nil {
			if sess.ctx.Err() == nil {
				p.fail(sess.generation, streamError("read", err))
			}
			return
		}
	}
}

// watch turns backend events into state transitions
func (p *Player) watch(sess *session) {
	defer sess.wg.Done()

	for {
		select {
		case <-sess.ctx.Done():
			return

		case ev, ok := <-sess.backend.Events():
			if !ok {
				return
			}

			switch ev.Type {
			case graph.EventEOS:
				p.endOfStream(sess.generation)
				return

			case graph.EventError:
				// Bad frames are budgeted through BufferError; a bus error is fatal
				op := ev.Stage
				if ev.Category != "" {
					op = ev.Category + " error in " + ev.Stage
				}
				p.fail(sess.generation, &Error{Kind: KindStream, Op: op, Err: ev.Err})
				return

			case graph.EventStateChanged:
				p.logger.Debug("video-player: backend state changed",
					"generation", sess.generation,
					"stage", ev.Stage,
					"detail", ev.Detail,
				)
			}
		}
	}
}

// fail moves a live session to Failed. Stale generations are ignored.
// Safe to call from any goroutine, including the decode context.
func (p *Player) fail(gen uint64, err error) {
	p.mu.Lock()
	if gen != p.generation || p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.bridge.Disarm()
	p.state = StateFailed
	p.lastErr = err.Error()
	sess := p.sess
	p.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}

	p.logger.Error("video-player: playback failed",
		"generation", gen,
		"error", err,
	)
	p.emit(events.Event{Type: events.TypeError, Error: err.Error()})
	p.emitTransition(StatePlaying, StateFailed)
}

// endOfStream moves a live session to EndOfStream and schedules a loop
// restart when configured
func (p *Player) endOfStream(gen uint64) {
	p.mu.Lock()
	if gen != p.generation || p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.state = StateEndOfStream
	loop := p.cfg.Loop && !p.destroying
	if loop {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	p.logger.Info("video-player: end of stream",
		"generation", gen,
		"bytes_read", p.bytesRead.Load(),
		"frames_published", p.pub.Stats().Published,
	)
	p.emitTransition(StatePlaying, StateEndOfStream)
	p.emit(events.Event{Type: events.TypeEndOfStream})

	if loop {
		go p.restart()
	}
}

// restart rewinds and starts again after end of stream (Config.Loop)
func (p *Player) restart() {
	defer p.wg.Done()

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	ctx, destroying, state := p.baseCtx, p.destroying, p.state
	p.mu.Unlock()
	if destroying || state != StateEndOfStream {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	if err := p.rewind(); err != nil {
		p.logger.Warn("video-player: loop restart not possible", "error", err)
		return
	}
	if err := p.start(ctx); err != nil {
		p.logger.Error("video-player: loop restart failed", "error", err)
	}
}

// IsEndOfStream reports whether playback reached the end of the source
func (p *Player) IsEndOfStream() bool {
	return p.State() == StateEndOfStream
}

// Rewind repositions the source at its start after end of stream and
// returns the player to StreamOpen, ready for Start.
//
// Returns ErrRewindUnsupported, with the state unchanged, when the source
// cannot seek.
func (p *Player) Rewind() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.rewind()
}

func (p *Player) rewind() error {
	switch state := p.State(); state {
	case StateEndOfStream:
	case StateDestroyed:
		return ErrDestroyed
	default:
		return fmt.Errorf("%w: rewind from %s", ErrInvalidState, state)
	}

	if err := p.src.Rewind(); err != nil {
		if errors.Is(err, ErrRewindUnsupported) {
			return ErrRewindUnsupported
		}
		return p.recordError(streamError("rewind", err))
	}

	p.stopSession()

	p.mu.Lock()
	p.head = nil
	p.mu.Unlock()

	p.rewinds.Add(1)
	p.setState(StateStreamOpen)
	return nil
}

// stopSession tears the current session down: disarm and cancel, halt the
// backend, join the session goroutines, then release tunnels and stages.
func (p *Player) stopSession() {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()

	if sess == nil {
		return
	}

	p.bridge.Disarm()
	sess.cancel()

	if err := sess.backend.Halt(); err != nil {
		p.logger.Warn("video-player: failed to halt backend",
			"generation", sess.generation,
			"error", err,
		)
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		sess.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("video-player: session goroutines stopped cleanly", "generation", sess.generation)
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("video-player: stop timeout exceeded, some goroutines may still be running",
			"generation", sess.generation,
			"timeout", p.cfg.StopTimeout,
		)
	}

	// No buffer of a dead session stays queued for the GPU goroutine
	p.pub.Drop()

	if err := sess.graph.Teardown(); err != nil {
		p.logger.Error("video-player: failed to tear down graph",
			"generation", sess.generation,
			"error", err,
		)
	}
	if err := sess.backend.Close(); err != nil {
		p.logger.Warn("video-player: failed to close backend",
			"generation", sess.generation,
			"error", err,
		)
	}
}

// Destroy stops playback and releases every resource exactly once:
// session, graph, source and Output Image. Idempotent.
func (p *Player) Destroy() {
	p.destroyOnce.Do(func() {
		p.logger.Info("video-player: destroying player")

		p.mu.Lock()
		p.destroying = true
		p.bridge.Disarm()
		sess := p.sess
		p.mu.Unlock()

		if sess != nil {
			sess.cancel()
		}

		// Wait for a pending loop restart, bounded like the session join
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.StopTimeout):
			p.logger.Warn("video-player: loop restart did not finish in time")
		}

		p.opMu.Lock()
		defer p.opMu.Unlock()

		p.stopSession()

		if err := p.src.Close(); err != nil {
			p.logger.Warn("video-player: failed to close source", "error", err)
		}
		if err := p.pub.Close(); err != nil {
			p.logger.Warn("video-player: failed to release output image", "error", err)
		}

		p.setState(StateDestroyed)
		p.bus.Close()

		bs := p.bridge.Stats()
		ps := p.pub.Stats()
		p.logger.Info("video-player: player destroyed",
			"sessions", p.sessions.Load(),
			"bytes_read", p.bytesRead.Load(),
			"frames_delivered", bs.Delivered,
			"frames_published", ps.Published,
			"frames_superseded", ps.Superseded,
		)
	})
}

// LastError describes the most recent failure, or "" if none
func (p *Player) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// State returns the current Player State
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Publisher returns the handle the GPU goroutine uses to publish frames
func (p *Player) Publisher() *publisher.Publisher {
	return p.pub
}

// Subscribe registers ch for player events. Events are dropped, not
// queued, when ch is full.
func (p *Player) Subscribe(id string, ch chan<- Event) error {
	if err := p.bus.Subscribe(id, ch); err != nil {
		if errors.Is(err, events.ErrBusClosed) {
			return ErrDestroyed
		}
		return fmt.Errorf("video-player: subscribe %s: %w", id, err)
	}
	return nil
}

// Unsubscribe removes a subscriber registered with Subscribe
func (p *Player) Unsubscribe(id string) error {
	if err := p.bus.Unsubscribe(id); err != nil {
		return fmt.Errorf("video-player: unsubscribe %s: %w", id, err)
	}
	return nil
}

// Stats returns a snapshot of player statistics
//
// Thread-safe - uses atomic operations for counters.
func (p *Player) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		State:      p.state,
		Generation: p.generation,
		LastError:  p.lastErr,
	}
	if p.format.Container != "" {
		s.Format = p.format.String()
	}
	if p.sess != nil {
		s.LiveStages, s.LiveTunnels = p.sess.graph.Counts()
	}
	p.mu.Unlock()

	if t := p.startedAt.Load(); t != nil {
		s.StartedAt = *t
	}

	bs := p.bridge.Stats()
	ps := p.pub.Stats()
	es := p.bus.Stats()

	s.Sessions = p.sessions.Load()
	s.Rewinds = p.rewinds.Load()
	s.BytesRead = p.bytesRead.Load()
	s.ChunksPushed = p.chunksPushed.Load()
	s.FramesDelivered = bs.Delivered
	s.FramesStale = bs.Stale
	s.BufferErrors = bs.BufferErrors
	s.FramesPublished = ps.Published
	s.FramesSuperseded = ps.Superseded
	s.PublishErrors = ps.Failed
	s.ImagesRecreated = ps.Recreated
	s.LastPublishedSeq = ps.LastSeq
	s.OutputImageWidth = ps.ImageWidth
	s.OutputImageHeight = ps.ImageHeight
	s.EventsDropped = es.TotalDropped
	return s
}

// setState records a transition and notifies subscribers
func (p *Player) setState(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	gen := p.generation
	p.mu.Unlock()

	if from == to {
		return
	}
	p.logger.Debug("video-player: state changed", "from", from.String(), "to", to.String(), "generation", gen)
	p.emitTransition(from, to)
}

// emitTransition notifies subscribers of a transition already recorded under mu
func (p *Player) emitTransition(from, to State) {
	p.emit(events.Event{Type: events.TypeState, From: from.String(), State: to.String()})
}

// recordError stores err as the last error and returns it
func (p *Player) recordError(err *Error) error {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()

	p.logger.Warn("video-player: operation failed",
		"kind", err.Kind.String(),
		"op", err.Op,
		"error", err.Err,
	)
	p.emit(events.Event{Type: events.TypeError, Error: err.Error()})
	return err
}

func (p *Player) emit(ev events.Event) {
	if ev.Generation == 0 {
		p.mu.Lock()
		ev.Generation = p.generation
		p.mu.Unlock()
	}
	p.bus.Publish(ev)
}

// onBufferFatal is called by the bridge on the decode context
func (p *Player) onBufferFatal(gen uint64, err error) {
	p.fail(gen, &Error{Kind: KindBuffer, Op: "decode", Err: err})
}

// onPublishError is called on the GPU goroutine; publish failures are not fatal
func (p *Player) onPublishError(err error) {
	p.recordError(&Error{Kind: KindPublish, Op: "update output image", Err: err})
}

// onPublished is called on the GPU goroutine after every update
func (p *Player) onPublished(f publisher.Frame) {
	p.bus.Publish(events.Event{
		Type:       events.TypeFrame,
		Generation: f.Generation,
		Seq:        f.Seq,
		PTS:        f.PTS,
	})
}
