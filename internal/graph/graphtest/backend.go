// Package graphtest provides an in-memory graph.Backend for tests.
package graphtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
)

// ErrInjected is the failure returned by injected faults
var ErrInjected = errors.New("graphtest: injected failure")

// Backend records every resource it hands out so tests can assert on
// creation order, release order and leaks.
type Backend struct {
	mu sync.Mutex

	// Fault injection (-1 disables)
	FailStageAt  int
	FailTunnelAt int
	FailEnable   bool
	FailPlay     bool
	// AutoEOS emits EventEOS as soon as EndStream is called
	AutoEOS bool

	stagesCreated  int
	tunnelsCreated int
	liveStages     int
	liveTunnels    int
	releaseLog     []string
	destroyCount   map[string]int

	pushed      int
	pushedBytes int
	endStreamed bool
	playing     bool
	halted      bool
	closed      int

	render *RenderStage
	events chan graph.Event
}

// New returns a backend without injected faults
func New() *Backend {
	return &Backend{
		FailStageAt:  -1,
		FailTunnelAt: -1,
		AutoEOS:      true,
		destroyCount: make(map[string]int),
		events:       make(chan graph.Event, 16),
	}
}

// CreateStage implements graph.Backend
func (b *Backend) CreateStage(spec graph.StageSpec) (graph.Stage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailStageAt == b.stagesCreated {
		return nil, fmt.Errorf("create %s: %w", spec.Kind, ErrInjected)
	}
	b.stagesCreated++
	b.liveStages++

	name := spec.Name
	if name == "" {
		name = spec.Kind.String()
	}
	base := &Stage{kind: spec.Kind, name: name, backend: b}

	switch spec.Kind {
	case graph.StageClock:
		return &InputStage{Stage: base}, nil
	case graph.StageRender:
		r := &RenderStage{Stage: base}
		b.render = r
		return r, nil
	default:
		return base, nil
	}
}

// Establish implements graph.Backend
func (b *Backend) Establish(from, to graph.Stage) (graph.Tunnel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailTunnelAt == b.tunnelsCreated {
		return nil, fmt.Errorf("tunnel %s -> %s: %w", from.Name(), to.Name(), ErrInjected)
	}
	b.tunnelsCreated++
	b.liveTunnels++
	return &Tunnel{from: from, to: to, backend: b}, nil
}

// Play implements graph.Backend
func (b *Backend) Play() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailPlay {
		return fmt.Errorf("play: %w", ErrInjected)
	}
	b.playing = true
	return nil
}

// Halt implements graph.Backend
func (b *Backend) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playing = false
	b.halted = true
	return nil
}

// Events implements graph.Backend
func (b *Backend) Events() <-chan graph.Event {
	return b.events
}

// Close implements graph.Backend
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

// Emit queues an asynchronous event as the backend would
func (b *Backend) Emit(ev graph.Event) {
	b.events <- ev
}

// Render returns the render stage, or nil before it was created
func (b *Backend) Render() *RenderStage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.render
}

// Live returns the number of stages and tunnels not yet released
func (b *Backend) Live() (stages, tunnels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveStages, b.liveTunnels
}

// ReleaseLog returns release operations in the order they happened
func (b *Backend) ReleaseLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.releaseLog...)
}

// DestroyCount returns how many times the named stage was destroyed
func (b *Backend) DestroyCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyCount[name]
}

// Pushed returns the number of chunks and bytes pushed into the input stage
func (b *Backend) Pushed() (chunks, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed, b.pushedBytes
}

// EndStreamed reports whether EndStream was called
func (b *Backend) EndStreamed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endStreamed
}

// Playing reports whether Play was called and Halt was not
func (b *Backend) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// Closed returns how many times Close was called
func (b *Backend) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stage is a generic fake stage
type Stage struct {
	kind    graph.StageKind
	name    string
	backend *Backend
}

func (s *Stage) Kind() graph.StageKind { return s.kind }
func (s *Stage) Name() string          { return s.name }

// Destroy implements graph.Stage
func (s *Stage) Destroy() error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liveStages--
	b.destroyCount[s.name]++
	b.releaseLog = append(b.releaseLog, "stage:"+s.name)
	return nil
}

// InputStage accepts pushed data
type InputStage struct {
	*Stage
}

// Push implements graph.InputStage
func (s *InputStage) Push(data []byte) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted {
		return errors.New("graphtest: push on halted backend")
	}
	b.pushed++
	b.pushedBytes += len(data)
	return nil
}

// EndStream implements graph.InputStage
func (s *InputStage) EndStream() error {
	b := s.backend
	b.mu.Lock()
	b.endStreamed = true
	auto := b.AutoEOS
	b.mu.Unlock()

	if auto {
		b.events <- graph.Event{Type: graph.EventEOS, Stage: s.name}
	}
	return nil
}

// RenderStage lets tests drive buffer callbacks
type RenderStage struct {
	*Stage

	mu      sync.Mutex
	enabled bool
	sink    graph.BufferSink
}

// Enable implements graph.RenderStage
func (r *RenderStage) Enable() error {
	if r.backend.FailEnable {
		return fmt.Errorf("enable: %w", ErrInjected)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
	return nil
}

// Bind implements graph.RenderStage
func (r *RenderStage) Bind(sink graph.BufferSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return errors.New("graphtest: render stage not enabled")
	}
	r.sink = sink
	return nil
}

// Enabled reports whether Enable succeeded
func (r *RenderStage) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Sink returns the bound sink, or nil
func (r *RenderStage) Sink() graph.BufferSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

// Fill delivers a buffer through the bound sink, as a decode callback would
func (r *RenderStage) Fill(buf graph.Buffer) {
	if sink := r.Sink(); sink != nil {
		sink.FillBufferDone(buf)
	}
}

// Fail reports a buffer error through the bound sink
func (r *RenderStage) Fail(err error) {
	if sink := r.Sink(); sink != nil {
		sink.BufferError(err)
	}
}

// Tunnel is a fake tunnel
type Tunnel struct {
	from, to graph.Stage
	backend  *Backend
}

func (t *Tunnel) From() graph.Stage { return t.from }
func (t *Tunnel) To() graph.Stage   { return t.to }

// Teardown implements graph.Tunnel
func (t *Tunnel) Teardown() error {
	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liveTunnels--
	b.releaseLog = append(b.releaseLog, "tunnel:"+t.from.Name()+"->"+t.to.Name())
	return nil
}
