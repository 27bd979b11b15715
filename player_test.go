package videoplayer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph/graphtest"
)

// h264Stream is an Annex-B H.264 head (SPS, PPS, IDR) followed by payload
func h264Stream(payload int) []byte {
	head := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0xc0, 0x1e,
		0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00,
	}
	return append(head, make([]byte, payload)...)
}

// testSource is a scripted Source
type testSource struct {
	data     []byte
	seekable bool
	openErr  error
	readErr  error // returned once the data is consumed, instead of io.EOF

	mu      sync.Mutex
	r       *bytes.Reader
	atEnd   bool
	opened  int
	closed  int
	rewinds int
}

func (s *testSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened++
	s.r = bytes.NewReader(s.data)
	return nil
}

func (s *testSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) {
		if s.readErr != nil {
			return n, s.readErr
		}
		s.atEnd = true
	}
	return n, err
}

func (s *testSource) AtEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atEnd
}

func (s *testSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seekable {
		return ErrRewindUnsupported
	}
	s.rewinds++
	s.atEnd = false
	_, err := s.r.Seek(0, io.SeekStart)
	return err
}

func (s *testSource) LastError() string { return "" }

func (s *testSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *testSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// backendPool hands out a fresh fake backend per session
type backendPool struct {
	mu        sync.Mutex
	backends  []*graphtest.Backend
	configure func(i int, b *graphtest.Backend)
	wrap      func(b *graphtest.Backend) Backend
}

func (p *backendPool) factory() (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := graphtest.New()
	b.AutoEOS = false
	if p.configure != nil {
		p.configure(len(p.backends), b)
	}
	p.backends = append(p.backends, b)
	if p.wrap != nil {
		return p.wrap(b), nil
	}
	return b, nil
}

func (p *backendPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

func (p *backendPool) get(i int) *graphtest.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backends[i]
}

func newTestPlayer(t *testing.T, src Source, pool *backendPool, cfg *Config) (*Player, *RGBATarget) {
	t.Helper()

	target := NewRGBATarget()
	opts := []Option{WithBackend(pool.factory)}
	if cfg != nil {
		opts = append(opts, WithConfig(*cfg))
	}
	p, err := New(src, target, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p, target
}

func rgbaBuffer(w, h int, released *atomic.Int32) graph.Buffer {
	return graph.Buffer{
		Data:    make([]byte, w*h*4),
		Width:   w,
		Height:  h,
		Release: func() { released.Add(1) },
	}
}

func waitForState(t *testing.T, p *Player, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for p.State() != want {
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for state %s, got %s", want, p.State())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// observingBackend records the player state when Play is called
type observingBackend struct {
	*graphtest.Backend
	onPlay func()
}

func (b *observingBackend) Play() error {
	b.onPlay()
	return b.Backend.Play()
}

// TestStart_PlayingBeforeFirstBuffer verifies the player is Playing before
// the backend can deliver any buffer, and that a filled buffer is published
func TestStart_PlayingBeforeFirstBuffer(t *testing.T) {
	var player *Player
	var stateAtPlay atomic.Int32
	stateAtPlay.Store(-1)

	pool := &backendPool{
		wrap: func(b *graphtest.Backend) Backend {
			return &observingBackend{Backend: b, onPlay: func() {
				stateAtPlay.Store(int32(player.State()))
			}}
		},
	}
	src := &testSource{data: h264Stream(1024)}
	player, _ = newTestPlayer(t, src, pool, nil)
	defer player.Destroy()

	evs := make(chan Event, 64)
	if err := player.Subscribe("test", evs); err != nil {
		t.Fatal(err)
	}

	if err := player.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if got := State(stateAtPlay.Load()); got != StatePlaying {
		t.Fatalf("Expected Playing when the backend starts, got %s", got)
	}
	if player.State() != StatePlaying {
		t.Fatalf("Expected Playing after Start, got %s", player.State())
	}

	backend := pool.get(0)
	if backend.Render().Sink() == nil {
		t.Fatal("Render stage not bound to the bridge")
	}

	var released atomic.Int32
	backend.Render().Fill(rgbaBuffer(8, 4, &released))

	ok, err := player.Publisher().PublishPending()
	if err != nil || !ok {
		t.Fatalf("PublishPending() = %v, %v", ok, err)
	}

	img, seq := player.Publisher().Image()
	if img == nil || img.Width() != 8 || img.Height() != 4 || seq == 0 {
		t.Fatalf("Unexpected output image after publish: %v seq=%d", img, seq)
	}
	if released.Load() != 1 {
		t.Errorf("Expected published buffer released once, got %d", released.Load())
	}

	// State events in order, then the frame
	var states []string
	var frames int
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-evs:
			switch ev.Type {
			case EventState:
				states = append(states, ev.State)
			case EventFrame:
				frames++
				break collect
			}
		case <-timeout:
			break collect
		}
	}

	want := []string{"stream-open", "graph-built", "playing"}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("Expected state events %v, got %v", want, states)
	}
	if frames != 1 {
		t.Errorf("Expected 1 frame event, got %d", frames)
	}

	stats := player.Stats()
	if stats.Format != "annexb/h264" {
		t.Errorf("Expected format annexb/h264, got %q", stats.Format)
	}
	if stats.LiveStages != 4 || stats.LiveTunnels != 3 {
		t.Errorf("Expected 4 stages / 3 tunnels live, got %d / %d", stats.LiveStages, stats.LiveTunnels)
	}
}

// TestStart_BuildFailureReleasesEverything verifies a failed build at any
// stage or tunnel leaves nothing alive and Start can be retried
func TestStart_BuildFailureReleasesEverything(t *testing.T) {
	type fault struct {
		stage, tunnel int
		enable        bool
	}
	var faults []fault
	for i := 0; i < 4; i++ {
		faults = append(faults, fault{stage: i, tunnel: -1})
	}
	for i := 0; i < 3; i++ {
		faults = append(faults, fault{stage: -1, tunnel: i})
	}
	faults = append(faults, fault{stage: -1, tunnel: -1, enable: true})

	for _, f := range faults {
		t.Run(fmt.Sprintf("stage=%d/tunnel=%d/enable=%v", f.stage, f.tunnel, f.enable), func(t *testing.T) {
			pool := &backendPool{configure: func(i int, b *graphtest.Backend) {
				if i == 0 {
					b.FailStageAt = f.stage
					b.FailTunnelAt = f.tunnel
					b.FailEnable = f.enable
				}
			}}
			src := &testSource{data: h264Stream(512)}
			player, _ := newTestPlayer(t, src, pool, nil)
			defer player.Destroy()

			err := player.Start(context.Background())
			if !IsKind(err, KindGraphBuild) {
				t.Fatalf("Expected graph build error, got %v", err)
			}
			if !errors.Is(err, graphtest.ErrInjected) {
				t.Errorf("Expected the injected cause to be wrapped, got %v", err)
			}
			if player.State() != StateStreamOpen {
				t.Errorf("Expected StreamOpen after failed build, got %s", player.State())
			}
			if player.LastError() == "" {
				t.Error("LastError must describe the failed build")
			}

			failed := pool.get(0)
			if stages, tunnels := failed.Live(); stages != 0 || tunnels != 0 {
				t.Errorf("Leaked %d stages and %d tunnels", stages, tunnels)
			}
			if failed.Closed() != 1 {
				t.Errorf("Expected failed backend closed once, got %d", failed.Closed())
			}

			// Retry reuses the probed head
			if err := player.Start(context.Background()); err != nil {
				t.Fatalf("Retry failed: %v", err)
			}
			if player.State() != StatePlaying {
				t.Errorf("Expected Playing after retry, got %s", player.State())
			}
			if src.opened != 1 {
				t.Errorf("Source must be opened once, got %d", src.opened)
			}
		})
	}
}

// TestPublish_LatestFrameWins verifies supersession through the whole player
func TestPublish_LatestFrameWins(t *testing.T) {
	pool := &backendPool{}
	player, _ := newTestPlayer(t, &testSource{data: h264Stream(256)}, pool, nil)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	render := pool.get(0).Render()

	var released [3]atomic.Int32
	for i := range released {
		render.Fill(rgbaBuffer(2, 2, &released[i]))
	}

	if released[0].Load() != 1 || released[1].Load() != 1 {
		t.Fatalf("Superseded buffers must be released, got %d and %d", released[0].Load(), released[1].Load())
	}
	if released[2].Load() != 0 {
		t.Fatal("Latest buffer released before publish")
	}

	if _, err := player.Publisher().PublishPending(); err != nil {
		t.Fatal(err)
	}
	_, seq := player.Publisher().Image()

	stats := player.Stats()
	if stats.FramesDelivered != 3 || stats.FramesSuperseded != 2 || stats.FramesPublished != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if seq != stats.LastPublishedSeq || released[2].Load() != 1 {
		t.Errorf("Expected the latest frame published and released, seq=%d", seq)
	}
}

// TestPublish_SingleWriterWithRunLoop verifies updates from the GPU loop and
// a concurrent caller never overlap
func TestPublish_SingleWriterWithRunLoop(t *testing.T) {
	pool := &backendPool{}
	target := &countingTarget{}
	player, err := New(&testSource{data: h264Stream(256)}, target, WithBackend(pool.factory))
	if err != nil {
		t.Fatal(err)
	}
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go player.Publisher().Run(ctx)

	render := pool.get(0).Render()
	var released atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = player.Publisher().PublishPending()
		}
	}()
	for i := 0; i < 200; i++ {
		render.Fill(rgbaBuffer(2, 2, &released))
	}
	wg.Wait()

	if target.maxActive.Load() > 1 {
		t.Errorf("Output image updated concurrently (max %d writers)", target.maxActive.Load())
	}
}

// countingTarget tracks concurrent image writers
type countingTarget struct {
	active    atomic.Int32
	maxActive atomic.Int32
}

func (c *countingTarget) CreateImage(w, h int) (OutputImage, error) {
	return &countingImage{w: w, h: h, target: c}, nil
}

type countingImage struct {
	w, h   int
	target *countingTarget
}

func (i *countingImage) Width() int  { return i.w }
func (i *countingImage) Height() int { return i.h }
func (i *countingImage) Release() error {
	return nil
}

func (i *countingImage) Update(Frame) error {
	n := i.target.active.Add(1)
	defer i.target.active.Add(-1)
	for {
		m := i.target.maxActive.Load()
		if n <= m || i.target.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(50 * time.Microsecond)
	return nil
}

// TestDestroy_Idempotent verifies every resource is released exactly once
func TestDestroy_Idempotent(t *testing.T) {
	pool := &backendPool{}
	src := &testSource{data: h264Stream(256)}
	player, target := newTestPlayer(t, src, pool, nil)

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	backend := pool.get(0)
	render := backend.Render()

	var released atomic.Int32
	render.Fill(rgbaBuffer(4, 4, &released))
	if _, err := player.Publisher().PublishPending(); err != nil {
		t.Fatal(err)
	}
	render.Fill(rgbaBuffer(4, 4, &released)) // left pending

	player.Destroy()
	player.Destroy()

	if player.State() != StateDestroyed {
		t.Errorf("Expected Destroyed, got %s", player.State())
	}
	if stages, tunnels := backend.Live(); stages != 0 || tunnels != 0 {
		t.Errorf("Leaked %d stages and %d tunnels", stages, tunnels)
	}
	for _, name := range []string{"clock", "decode", "scheduler", "render"} {
		if n := backend.DestroyCount(name); n != 1 {
			t.Errorf("Stage %s destroyed %d times", name, n)
		}
	}
	if backend.Closed() != 1 {
		t.Errorf("Expected backend closed once, got %d", backend.Closed())
	}
	if src.closeCount() != 1 {
		t.Errorf("Expected source closed once, got %d", src.closeCount())
	}
	if target.Live() != 0 {
		t.Errorf("Expected output image released, %d live", target.Live())
	}
	if released.Load() != 2 {
		t.Errorf("Expected both buffers released, got %d", released.Load())
	}

	// Late callback after destroy is discarded
	render.Fill(rgbaBuffer(4, 4, &released))
	if released.Load() != 3 {
		t.Errorf("Late buffer must be released, got %d", released.Load())
	}

	if err := player.Start(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start after Destroy = %v, want ErrDestroyed", err)
	}
	if err := player.Rewind(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Rewind after Destroy = %v, want ErrDestroyed", err)
	}
}

// TestDestroy_BeforeStart verifies Destroy from Uninitialized
func TestDestroy_BeforeStart(t *testing.T) {
	pool := &backendPool{}
	src := &testSource{data: h264Stream(16)}
	player, _ := newTestPlayer(t, src, pool, nil)

	player.Destroy()

	if player.State() != StateDestroyed {
		t.Errorf("Expected Destroyed, got %s", player.State())
	}
	if pool.count() != 0 {
		t.Errorf("No backend expected, got %d", pool.count())
	}
}

// TestStart_EmptySource verifies a 0-byte source ends without building a graph
func TestStart_EmptySource(t *testing.T) {
	pool := &backendPool{}
	player, _ := newTestPlayer(t, &testSource{data: nil}, pool, nil)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatalf("Start() on empty source failed: %v", err)
	}
	if !player.IsEndOfStream() {
		t.Errorf("Expected EndOfStream, got %s", player.State())
	}
	if pool.count() != 0 {
		t.Errorf("Expected no graph, %d backends created", pool.count())
	}
}

// TestBufferErrors_BudgetFailsPlayback verifies 3 consecutive buffer errors are fatal
func TestBufferErrors_BudgetFailsPlayback(t *testing.T) {
	pool := &backendPool{}
	player, _ := newTestPlayer(t, &testSource{data: h264Stream(256)}, pool, nil)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	render := pool.get(0).Render()

	render.Fail(errors.New("corrupt"))
	render.Fail(errors.New("corrupt"))
	if player.State() != StatePlaying {
		t.Fatalf("Two errors must be tolerated, got %s", player.State())
	}

	render.Fail(errors.New("corrupt"))
	if player.State() != StateFailed {
		t.Fatalf("Expected Failed after 3 consecutive errors, got %s", player.State())
	}
	if player.LastError() == "" {
		t.Error("LastError must be set after failure")
	}

	// Buffers after failure are discarded
	var released atomic.Int32
	render.Fill(rgbaBuffer(2, 2, &released))
	if released.Load() != 1 {
		t.Errorf("Buffer after failure must be released, got %d", released.Load())
	}
	if player.Stats().FramesDelivered != 0 {
		t.Error("No frame may be delivered after failure")
	}
}

// TestRewind_Unsupported verifies the state is kept when the source cannot seek
func TestRewind_Unsupported(t *testing.T) {
	pool := &backendPool{configure: func(_ int, b *graphtest.Backend) { b.AutoEOS = true }}
	player, _ := newTestPlayer(t, &testSource{data: h264Stream(4096)}, pool, nil)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, player, StateEndOfStream)

	if err := player.Rewind(); !errors.Is(err, ErrRewindUnsupported) {
		t.Fatalf("Rewind() = %v, want ErrRewindUnsupported", err)
	}
	if !player.IsEndOfStream() {
		t.Errorf("State must stay EndOfStream, got %s", player.State())
	}
}

// TestRewind_NewSession verifies rewind tears down the drained graph and a
// new Start uses a new generation
func TestRewind_NewSession(t *testing.T) {
	pool := &backendPool{configure: func(i int, b *graphtest.Backend) { b.AutoEOS = i == 0 }}
	data := h264Stream(4096)
	src := &testSource{data: data, seekable: true}
	player, _ := newTestPlayer(t, src, pool, nil)
	defer player.Destroy()

	if err := player.Rewind(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Rewind before EndOfStream = %v, want ErrInvalidState", err)
	}

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, player, StateEndOfStream)
	firstGen := player.Stats().Generation

	if err := player.Rewind(); err != nil {
		t.Fatalf("Rewind() failed: %v", err)
	}
	if player.State() != StateStreamOpen {
		t.Fatalf("Expected StreamOpen after rewind, got %s", player.State())
	}

	first := pool.get(0)
	if stages, tunnels := first.Live(); stages != 0 || tunnels != 0 {
		t.Errorf("Drained graph leaked %d stages and %d tunnels", stages, tunnels)
	}

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if player.Stats().Generation == firstGen {
		t.Error("Expected a new generation for the new session")
	}

	// A late buffer from the first session never reaches the publisher
	var released atomic.Int32
	first.Render().Fill(rgbaBuffer(2, 2, &released))
	if released.Load() != 1 {
		t.Errorf("Stale buffer must be released, got %d", released.Load())
	}
	if player.Stats().FramesStale != 1 {
		t.Errorf("Expected 1 stale notification, got %d", player.Stats().FramesStale)
	}

	// The whole stream was pushed twice
	_, bytes1 := first.Pushed()
	deadline := time.After(2 * time.Second)
	for {
		_, bytes2 := pool.get(1).Pushed()
		if bytes2 == len(data) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Second session pushed %d of %d bytes", bytes2, len(data))
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if bytes1 != len(data) {
		t.Errorf("First session pushed %d of %d bytes", bytes1, len(data))
	}
}

// TestLoop_RestartsAtEndOfStream verifies Config.Loop starts a new session
func TestLoop_RestartsAtEndOfStream(t *testing.T) {
	pool := &backendPool{configure: func(i int, b *graphtest.Backend) { b.AutoEOS = i < 2 }}
	cfg := DefaultConfig()
	cfg.Loop = true
	src := &testSource{data: h264Stream(128), seekable: true}
	player, _ := newTestPlayer(t, src, pool, &cfg)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for player.Stats().Sessions < 3 || player.State() != StatePlaying {
		select {
		case <-deadline:
			t.Fatalf("Expected 3 sessions, got %d (state %s)", player.Stats().Sessions, player.State())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if player.Stats().Rewinds != 2 {
		t.Errorf("Expected 2 rewinds, got %d", player.Stats().Rewinds)
	}
}

// TestStart_OpenFailure verifies an open failure keeps the player Uninitialized
func TestStart_OpenFailure(t *testing.T) {
	pool := &backendPool{}
	player, _ := newTestPlayer(t, &testSource{openErr: errors.New("no such device")}, pool, nil)
	defer player.Destroy()

	err := player.Start(context.Background())
	if !IsKind(err, KindStream) {
		t.Fatalf("Expected stream error, got %v", err)
	}
	if player.State() != StateUninitialized {
		t.Errorf("Expected Uninitialized, got %s", player.State())
	}
	if player.LastError() == "" {
		t.Error("LastError must be set")
	}
}

// TestStart_UnknownFormat verifies an unprobeable stream fails the build
func TestStart_UnknownFormat(t *testing.T) {
	pool := &backendPool{}
	player, _ := newTestPlayer(t, &testSource{data: []byte("definitely not video")}, pool, nil)
	defer player.Destroy()

	err := player.Start(context.Background())
	if !IsKind(err, KindGraphBuild) {
		t.Fatalf("Expected graph build error, got %v", err)
	}
	if pool.count() != 0 {
		t.Errorf("No backend expected for an unknown format, got %d", pool.count())
	}
	if player.State() != StateStreamOpen {
		t.Errorf("Expected StreamOpen, got %s", player.State())
	}
}

// TestPlayback_ReadErrorFails verifies a read error while playing is fatal
func TestPlayback_ReadErrorFails(t *testing.T) {
	pool := &backendPool{}
	cfg := DefaultConfig()
	cfg.ProbeSize = 16
	src := &testSource{data: h264Stream(1024), readErr: errors.New("i/o error")}
	player, _ := newTestPlayer(t, src, pool, &cfg)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, player, StateFailed)

	if player.LastError() == "" {
		t.Error("LastError must be set")
	}
}

// TestStart_Twice verifies Start while playing is rejected
func TestStart_Twice(t *testing.T) {
	pool := &backendPool{}
	player, _ := newTestPlayer(t, &testSource{data: h264Stream(64)}, pool, nil)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := player.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Second Start() = %v, want ErrAlreadyStarted", err)
	}
}

// TestNew_Validation verifies constructor argument checks
func TestNew_Validation(t *testing.T) {
	pool := &backendPool{}
	src := &testSource{}
	target := NewRGBATarget()

	tests := []struct {
		name   string
		src    Source
		target ImageTarget
		opts   []Option
		want   error
	}{
		{"nil source", nil, target, []Option{WithBackend(pool.factory)}, ErrNilSource},
		{"nil target", src, nil, []Option{WithBackend(pool.factory)}, ErrNilTarget},
		{"no backend", src, target, nil, ErrNoBackend},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.src, tc.target, tc.opts...); !errors.Is(err, tc.want) {
				t.Errorf("New() = %v, want %v", err, tc.want)
			}
		})
	}
}

// stallingSource hands out data once, then reads nothing without ever
// reaching the end
type stallingSource struct {
	data  []byte
	reads atomic.Int32
}

func (s *stallingSource) Open() error { return nil }

func (s *stallingSource) Read(p []byte) (int, error) {
	s.reads.Add(1)
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *stallingSource) AtEnd() bool       { return false }
func (s *stallingSource) Rewind() error     { return ErrRewindUnsupported }
func (s *stallingSource) LastError() string { return "" }
func (s *stallingSource) Close() error      { return nil }

// TestStart_StalledSourceFails verifies Start gives up on a source that
// keeps returning no data instead of spinning
func TestStart_StalledSourceFails(t *testing.T) {
	pool := &backendPool{}
	src := &stallingSource{}
	player, _ := newTestPlayer(t, src, pool, nil)
	defer player.Destroy()

	done := make(chan error, 1)
	go func() { done <- player.Start(context.Background()) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return for a stalled source")
	}

	if !IsKind(err, KindStream) {
		t.Fatalf("Expected stream error, got %v", err)
	}
	if !errors.Is(err, io.ErrNoProgress) {
		t.Errorf("Expected io.ErrNoProgress, got %v", err)
	}
	if got := src.reads.Load(); got != maxConsecutiveEmptyReads {
		t.Errorf("Expected %d reads, got %d", maxConsecutiveEmptyReads, got)
	}
	if pool.count() != 0 {
		t.Errorf("No backend expected, got %d", pool.count())
	}
}

// TestPlayback_StalledSourceFails verifies the decode-driving goroutine
// fails the session when the source stops making progress
func TestPlayback_StalledSourceFails(t *testing.T) {
	pool := &backendPool{}
	cfg := DefaultConfig()
	cfg.ProbeSize = 16
	src := &stallingSource{data: h264Stream(64)}
	player, _ := newTestPlayer(t, src, pool, &cfg)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, player, StateFailed)

	if !strings.Contains(player.LastError(), io.ErrNoProgress.Error()) {
		t.Errorf("LastError = %q, want %q", player.LastError(), io.ErrNoProgress)
	}
}

// TestBusError_FailsAsStreamError verifies a fatal graph error fails playback
// at once as a stream error, whatever its category
func TestBusError_FailsAsStreamError(t *testing.T) {
	pool := &backendPool{configure: func(_ int, b *graphtest.Backend) { b.AutoEOS = false }}
	player, _ := newTestPlayer(t, &testSource{data: h264Stream(256)}, pool, nil)
	defer player.Destroy()

	if err := player.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	pool.get(0).Emit(graph.Event{
		Type:     graph.EventError,
		Stage:    "decode",
		Category: "codec",
		Err:      errors.New("not negotiated"),
	})
	waitForState(t, player, StateFailed)

	want := (&Error{Kind: KindStream, Op: "codec error in decode", Err: errors.New("not negotiated")}).Error()
	if player.LastError() != want {
		t.Errorf("LastError = %q, want %q", player.LastError(), want)
	}
	if player.Stats().BufferErrors != 0 {
		t.Errorf("A bus error must not count as a buffer error, got %d", player.Stats().BufferErrors)
	}
}
