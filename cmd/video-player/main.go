package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	videoplayer "github.com/e7canasta/orion-care-sensor/modules/video-player"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/gstbackend"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	file := flag.String("file", "", "Encoded video file: Annex-B H.264/H.265 or MP4 (required)")
	loop := flag.Bool("loop", false, "Rewind and restart at end of stream")
	snapshot := flag.String("snapshot", "", "Save the last published frame as PNG on exit (optional)")
	eventsOut := flag.String("events-out", "", "Write player events as length-prefixed msgpack records (optional)")
	mqttBroker := flag.String("mqtt-broker", "", "Publish events to this MQTT broker, host:port (optional)")
	mqttTopic := flag.String("mqtt-topic", "video-player/events", "MQTT topic prefix for events")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports (0 = off)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logJSON := flag.Bool("log-json", false, "Log as JSON instead of text")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("video-player %s\n", version)
		os.Exit(0)
	}

	// Validate required flags
	if *file == "" {
		fmt.Fprintf(os.Stderr, "Error: --file flag is required\n\n")
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  video-player --file movie.h264\n")
		fmt.Fprintf(os.Stderr, "  video-player --file movie.mp4 --loop --snapshot last.png\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	videoplayer.SetLogger(logger)

	// Load configuration
	cfg := videoplayer.DefaultConfig()
	if *configPath != "" {
		loaded, err := videoplayer.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	if *loop {
		cfg.Loop = true
	}

	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  File:          %s\n", *file)
	fmt.Printf("  Loop:          %v\n", cfg.Loop)
	fmt.Printf("  Stages:        %d\n", len(cfg.Stages))
	fmt.Printf("  Decoders:      %d\n", len(cfg.Decoders))
	fmt.Printf("\n")

	os.Exit(run(runConfig{
		player:        cfg,
		source:        videoplayer.NewFileSource(*file),
		backend:       gstbackend.Factory(),
		snapshot:      *snapshot,
		eventsOut:     *eventsOut,
		mqttBroker:    *mqttBroker,
		mqttTopic:     *mqttTopic,
		statsInterval: *statsInterval,
	}))
}

// runConfig carries everything run needs from the command line
type runConfig struct {
	player        videoplayer.Config
	source        videoplayer.Source
	backend       videoplayer.BackendFactory
	snapshot      string
	eventsOut     string
	mqttBroker    string
	mqttTopic     string
	statsInterval int
}

// run plays the source until end of stream, failure or a signal and
// returns the process exit code. Everything it opens is released before it
// returns.
func run(rc runConfig) int {
	cfg := rc.player

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := videoplayer.NewRGBATarget()
	player, err := videoplayer.New(rc.source, target,
		videoplayer.WithConfig(cfg),
		videoplayer.WithBackend(rc.backend),
	)
	if err != nil {
		log.Printf("Failed to create player: %v", err)
		return 1
	}
	// Runs before cancel, so the publishing goroutine releases the image
	defer player.Destroy()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	events := make(chan videoplayer.Event, cfg.EventBuffer)
	if err := player.Subscribe("cli", events); err != nil {
		log.Printf("Failed to subscribe to events: %v", err)
		return 1
	}

	var recorder *eventRecorder
	if rc.eventsOut != "" {
		recorder, err = newEventRecorder(rc.eventsOut)
		if err != nil {
			log.Printf("Failed to open events output: %v", err)
			return 1
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				slog.Warn("failed to flush events output", "error", err)
			}
		}()
	}

	if rc.mqttBroker != "" {
		emitter := newMQTTEmitter(rc.mqttBroker, rc.mqttTopic, "video-player-"+player.ID())
		if err := emitter.Connect(); err != nil {
			log.Printf("Failed to connect to MQTT broker: %v", err)
			return 1
		}
		defer func() {
			sent, failed := emitter.Published()
			emitter.Disconnect()
			slog.Info("MQTT events", "sent", sent, "failed", failed)
		}()

		mqttEvents := make(chan videoplayer.Event, cfg.EventBuffer)
		if err := player.Subscribe("mqtt", mqttEvents); err != nil {
			log.Printf("Failed to subscribe to events: %v", err)
			return 1
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-mqttEvents:
					if err := emitter.Publish(ev); err != nil {
						slog.Debug("failed to publish event", "error", err)
					}
				}
			}
		}()
	}

	// GPU goroutine: the only writer of the output image
	go func() {
		if err := player.Publisher().Run(ctx); err != nil {
			slog.Debug("publisher stopped", "error", err)
		}
	}()

	slog.Info("Starting playback...")
	if err := player.Start(ctx); err != nil {
		log.Printf("Failed to start playback: %v", err)
		return 1
	}

	var statsC <-chan time.Time
	if rc.statsInterval > 0 {
		ticker := time.NewTicker(time.Duration(rc.statsInterval) * time.Second)
		defer ticker.Stop()
		statsC = ticker.C
	}

	startTime := time.Now()
	exitCode := 0

wait:
	for {
		select {
		case <-sigChan:
			fmt.Printf("\nShutdown signal received, stopping...\n")
			break wait

		case ev := <-events:
			if recorder != nil {
				if err := recorder.Write(ev); err != nil {
					slog.Warn("failed to record event", "error", err)
				}
			}

			switch {
			case ev.Type == videoplayer.EventEndOfStream && !cfg.Loop:
				slog.Info("End of stream reached")
				break wait
			case ev.Type == videoplayer.EventState && ev.State == videoplayer.StateFailed.String():
				slog.Error("Playback failed", "error", player.LastError())
				exitCode = 1
				break wait
			}

		case <-statsC:
			printStats(player.Stats(), time.Since(startTime))
		}
	}

	// Snapshot before Destroy releases the output image
	if rc.snapshot != "" {
		if err := saveSnapshot(player, rc.snapshot); err != nil {
			slog.Error("Failed to save snapshot", "error", err)
		}
	}

	player.Destroy()
	printStats(player.Stats(), time.Since(startTime))
	return exitCode
}

func printStats(stats videoplayer.Stats, elapsed time.Duration) {
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Player Statistics\n")
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ State:              %s\n", stats.State)
	fmt.Printf("│ Format:             %s\n", stats.Format)
	fmt.Printf("│ Elapsed:            %6.1f seconds\n", elapsed.Seconds())
	fmt.Printf("│ Sessions:           %6d (rewinds: %d)\n", stats.Sessions, stats.Rewinds)
	fmt.Printf("│ Bytes Read:         %6d\n", stats.BytesRead)
	fmt.Printf("│ Frames Delivered:   %6d\n", stats.FramesDelivered)
	fmt.Printf("│ Frames Published:   %6d (superseded: %d)\n", stats.FramesPublished, stats.FramesSuperseded)
	fmt.Printf("│ Buffer Errors:      %6d\n", stats.BufferErrors)
	fmt.Printf("│ Output Image:       %dx%d\n", stats.OutputImageWidth, stats.OutputImageHeight)
	if stats.LastError != "" {
		fmt.Printf("│ Last Error:         %s\n", stats.LastError)
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
}

func saveSnapshot(player *videoplayer.Player, path string) error {
	img, _ := player.Publisher().Image()
	rgba, ok := img.(*videoplayer.RGBAImage)
	if !ok || rgba == nil {
		return fmt.Errorf("no frame published yet")
	}

	pic, seq := rgba.Snapshot()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, pic); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}

	slog.Info("Snapshot saved", "path", path, "seq", seq)
	return nil
}

// eventRecorder writes each event as a 4-byte big-endian length followed by
// the msgpack encoding.
type eventRecorder struct {
	f *os.File
	w *bufio.Writer
}

func newEventRecorder(path string) (*eventRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &eventRecorder{f: f, w: bufio.NewWriter(f)}, nil
}

func (r *eventRecorder) Write(ev videoplayer.Event) error {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack event: %w", err)
	}

	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(data)))
	if _, err := r.w.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := r.w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func (r *eventRecorder) Close() error {
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
