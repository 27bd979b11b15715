package videoplayer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/graph"
	"github.com/e7canasta/orion-care-sensor/modules/video-player/internal/probe"
)

// Config holds the player settings
type Config struct {
	// Stages lists the decode graph in dependency order; the last one must be the render stage
	Stages []StageConfig `yaml:"stages"`
	// Decoders maps a probe key ("annexb/h264", "mp4/h265", "mp4", ...) to the decode stage
	Decoders map[string]DecoderConfig `yaml:"decoders"`
	Render   RenderConfig             `yaml:"render"`

	ChunkSize         int           `yaml:"chunk_size"`          // bytes per Read/Push (default: 64 KiB)
	ProbeSize         int           `yaml:"probe_size"`          // bytes read before the graph is built (default: 64 KiB)
	BufferErrorBudget int           `yaml:"buffer_error_budget"` // consecutive buffer errors tolerated (default: 3)
	StopTimeout       time.Duration `yaml:"stop_timeout"`        // bounded join of the decode goroutines (default: 3s)
	Loop              bool          `yaml:"loop"`                // rewind and restart at end of stream
	EventBuffer       int           `yaml:"event_buffer"`        // suggested subscriber channel size (default: 64)
}

// StageConfig describes one stage of the decode graph
type StageConfig struct {
	Kind       string         `yaml:"kind"` // clock, decode, scheduler, render
	Name       string         `yaml:"name"`
	Factory    string         `yaml:"factory"`
	Caps       string         `yaml:"caps"`
	Properties map[string]any `yaml:"properties"`
}

// DecoderConfig selects the decode stage for one probed format
type DecoderConfig struct {
	// Pipeline is the element chain of the decode stage
	Pipeline string `yaml:"pipeline"`
	// Caps is the input port format announced by the clock stage
	Caps string `yaml:"caps"`
}

// RenderConfig sets the render-target port format
type RenderConfig struct {
	Width  int `yaml:"width"`  // 0 keeps the decoded width
	Height int `yaml:"height"` // 0 keeps the decoded height
}

// DefaultConfig returns the configuration for hardware H.264/H.265 decode
// through V4L2 stateful decoders.
func DefaultConfig() Config {
	return Config{
		Stages: []StageConfig{
			{
				Kind:    "clock",
				Name:    "clock",
				Factory: "appsrc",
				Properties: map[string]any{
					"is-live":      true,
					"do-timestamp": true,
					"format":       3, // GST_FORMAT_TIME
				},
			},
			{Kind: "decode", Name: "decode"},
			{
				Kind:    "scheduler",
				Name:    "scheduler",
				Factory: "queue",
				Properties: map[string]any{
					"leaky":            2, // downstream
					"max-size-buffers": 2,
					"max-size-bytes":   0,
				},
			},
			{Kind: "render", Name: "render", Factory: "appsink"},
		},
		Decoders: map[string]DecoderConfig{
			"annexb/h264": {
				Pipeline: "h264parse ! v4l2h264dec ! videoconvert ! videoscale",
				Caps:     "video/x-h264,stream-format=byte-stream",
			},
			"annexb/h265": {
				Pipeline: "h265parse ! v4l2h265dec ! videoconvert ! videoscale",
				Caps:     "video/x-h265,stream-format=byte-stream",
			},
			"mp4/h264": {
				Pipeline: "qtdemux ! h264parse ! v4l2h264dec ! videoconvert ! videoscale",
				Caps:     "video/quicktime",
			},
			"mp4/h265": {
				Pipeline: "qtdemux ! h265parse ! v4l2h265dec ! videoconvert ! videoscale",
				Caps:     "video/quicktime",
			},
			// moov after mdat: codec unknown until demuxed, most files are AVC
			"mp4": {
				Pipeline: "qtdemux ! h264parse ! v4l2h264dec ! videoconvert ! videoscale",
				Caps:     "video/quicktime",
			},
		},
		ChunkSize:         64 * 1024,
		ProbeSize:         64 * 1024,
		BufferErrorBudget: 3,
		StopTimeout:       3 * time.Second,
		EventBuffer:       64,
	}
}

// LoadConfig reads a YAML configuration file. Unset fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// Explicit lists replace the defaults rather than merging into them
	cfg.Stages = nil
	cfg.Decoders = nil

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration and fills defaults for unset fields
func (c *Config) Validate() error {
	def := DefaultConfig()

	if len(c.Stages) == 0 {
		c.Stages = def.Stages
	}
	if len(c.Decoders) == 0 {
		c.Decoders = def.Decoders
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ProbeSize <= 0 {
		c.ProbeSize = def.ProbeSize
	}
	if c.BufferErrorBudget <= 0 {
		c.BufferErrorBudget = def.BufferErrorBudget
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}

	if c.Render.Width < 0 || c.Render.Height < 0 {
		return fmt.Errorf("render size must not be negative, got %dx%d", c.Render.Width, c.Render.Height)
	}

	var decodeStages, clockStages int
	names := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		kind, ok := graph.ParseStageKind(s.Kind)
		if !ok {
			return fmt.Errorf("stage %d: unknown kind '%s' (must be clock, decode, scheduler or render)", i, s.Kind)
		}
		switch kind {
		case graph.StageDecode:
			decodeStages++
		case graph.StageClock:
			clockStages++
			if i != 0 {
				return fmt.Errorf("stage %d: clock stage must be first", i)
			}
		case graph.StageRender:
			if i != len(c.Stages)-1 {
				return fmt.Errorf("stage %d: render stage must be last", i)
			}
		}
		name := s.Name
		if name == "" {
			name = kind.String()
		}
		if names[name] {
			return fmt.Errorf("stage %d: duplicate name '%s'", i, name)
		}
		names[name] = true
	}

	if clockStages != 1 {
		return fmt.Errorf("exactly one clock stage is required, got %d", clockStages)
	}
	if decodeStages != 1 {
		return fmt.Errorf("exactly one decode stage is required, got %d", decodeStages)
	}
	if last, _ := graph.ParseStageKind(c.Stages[len(c.Stages)-1].Kind); last != graph.StageRender {
		return fmt.Errorf("last stage must be render")
	}

	for key, d := range c.Decoders {
		if d.Pipeline == "" {
			return fmt.Errorf("decoder '%s': pipeline is required", key)
		}
	}

	return nil
}

// decoderFor picks the decoder for a probed format: exact key first, then
// the container alone.
func (c *Config) decoderFor(f probe.Format) (DecoderConfig, error) {
	if d, ok := c.Decoders[f.Key()]; ok {
		return d, nil
	}
	if d, ok := c.Decoders[string(f.Container)]; ok {
		return d, nil
	}
	return DecoderConfig{}, fmt.Errorf("no decoder configured for format %s", f)
}

// renderCaps is the port format of the render stage
func (c *Config) renderCaps() string {
	caps := "video/x-raw,format=RGBA"
	if c.Render.Width > 0 {
		caps += fmt.Sprintf(",width=%d", c.Render.Width)
	}
	if c.Render.Height > 0 {
		caps += fmt.Sprintf(",height=%d", c.Render.Height)
	}
	return caps
}

// stageSpecs turns the stage list into graph specs for one session
func (c *Config) stageSpecs(dec DecoderConfig) ([]graph.StageSpec, error) {
	specs := make([]graph.StageSpec, 0, len(c.Stages))
	for i, s := range c.Stages {
		kind, ok := graph.ParseStageKind(s.Kind)
		if !ok {
			return nil, fmt.Errorf("stage %d: unknown kind '%s'", i, s.Kind)
		}

		spec := graph.StageSpec{
			Kind:       kind,
			Name:       s.Name,
			Factory:    s.Factory,
			Caps:       s.Caps,
			Properties: s.Properties,
		}
		switch kind {
		case graph.StageClock:
			if spec.Caps == "" {
				spec.Caps = dec.Caps
			}
		case graph.StageDecode:
			if spec.Factory == "" {
				spec.Factory = dec.Pipeline
			}
		case graph.StageRender:
			if spec.Caps == "" {
				spec.Caps = c.renderCaps()
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
