package videoplayer

import (
	"log/slog"
)

// Option configures a Player
type Option func(*options)

type options struct {
	config  Config
	backend BackendFactory
	logger  *slog.Logger
}

// WithConfig replaces the default configuration. The config is validated by New.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithBackend sets the factory creating one graph backend per session
func WithBackend(factory BackendFactory) Option {
	return func(o *options) {
		o.backend = factory
	}
}

// WithLogger overrides the package logger for one player
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
