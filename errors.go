package videoplayer

import (
	"errors"
	"fmt"
)

var (
	// ErrRewindUnsupported is returned by Rewind when the source cannot seek
	ErrRewindUnsupported = errors.New("video-player: rewind not supported by source")
	// ErrDestroyed is returned by operations on a destroyed player
	ErrDestroyed = errors.New("video-player: player destroyed")
	// ErrInvalidState is returned when an operation is not valid in the current state
	ErrInvalidState = errors.New("video-player: invalid state for operation")
	// ErrAlreadyStarted is returned by Start while a session is running
	ErrAlreadyStarted = errors.New("video-player: already started")
	// ErrNoBackend is returned by New when no backend factory was configured
	ErrNoBackend = errors.New("video-player: no graph backend configured")
	// ErrNilSource is returned by New for a nil source
	ErrNilSource = errors.New("video-player: source is nil")
	// ErrNilTarget is returned by New for a nil image target
	ErrNilTarget = errors.New("video-player: image target is nil")
)

// ErrorKind classifies player errors
type ErrorKind int

const (
	// KindStream covers open, read and rewind failures of the source and
	// fatal errors posted by the decode graph
	KindStream ErrorKind = iota
	// KindGraphBuild covers stage and tunnel creation failures
	KindGraphBuild
	// KindBuffer covers consecutive decode buffer failures reaching the budget
	KindBuffer
	// KindPublish covers Output Image update failures (non-fatal)
	KindPublish
)

func (k ErrorKind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindGraphBuild:
		return "graph-build"
	case KindBuffer:
		return "buffer"
	case KindPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// Error is a classified player error
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("video-player: %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("video-player: %s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func streamError(op string, err error) *Error {
	return &Error{Kind: KindStream, Op: op, Err: err}
}

func graphBuildError(op string, err error) *Error {
	return &Error{Kind: KindGraphBuild, Op: op, Err: err}
}
