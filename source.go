package videoplayer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source is the encoded byte stream a Player decodes.
//
// Read follows io.Reader: it returns io.EOF at the end of the stream. A
// short read is not an error; the player then asks AtEnd.
type Source interface {
	Open() error
	Read(p []byte) (int, error)
	AtEnd() bool
	// Rewind repositions the stream at its start. Returns
	// ErrRewindUnsupported when the stream cannot seek.
	Rewind() error
	// LastError describes the most recent failure, or "" if none
	LastError() string
	Close() error
}

// FileSource reads an encoded video file
type FileSource struct {
	path string

	mu      sync.Mutex
	file    *os.File
	atEnd   bool
	lastErr string
}

// NewFileSource creates a source for path. The file is opened by Open.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the file path
func (s *FileSource) Path() string {
	return s.path
}

// Open opens the file. Opening an open source is a no-op.
func (s *FileSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		s.lastErr = err.Error()
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	s.file = f
	s.atEnd = false
	s.lastErr = ""
	return nil
}

// Read implements Source
func (s *FileSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, os.ErrClosed
	}

	n, err := s.file.Read(p)
	if errors.Is(err, io.EOF) {
		s.atEnd = true
		return n, io.EOF
	}
	if err != nil {
		s.lastErr = err.Error()
		return n, fmt.Errorf("read %s: %w", s.path, err)
	}
	return n, nil
}

// AtEnd implements Source
func (s *FileSource) AtEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.atEnd {
		return true
	}
	if s.file == nil {
		return false
	}

	// A short read may stop exactly at the end without reporting io.EOF
	info, err := s.file.Stat()
	if err != nil {
		return false
	}
	pos, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return false
	}
	return pos >= info.Size()
}

// Rewind implements Source. Files always support rewinding.
func (s *FileSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return os.ErrClosed
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		s.lastErr = err.Error()
		return fmt.Errorf("rewind %s: %w", s.path, err)
	}
	s.atEnd = false
	return nil
}

// LastError implements Source
func (s *FileSource) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close implements Source. Idempotent.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		s.lastErr = err.Error()
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

// ReaderSource adapts any io.Reader. Rewind is supported only when the
// reader is also an io.Seeker; Close closes it when it is an io.Closer.
type ReaderSource struct {
	r io.Reader

	mu      sync.Mutex
	atEnd   bool
	lastErr string
}

// NewReaderSource wraps r
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Open implements Source
func (s *ReaderSource) Open() error {
	if s.r == nil {
		return ErrNilSource
	}
	return nil
}

// Read implements Source
func (s *ReaderSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, io.EOF) {
		s.atEnd = true
		return n, io.EOF
	}
	if err != nil {
		s.lastErr = err.Error()
	}
	return n, err
}

// AtEnd implements Source
func (s *ReaderSource) AtEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atEnd
}

// Rewind implements Source
func (s *ReaderSource) Rewind() error {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return ErrRewindUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		s.lastErr = err.Error()
		return fmt.Errorf("rewind: %w", err)
	}
	s.atEnd = false
	return nil
}

// LastError implements Source
func (s *ReaderSource) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close implements Source
func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
