// Package events fans player events out to subscriber channels.
//
// Publish never blocks the emitting goroutine (which may be the decode
// context): a subscriber whose channel is full loses the event and the drop
// is counted.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilChannel         = errors.New("events: nil channel provided")
)

// Type of a player event
type Type int

const (
	// TypeState reports a Player State transition
	TypeState Type = iota
	// TypeFrame reports a published frame
	TypeFrame
	// TypeError reports a fatal or publish error
	TypeError
	// TypeEndOfStream reports the source drained through the graph
	TypeEndOfStream
)

func (t Type) String() string {
	switch t {
	case TypeState:
		return "state"
	case TypeFrame:
		return "frame"
	case TypeError:
		return "error"
	case TypeEndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// Event is one notification delivered to subscribers
type Event struct {
	Type       Type          `msgpack:"type"`
	Time       time.Time     `msgpack:"time"`
	Generation uint64        `msgpack:"generation"`
	From       string        `msgpack:"from,omitempty"`  // previous state
	State      string        `msgpack:"state,omitempty"` // current state
	Seq        uint64        `msgpack:"seq,omitempty"`
	PTS        time.Duration `msgpack:"pts,omitempty"`
	Error      string        `msgpack:"error,omitempty"`
}

// SubscriberStats tracks event distribution per subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// BusStats is a snapshot of the whole bus
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	ch      chan<- Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes events to multiple subscribers
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	closed         bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch under id. The bus never closes ch.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish distributes ev to all subscribers without blocking
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
		stats.Subscribers[id] = s
		stats.TotalSent += s.Sent
		stats.TotalDropped += s.Dropped
	}
	return stats
}

// Close removes all subscribers. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = nil
}
