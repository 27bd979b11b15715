package events

import (
	"sync"
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 10)
	if err := bus.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(Event{Type: TypeFrame, Seq: 1})

	select {
	case received := <-ch:
		if received.Seq != 1 || received.Type != TypeFrame {
			t.Errorf("Unexpected event %+v", received)
		}
		if received.Time.IsZero() {
			t.Error("Expected Publish to stamp the event time")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies Publish never blocks.
func TestNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 1)
	if err := bus.Subscribe("slow", ch); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() {
		bus.Publish(Event{Seq: 1}) // Should succeed
		bus.Publish(Event{Seq: 2}) // Should drop (buffer full)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	received := <-ch
	if received.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", received.Seq)
	}

	stats := bus.Stats()
	sub := stats.Subscribers["slow"]
	if sub.Sent != 1 || sub.Dropped != 1 {
		t.Errorf("Expected 1 sent / 1 dropped, got %+v", sub)
	}
	if stats.TotalPublished != 2 {
		t.Errorf("Expected 2 published, got %d", stats.TotalPublished)
	}
}

// TestSubscribeErrors verifies registration edge cases.
func TestSubscribeErrors(t *testing.T) {
	bus := NewBus()

	ch := make(chan Event, 1)
	if err := bus.Subscribe("a", ch); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		ch   chan Event
		want error
	}{
		{"duplicate", "a", ch, ErrSubscriberExists},
		{"nil channel", "b", nil, ErrNilChannel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var send chan<- Event
			if tc.ch != nil {
				send = tc.ch
			}
			if err := bus.Subscribe(tc.id, send); err != tc.want {
				t.Errorf("Subscribe() = %v, want %v", err, tc.want)
			}
		})
	}

	if err := bus.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("Unsubscribe(missing) = %v", err)
	}
	if err := bus.Unsubscribe("a"); err != nil {
		t.Errorf("Unsubscribe(a) = %v", err)
	}

	bus.Close()
	bus.Close()
	if err := bus.Subscribe("c", ch); err != ErrBusClosed {
		t.Errorf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
	bus.Publish(Event{}) // no-op after close
}

// TestConcurrentPublish verifies the bus is safe under concurrent publishers.
func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 1000)
	if err := bus.Subscribe("sink", ch); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: TypeState})
			}
		}()
	}
	wg.Wait()

	stats := bus.Stats()
	if stats.TotalSent+stats.TotalDropped != 500 {
		t.Errorf("Expected 500 deliveries accounted for, got %d sent + %d dropped",
			stats.TotalSent, stats.TotalDropped)
	}
}
