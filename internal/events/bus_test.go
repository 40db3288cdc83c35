package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(10*time.Millisecond, testLogger())
	all := bus.Subscribe("all", 10)
	failures := bus.Subscribe("failures", 10, CheckFailed)

	bus.Publish(Event{Type: CheckCompleted})
	bus.Publish(Event{Type: CheckFailed})

	if got := len(all); got != 2 {
		t.Errorf("expected 2 events for unfiltered subscriber, got %d", got)
	}
	if got := len(failures); got != 1 {
		t.Fatalf("expected 1 event for filtered subscriber, got %d", got)
	}
	e := <-failures
	if e.Type != CheckFailed {
		t.Errorf("expected check-failed, got %s", e.Type)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(5*time.Millisecond, testLogger())
	slow := bus.Subscribe("slow", 1)
	fast := bus.Subscribe("fast", 10)

	start := time.Now()
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: CheckCompleted})
	}

	if bus.Dropped() != 2 {
		t.Errorf("expected 2 drops, got %d", bus.Dropped())
	}
	if len(slow) != 1 {
		t.Errorf("expected slow subscriber to hold 1 event, got %d", len(slow))
	}
	if len(fast) != 3 {
		t.Errorf("full subscriber must not starve others, fast got %d", len(fast))
	}
	if time.Since(start) > time.Second {
		t.Error("publish blocked too long")
	}
}

func TestBus_WaitsForConsumer(t *testing.T) {
	bus := NewBus(time.Second, testLogger())
	ch := bus.Subscribe("consumer", 1)

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		for range ch {
			received++
		}
	}()

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: CheckCompleted})
	}
	bus.Close()
	wg.Wait()

	if received != 50 {
		t.Errorf("expected all 50 events delivered, got %d", received)
	}
	if bus.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", bus.Dropped())
	}
}

func TestBus_SubscriberTimeout(t *testing.T) {
	bus := NewBus(time.Millisecond, testLogger())
	stream := bus.Subscribe("stream", 1)
	evaluator := bus.SubscribeWithTimeout("evaluator", 1, 5*time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		for range evaluator {
			time.Sleep(10 * time.Millisecond)
			received++
		}
	}()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: CheckCompleted})
	}
	bus.Close()
	wg.Wait()

	if received != 5 {
		t.Errorf("slow subscriber with long timeout received %d events, want 5", received)
	}
	if len(stream) != 1 {
		t.Errorf("stream subscriber holds %d events, want 1", len(stream))
	}
	if bus.Dropped() != 4 {
		t.Errorf("expected 4 drops on the short-timeout subscriber, got %d", bus.Dropped())
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(time.Millisecond, testLogger())
	bus.Subscribe("x", 1)
	bus.Close()
	bus.Close()

	// Must not panic on closed channels
	bus.Publish(Event{Type: CheckCompleted})
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(time.Millisecond, testLogger())
	keep := bus.Subscribe("keep", 4)
	gone := bus.Subscribe("gone", 4)

	bus.Unsubscribe(gone)
	bus.Unsubscribe(gone)
	bus.Publish(Event{Type: CheckCompleted})

	if _, ok := <-gone; ok {
		t.Error("unsubscribed channel should be closed and empty")
	}
	if len(keep) != 1 {
		t.Errorf("remaining subscriber got %d events, want 1", len(keep))
	}
	bus.Close()
}
