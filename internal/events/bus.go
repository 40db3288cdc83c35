// Package events carries pipeline events from producers to consumers.
//
// Each subscriber owns a bounded channel. Publish blocks for at most the
// subscriber's timeout before dropping the event for that subscriber, so a
// stalled consumer cannot stall check execution. Consumers that must not miss
// events, such as the alert evaluator, subscribe with a longer timeout than
// best-effort ones like event streams. Drops are counted and logged.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Type identifies an event.
type Type string

const (
	CheckCompleted   Type = "check-completed"
	CheckFailed      Type = "check-failed"
	CheckAdded       Type = "check-added"
	CheckUpdated     Type = "check-updated"
	CheckRemoved     Type = "check-removed"
	IncidentCreated  Type = "incident-created"
	IncidentUpdated  Type = "incident-updated"
	IncidentResolved Type = "incident-resolved"
	MetricsCollected Type = "metrics-collected"
	AlertFired       Type = "alert-fired"
	AlertResolved    Type = "alert-resolved"
)

// Event is an immutable notification. Exactly the payload relevant to Type
// is set; payloads are copies and safe to read from any goroutine.
type Event struct {
	Type      Type                         `json:"type"`
	Timestamp time.Time                    `json:"timestamp"`
	Check     *types.HealthCheck           `json:"check,omitempty"`
	Result    *types.HealthCheckResult     `json:"result,omitempty"`
	Incident  *types.Incident              `json:"incident,omitempty"`
	Metrics   *types.SystemMetricsSnapshot `json:"metrics,omitempty"`
	Alert     *types.Alert                 `json:"alert,omitempty"`
}

// Publisher is implemented by Bus. Producers depend on this interface.
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	name    string
	ch      chan Event
	types   map[Type]bool // empty = all
	timeout time.Duration
}

func (s *subscriber) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	timeout     time.Duration
	dropped     atomic.Uint64
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus. timeout bounds how long Publish waits on a full
// subscriber channel.
func NewBus(timeout time.Duration, logger *slog.Logger) *Bus {
	return &Bus{
		timeout: timeout,
		logger:  logger.With("component", "events"),
	}
}

// Subscribe registers a consumer with the bus default publish timeout. Only
// events of the listed types are delivered; no types means all events.
func (b *Bus) Subscribe(name string, size int, only ...Type) <-chan Event {
	return b.SubscribeWithTimeout(name, size, 0, only...)
}

// SubscribeWithTimeout is Subscribe with a per-subscriber publish timeout.
// A timeout <= 0 uses the bus default.
func (b *Bus) SubscribeWithTimeout(name string, size int, timeout time.Duration, only ...Type) <-chan Event {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = b.timeout
	}
	sub := &subscriber{
		name:    name,
		ch:      make(chan Event, size),
		types:   make(map[Type]bool, len(only)),
		timeout: timeout,
	}
	for _, t := range only {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes the subscriber owning ch and closes ch. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for i, sub := range b.subscribers {
		if (<-chan Event)(sub.ch) != ch {
			continue
		}
		b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
		close(sub.ch)
		return
	}
}

// Publish delivers e to every interested subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !sub.wants(e.Type) {
			continue
		}

		select {
		case sub.ch <- e:
			continue
		default:
		}

		timer := time.NewTimer(sub.timeout)
		select {
		case sub.ch <- e:
			timer.Stop()
		case <-timer.C:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber full",
				"subscriber", sub.name,
				"type", e.Type,
			)
		}
	}
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
}
