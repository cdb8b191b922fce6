// Package events provides a structured diagnostic log for the sandbox.
// Events capture significant occurrences per execution context: lifecycle
// transitions, envelope drops, capability denials, faults, and recovery
// actions. The error panel and diagnostics reporting read from here.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridsite/platform/internal/sandbox/lifecycle"
)

// EventType classifies the kind of sandbox event.
type EventType string

const (
	// Lifecycle events
	EventMounted        EventType = "module.mounted"
	EventReady          EventType = "module.ready"
	EventFailed         EventType = "module.failed"
	EventDisabled       EventType = "module.disabled"
	EventUninstalled    EventType = "module.uninstalled"
	EventTornDown       EventType = "module.torn_down"
	EventRetryStarted   EventType = "module.retry_started"
	EventRetrySucceeded EventType = "module.retry_succeeded"
	EventRetryFailed    EventType = "module.retry_failed"

	// Protocol events
	EventEnvelopeDropped EventType = "envelope.dropped"
	EventDenied          EventType = "capability.denied"
	EventDispatched      EventType = "request.dispatched"
	EventResponded       EventType = "request.responded"
	EventRequestTimeout  EventType = "request.timeout"
	EventSettingsSaved   EventType = "settings.saved"
	EventResizeClamped   EventType = "resize.clamped"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a structured sandbox event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	ModuleID   string `json:"moduleId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`

	State lifecycle.State `json:"state,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be processed.
type Filter func(Event) bool

// Logger is the interface for event logging.
type Logger interface {
	// Log records an event.
	Log(event Event)

	// Subscribe registers a handler for events. The returned function
	// unsubscribes.
	Subscribe(handler Handler) func()

	// SubscribeFiltered registers a handler with a filter.
	SubscribeFiltered(filter Filter, handler Handler) func()

	// Recent returns the most recent N events.
	Recent(n int) []Event

	// RecentByInstance returns recent events for one execution context.
	RecentByInstance(instanceID string, n int) []Event
}

// NoOpLogger discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                                {}
func (NoOpLogger) Subscribe(Handler) func()                 { return func() {} }
func (NoOpLogger) SubscribeFiltered(Filter, Handler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                       { return nil }
func (NoOpLogger) RecentByInstance(string, int) []Event     { return nil }

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a new event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent N events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByInstance returns recent events for one execution context.
func (rb *RingBuffer) RecentByInstance(instanceID string, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].InstanceID == instanceID {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
