// Package testutil provides fixtures and capture helpers shared by
// sandbox tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/gridsite/platform/internal/sandbox/capability"
	"github.com/gridsite/platform/internal/sandbox/events"
	"github.com/gridsite/platform/internal/sandbox/module"
)

// TestOrigin is the module source origin used by fixtures.
const TestOrigin = "https://modules.example.com"

// Descriptor returns a valid descriptor for a module served from
// TestOrigin that requests the given capabilities.
func Descriptor(id string, caps ...capability.Capability) module.Descriptor {
	return module.Descriptor{
		ID:        id,
		Name:      "Fixture " + id,
		Slug:      id,
		SourceURL: TestOrigin + "/" + id + ".js",
		Manifest: module.Manifest{
			Version:      "1.0.0",
			Capabilities: caps,
		},
	}
}

// Install returns an enabled install record granting every capability the
// fixture descriptor requests.
func Install(t *testing.T, id string, caps ...capability.Capability) module.InstallRecord {
	t.Helper()
	rec, err := module.NewInstallRecord(Descriptor(id, caps...), caps...)
	if err != nil {
		t.Fatalf("building fixture install record: %v", err)
	}
	return rec
}

// EventCapture is an events.Logger that records everything and lets tests
// wait for a specific event type.
type EventCapture struct {
	mu     sync.Mutex
	events []events.Event
}

// NewEventCapture creates an empty capture.
func NewEventCapture() *EventCapture {
	return &EventCapture{}
}

// Log records the event.
func (c *EventCapture) Log(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Subscribe is a no-op; captures are inspected directly.
func (c *EventCapture) Subscribe(events.Handler) func() { return func() {} }

// SubscribeFiltered is a no-op.
func (c *EventCapture) SubscribeFiltered(events.Filter, events.Handler) func() { return func() {} }

// Recent returns up to n captured events, newest first.
func (c *EventCapture) Recent(n int) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.events) {
		n = len(c.events)
	}
	out := make([]events.Event, 0, n)
	for i := len(c.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.events[i])
	}
	return out
}

// RecentByInstance returns up to n captured events for one instance,
// newest first.
func (c *EventCapture) RecentByInstance(instanceID string, n int) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, 0, n)
	for i := len(c.events) - 1; i >= 0 && len(out) < n; i-- {
		if c.events[i].InstanceID == instanceID {
			out = append(out, c.events[i])
		}
	}
	return out
}

// All returns a copy of every captured event in order.
func (c *EventCapture) All() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.events))
	copy(out, c.events)
	return out
}

// WaitFor blocks until an event of the given type is captured or the
// timeout expires.
func (c *EventCapture) WaitFor(t *testing.T, typ events.EventType, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, e := range c.events {
			if e.Type == typ {
				c.mu.Unlock()
				return e
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q never captured", typ)
	return events.Event{}
}

var _ events.Logger = (*EventCapture)(nil)
