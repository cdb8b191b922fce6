// Package host provides the isolated execution side of the sandbox: it
// boots module code in an execution context that cannot see the parent
// application's memory, credentials, or network identity, and exposes a
// message channel as the module's only connection to the outside world.
//
// Two transports are provided. GojaHost runs a module bundle in an
// in-process JavaScript VM on its own goroutine; WebsocketTransport
// carries envelopes to a module running in a remote frame. Both satisfy
// Transport, which is all the broker knows about.
package host

import (
	"errors"
	"sync"

	"github.com/gridsite/platform/internal/sandbox/envelope"
)

// Common errors
var (
	ErrDestroyed = errors.New("transport destroyed")
)

// Inbound is one module-to-host envelope together with the channel origin
// it arrived from. The broker verifies the origin before looking at the
// envelope at all.
type Inbound struct {
	Envelope envelope.Envelope
	Origin   string
}

// Transport is the host-side handle to one execution context's channel.
// A destroyed transport stops delivering and accepting messages
// immediately: no Inbound callbacks fire after Destroy returns, and Send
// fails with ErrDestroyed.
type Transport interface {
	// Send delivers a host-to-module envelope.
	Send(env envelope.Envelope) error

	// OnMessage registers the handler for module-to-host envelopes.
	// Only one handler is active; later registrations replace earlier
	// ones.
	OnMessage(fn func(Inbound))

	// Destroy tears the channel down.
	Destroy() error
}

// Pipe is an in-process Transport pair used by tests and by in-process
// module runners. The host end implements Transport; the module end is
// what module-side code holds.
type Pipe struct {
	mu        sync.Mutex
	onMsg     func(Inbound)
	toModule  chan envelope.Envelope
	origin    string
	destroyed bool
}

// ModuleEnd is the module side of a Pipe.
type ModuleEnd struct {
	pipe *Pipe
}

// NewPipe creates a connected transport pair. Module-to-host envelopes
// are stamped with the given origin, mimicking a channel bound to the
// module's source origin.
func NewPipe(origin string, buffer int) (*Pipe, *ModuleEnd) {
	if buffer <= 0 {
		buffer = 16
	}
	p := &Pipe{
		toModule: make(chan envelope.Envelope, buffer),
		origin:   origin,
	}
	return p, &ModuleEnd{pipe: p}
}

// Send delivers a host-to-module envelope into the module's receive
// queue. The send happens under the lock so Destroy cannot close the
// queue between the liveness check and the send.
func (p *Pipe) Send(env envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	select {
	case p.toModule <- env:
		return nil
	default:
		return errors.New("module receive queue full")
	}
}

// OnMessage registers the host-side handler.
func (p *Pipe) OnMessage(fn func(Inbound)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMsg = fn
}

// Destroy tears down both directions.
func (p *Pipe) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.onMsg = nil
	close(p.toModule)
	return nil
}

// deliver hands a module envelope to the host handler, if any.
func (p *Pipe) deliver(env envelope.Envelope, origin string) {
	p.mu.Lock()
	fn := p.onMsg
	destroyed := p.destroyed
	p.mu.Unlock()

	if destroyed || fn == nil {
		return
	}
	fn(Inbound{Envelope: env, Origin: origin})
}

// Send delivers a module-to-host envelope stamped with the pipe origin.
func (m *ModuleEnd) Send(env envelope.Envelope) error {
	m.pipe.mu.Lock()
	destroyed := m.pipe.destroyed
	m.pipe.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	m.pipe.deliver(env, m.pipe.origin)
	return nil
}

// SendFromOrigin delivers a module-to-host envelope with an explicit
// origin, for exercising the broker's origin check in tests.
func (m *ModuleEnd) SendFromOrigin(env envelope.Envelope, origin string) error {
	m.pipe.mu.Lock()
	destroyed := m.pipe.destroyed
	m.pipe.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	m.pipe.deliver(env, origin)
	return nil
}

// Receive returns the module-side receive queue. The channel closes when
// the pipe is destroyed.
func (m *ModuleEnd) Receive() <-chan envelope.Envelope {
	return m.pipe.toModule
}

var _ Transport = (*Pipe)(nil)
