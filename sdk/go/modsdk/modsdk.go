// Package modsdk is the module-side client for the sandbox channel. It
// speaks the envelope protocol so module authors do not have to: the
// handshake, request correlation, and denial handling are wrapped behind
// plain method calls.
//
// A module typically does:
//
//	client := modsdk.New(conn, "my-module")
//	if err := client.Ready(ctx); err != nil { ... }
//	data, err := client.Call(ctx, "read-storage", "/records", "GET", nil)
package modsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gridsite/platform/internal/sandbox/envelope"
)

// Common errors
var (
	ErrClosed   = errors.New("sandbox connection closed")
	ErrNotReady = errors.New("handshake not completed")
)

// Conn carries envelopes between the module and its host. The in-process
// pipe's module end satisfies it directly; remote modules use Dial.
type Conn interface {
	Send(env envelope.Envelope) error
	Receive() <-chan envelope.Envelope
}

// DeniedError is returned by Call when the host refuses the capability.
type DeniedError struct {
	Permission string
	Reason     string
}

// Error implements error.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission %q denied: %s", e.Permission, e.Reason)
}

// APIError is returned by Call when the host accepted the request but the
// backing operation failed.
type APIError struct {
	Message string
}

// Error implements error.
func (e *APIError) Error() string { return e.Message }

// Client is one module's connection to its sandbox host.
type Client struct {
	conn     Conn
	moduleID string

	mu           sync.Mutex
	waiters      map[string]chan envelope.Envelope
	savedWaiters []chan envelope.SettingsSavedPayload
	closed       bool

	initOnce sync.Once
	initDone chan struct{}
	done     chan struct{}

	settings     json.RawMessage
	capabilities []string
	instanceID   string
}

// New creates a client and starts its receive loop. The caller still owns
// the handshake: call Ready before anything else.
func New(conn Conn, moduleID string) *Client {
	c := &Client{
		conn:     conn,
		moduleID: moduleID,
		waiters:  make(map[string]chan envelope.Envelope),
		initDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.receive()
	return c
}

// Ready signals MODULE_READY and blocks until the host answers with INIT
// or the context expires.
func (c *Client) Ready(ctx context.Context) error {
	env, err := envelope.New(envelope.KindModuleReady, c.moduleID, nil)
	if err != nil {
		return err
	}
	if err := c.conn.Send(env); err != nil {
		return err
	}

	select {
	case <-c.initDone:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settings returns the settings delivered at init.
func (c *Client) Settings() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Capabilities returns the granted capability names delivered at init.
func (c *Client) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.capabilities))
	copy(out, c.capabilities)
	return out
}

// Has reports whether a capability was granted. It consults the init
// payload only; the host re-checks every call regardless.
func (c *Client) Has(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.capabilities {
		if g == capability {
			return true
		}
	}
	return false
}

// InstanceID returns the execution instance id delivered at init.
func (c *Client) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// Call performs a privileged operation through the host. It blocks until
// the host answers, the context expires, or the connection closes.
func (c *Client) Call(ctx context.Context, permission, endpoint, method string, data json.RawMessage) (json.RawMessage, error) {
	if !c.ready() {
		return nil, ErrNotReady
	}

	correlationID := uuid.NewString()
	waiter := make(chan envelope.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiters[correlationID] = waiter
	c.mu.Unlock()

	env, err := envelope.NewCorrelated(envelope.KindAPIRequest, c.moduleID, correlationID, envelope.APIRequestPayload{
		Permission: permission,
		Endpoint:   endpoint,
		Method:     method,
		Data:       data,
	})
	if err != nil {
		c.dropWaiter(correlationID)
		return nil, err
	}
	if err := c.conn.Send(env); err != nil {
		c.dropWaiter(correlationID)
		return nil, err
	}

	select {
	case answer := <-waiter:
		return c.unpack(permission, answer)
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.dropWaiter(correlationID)
		return nil, ctx.Err()
	}
}

// unpack converts a host answer into a result or a typed error.
func (c *Client) unpack(permission string, answer envelope.Envelope) (json.RawMessage, error) {
	switch answer.Kind {
	case envelope.KindAPIDenied:
		var p envelope.DeniedPayload
		if err := json.Unmarshal(answer.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed denial: %w", err)
		}
		return nil, &DeniedError{Permission: p.Permission, Reason: p.Reason}
	case envelope.KindAPIResponse:
		var p envelope.APIResponsePayload
		if err := json.Unmarshal(answer.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		if !p.Success {
			return nil, &APIError{Message: p.Error}
		}
		return p.Data, nil
	default:
		return nil, fmt.Errorf("unexpected answer kind %q for %q", answer.Kind, permission)
	}
}

// SaveSettings persists settings through the host and waits for the
// acknowledgement.
func (c *Client) SaveSettings(ctx context.Context, settings json.RawMessage) error {
	if !c.ready() {
		return ErrNotReady
	}

	waiter := make(chan envelope.SettingsSavedPayload, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.savedWaiters = append(c.savedWaiters, waiter)
	c.mu.Unlock()

	env, err := envelope.NewCorrelated(envelope.KindSettingsUpdate, c.moduleID, uuid.NewString(), envelope.SettingsUpdatePayload{
		Settings: settings,
	})
	if err != nil {
		return err
	}
	if err := c.conn.Send(env); err != nil {
		return err
	}

	select {
	case saved := <-waiter:
		if !saved.Success {
			return &APIError{Message: saved.Error}
		}
		c.mu.Lock()
		c.settings = settings
		c.mu.Unlock()
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resize asks the host for a new mount height. The host clamps the value
// and never answers.
func (c *Client) Resize(height int) error {
	if !c.ready() {
		return ErrNotReady
	}
	env, err := envelope.New(envelope.KindResize, c.moduleID, envelope.ResizePayload{Height: height})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// Track fires a telemetry event. Fire-and-forget: delivery is not
// acknowledged and flooding is dropped host-side.
func (c *Client) Track(event string, metadata map[string]string) error {
	if !c.ready() {
		return ErrNotReady
	}
	env, err := envelope.New(envelope.KindAnalyticsEvent, c.moduleID, envelope.AnalyticsPayload{
		Event:    event,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// ReportError tells the host the module hit an unrecoverable fault. The
// host destroys this execution context; the client is useless afterwards.
func (c *Client) ReportError(message, stack string) error {
	env, err := envelope.New(envelope.KindModuleError, c.moduleID, envelope.ModuleErrorPayload{
		Message: message,
		Stack:   stack,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// Close releases the client. In-flight calls fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.waiters = make(map[string]chan envelope.Envelope)
	c.savedWaiters = nil
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) ready() bool {
	select {
	case <-c.initDone:
		return true
	default:
		return false
	}
}

func (c *Client) dropWaiter(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, correlationID)
}

// receive pumps host envelopes. Correlated answers go to their waiter;
// everything the loop does not recognize is ignored so one stray message
// cannot wedge the module.
func (c *Client) receive() {
	for env := range c.conn.Receive() {
		switch env.Kind {
		case envelope.KindInit:
			var p envelope.InitPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.mu.Lock()
			c.settings = p.Settings
			c.capabilities = p.Capabilities
			c.instanceID = p.InstanceID
			c.mu.Unlock()
			c.initOnce.Do(func() { close(c.initDone) })

		case envelope.KindAPIResponse, envelope.KindAPIDenied:
			c.mu.Lock()
			waiter, ok := c.waiters[env.CorrelationID]
			if ok {
				delete(c.waiters, env.CorrelationID)
			}
			c.mu.Unlock()
			if ok {
				waiter <- env
			}

		case envelope.KindSettingsSaved:
			var p envelope.SettingsSavedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.mu.Lock()
			var waiter chan envelope.SettingsSavedPayload
			if len(c.savedWaiters) > 0 {
				waiter = c.savedWaiters[0]
				c.savedWaiters = c.savedWaiters[1:]
			}
			c.mu.Unlock()
			if waiter != nil {
				waiter <- p
			}
		}
	}
	c.Close()
}
