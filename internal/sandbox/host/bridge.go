package host

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridsite/platform/internal/sandbox/envelope"
	"github.com/gridsite/platform/pkg/logger"
)

// Bridge errors
var (
	ErrAlreadyAttached = errors.New("bridge already has a connection")
	ErrBacklogFull     = errors.New("bridge backlog full")
)

// maxBacklog bounds envelopes buffered while no frame is connected.
const maxBacklog = 256

// Bridge is a Transport whose websocket connection arrives after the
// mount. Outbound envelopes are buffered until a frame attaches; a
// dropped connection returns the bridge to the pending state so the frame
// can reconnect without remounting.
type Bridge struct {
	mu        sync.Mutex
	onMsg     func(Inbound)
	conn      *websocket.Conn
	origin    string
	backlog   []envelope.Envelope
	destroyed bool
	log       *logger.Logger
}

// NewBridge creates a pending bridge.
func NewBridge(log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.NewDefault("sandbox-host")
	}
	return &Bridge{log: log}
}

// Attached reports whether a frame is currently connected.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Attach binds an upgraded connection to the bridge and flushes the
// backlog. origin is the Origin header of the upgrade request; it stamps
// every inbound envelope.
func (b *Bridge) Attach(conn *websocket.Conn, origin string) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if b.conn != nil {
		b.mu.Unlock()
		return ErrAlreadyAttached
	}
	conn.SetReadLimit(maxMessageSize)
	b.conn = conn
	b.origin = origin
	backlog := b.backlog
	b.backlog = nil
	b.mu.Unlock()

	for _, env := range backlog {
		if err := b.write(conn, env); err != nil {
			b.log.WithError(err).Debug("backlog flush failed")
			break
		}
	}

	go b.readLoop(conn, origin)
	return nil
}

// Send delivers a host-to-module envelope, buffering it if no frame is
// attached yet.
func (b *Bridge) Send(env envelope.Envelope) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	conn := b.conn
	if conn == nil {
		if len(b.backlog) >= maxBacklog {
			b.mu.Unlock()
			return ErrBacklogFull
		}
		b.backlog = append(b.backlog, env)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	return b.write(conn, env)
}

// OnMessage registers the handler for module-to-host envelopes.
func (b *Bridge) OnMessage(fn func(Inbound)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMsg = fn
}

// Destroy closes the bridge and any attached connection.
func (b *Bridge) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	b.onMsg = nil
	b.backlog = nil
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bridge) write(conn *websocket.Conn, env envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) readLoop(conn *websocket.Conn, origin string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		env, err := envelope.Decode(data)
		if err != nil {
			b.log.WithError(err).Debug("dropping malformed frame message")
			continue
		}

		b.mu.Lock()
		fn := b.onMsg
		destroyed := b.destroyed
		b.mu.Unlock()
		if destroyed {
			return
		}
		if fn != nil {
			fn(Inbound{Envelope: env, Origin: origin})
		}
	}

	// Connection dropped: return to pending so the frame can reconnect.
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.origin = ""
	}
	b.mu.Unlock()
	conn.Close()
}

var _ Transport = (*Bridge)(nil)
