package host

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridsite/platform/internal/sandbox/envelope"
	"github.com/gridsite/platform/pkg/logger"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

// WebsocketTransport carries envelopes to a module running in a remote
// frame over one websocket connection. The connection's Origin header,
// captured at upgrade time, stamps every inbound envelope; the broker
// checks it against the module's allow-list per message.
type WebsocketTransport struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	origin    string
	onMsg     func(Inbound)
	destroyed bool
	stopped   chan struct{}
	log       *logger.Logger
}

// NewWebsocketTransport wraps an upgraded connection. origin is the
// Origin header of the upgrade request.
func NewWebsocketTransport(conn *websocket.Conn, origin string, log *logger.Logger) *WebsocketTransport {
	if log == nil {
		log = logger.NewDefault("sandbox-host")
	}
	conn.SetReadLimit(maxMessageSize)

	t := &WebsocketTransport{
		conn:    conn,
		origin:  origin,
		stopped: make(chan struct{}),
		log:     log,
	}
	go t.readLoop()
	return t
}

// OnMessage registers the handler for module-to-host envelopes.
func (t *WebsocketTransport) OnMessage(fn func(Inbound)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = fn
}

// Send writes a host-to-module envelope.
func (t *WebsocketTransport) Send(env envelope.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Destroy closes the connection and waits for the read loop to exit.
func (t *WebsocketTransport) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	t.onMsg = nil
	conn := t.conn
	t.mu.Unlock()

	err := conn.Close()
	<-t.stopped
	return err
}

func (t *WebsocketTransport) readLoop() {
	defer close(t.stopped)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			t.log.WithError(err).Debug("dropping malformed frame message")
			continue
		}

		t.mu.Lock()
		fn := t.onMsg
		destroyed := t.destroyed
		t.mu.Unlock()

		if destroyed {
			return
		}
		if fn != nil {
			fn(Inbound{Envelope: env, Origin: t.origin})
		}
	}
}

var _ Transport = (*WebsocketTransport)(nil)
