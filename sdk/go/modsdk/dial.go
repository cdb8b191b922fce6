package modsdk

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gridsite/platform/internal/sandbox/envelope"
)

// WSConn is a Conn over a websocket channel to a remote sandbox daemon.
type WSConn struct {
	conn *websocket.Conn
	recv chan envelope.Envelope

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// Dial connects to a daemon channel endpoint. The origin is sent as the
// Origin header; the host checks it against the module's allow-list on
// every message, so it must match the module's source origin.
func Dial(ctx context.Context, url, origin string) (*WSConn, error) {
	header := http.Header{}
	header.Set("Origin", origin)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial sandbox channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial sandbox channel: %w", err)
	}

	w := &WSConn{
		conn: conn,
		recv: make(chan envelope.Envelope, 32),
	}
	go w.readLoop()
	return w, nil
}

// Send writes one envelope to the channel.
func (w *WSConn) Send(env envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the inbound envelope stream. The channel closes when
// the connection drops.
func (w *WSConn) Receive() <-chan envelope.Envelope {
	return w.recv
}

// Close shuts the connection down.
func (w *WSConn) Close() error {
	return w.conn.Close()
}

func (w *WSConn) readLoop() {
	defer w.closeOnce.Do(func() { close(w.recv) })
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := envelope.Decode(data)
		if err != nil {
			continue
		}
		w.recv <- env
	}
}

var _ Conn = (*WSConn)(nil)
