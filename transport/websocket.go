// Package transport implements the duplex.Transport interface over
// github.com/gorilla/websocket, adapted from the teacher's
// mcp/websocket.go (websocketConn / WebSocketServerTransport), generalized
// from MCP's JSON-RPC framing to this module's wireformat.Frame framing and
// the "mcp" subprotocol renamed to "restfuncs".
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol this transport negotiates.
const Subprotocol = "restfuncs"

// WebSocketTransport implements duplex.Transport over a gorilla/websocket
// connection.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	recv chan string
	done chan struct{}
}

// newFromConn wraps an already-established *websocket.Conn and starts its
// read pump.
func newFromConn(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{
		conn: conn,
		recv: make(chan string, 16),
		done: make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *WebSocketTransport) readPump() {
	defer close(t.recv)
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			// Spec §4.2: a frame received that is not a string fails the
			// connection; surfacing this as a closed Recv channel lets the
			// state machine treat it as fatal.
			return
		}
		select {
		case t.recv <- string(data):
		case <-t.done:
			return
		}
	}
}

// Send writes one frame as a WebSocket text message.
func (t *WebSocketTransport) Send(frame string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return fmt.Errorf("transport: send on closed connection")
	default:
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// Recv returns the channel of inbound frames.
func (t *WebSocketTransport) Recv() <-chan string {
	return t.recv
}

// Close closes the underlying connection.
func (t *WebSocketTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		deadline := time.Now().Add(2 * time.Second)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		err = t.conn.Close()
	})
	return err
}

// DialClient connects to url as the client side, negotiating the
// restfuncs subprotocol.
func DialClient(ctx context.Context, url string, header http.Header, dialer *websocket.Dialer) (*WebSocketTransport, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.Subprotocols = []string{Subprotocol}

	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: websocket dial failed: %w", err)
	}
	return newFromConn(conn), nil
}

// ServerUpgrader upgrades incoming HTTP requests to duplex WebSocket
// connections, handing each accepted connection to Accept.
type ServerUpgrader struct {
	upgrader websocket.Upgrader
	Accept   func(id string, t *WebSocketTransport, r *http.Request)
}

// NewServerUpgrader returns a ServerUpgrader whose CheckOrigin policy the
// caller supplies (the security gate, not this transport, is the place
// origin checks belong per spec §1 — checkOrigin here only needs to be
// permissive enough to let the preflight/gate logic run).
func NewServerUpgrader(checkOrigin func(r *http.Request) bool, accept func(id string, t *WebSocketTransport, r *http.Request)) *ServerUpgrader {
	return &ServerUpgrader{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  checkOrigin,
		},
		Accept: accept,
	}
}

// ServeHTTP upgrades the request and dispatches the new transport to
// Accept.
func (u *ServerUpgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
		return
	}
	t := newFromConn(conn)
	u.Accept(uuid.NewString(), t, r)
}
