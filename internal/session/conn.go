// Package session implements one WebSocket connection's frame-handling
// state machine, per spec.md §4.E. Grounded on the teacher's
// pkg/protocol/ws.Listener (mutex-guarded Write/WriteJSON, remote-address
// resolution, challenge/authed-pubkey state) and pkg/protocol/socketapi's
// Serve/HandleMessage dispatch loop.
package session

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// Conn abstracts the transport a Session drives, so tests can substitute a
// fake without opening a real socket. *wsConn below is the production
// implementation over github.com/fasthttp/websocket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
	RemoteAddr() string
}

// wsConn adapts *websocket.Conn to Conn, resolving the client's real
// address from proxy headers the way the teacher's
// helpers.GetRemoteFromReq does.
type wsConn struct {
	mu     sync.Mutex
	c      *websocket.Conn
	remote string
}

// NewWSConn wraps an upgraded websocket connection for Session use.
func NewWSConn(c *websocket.Conn, r *http.Request) Conn {
	return &wsConn{c: c, remote: remoteFromReq(r, c)}
}

func remoteFromReq(r *http.Request, c *websocket.Conn) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return c.NetConn().RemoteAddr().String()
}

func (w *wsConn) ReadMessage() (int, []byte, error) { return w.c.ReadMessage() }

func (w *wsConn) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(messageType, data)
}

func (w *wsConn) SetReadLimit(limit int64)                { w.c.SetReadLimit(limit) }
func (w *wsConn) SetReadDeadline(t time.Time) error        { return w.c.SetReadDeadline(t) }
func (w *wsConn) SetPongHandler(h func(string) error)      { w.c.SetPongHandler(h) }
func (w *wsConn) Close() error                             { return w.c.Close() }
func (w *wsConn) RemoteAddr() string                       { return w.remote }
