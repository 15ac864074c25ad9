package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// Conn is one open transport connection carrying JSON text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketTransport dials the sync server with gorilla/websocket.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (t WebsocketTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, endpoint, t.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, frame, err := c.ws.ReadMessage()
	return frame, err
}

func (c *wsConn) WriteMessage(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a normal close frame, giving a stalled peer at most
// closeGrace, then drops the socket. Callers may hold registry locks.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.ws.Close()
}
