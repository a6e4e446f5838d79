package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a client-side WebSocket connection carrying binary wire messages.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to a ws:// or wss:// url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   wsWriteBuffer,
		WriteBufferSize:  wsReadBuffer,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// Send writes one binary message.
func (c *Conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// ReadLoop calls fn for every binary message until ctx is cancelled, the
// peer closes, or fn returns an error. A normal close or cancellation
// returns nil.
func (c *Conn) ReadLoop(ctx context.Context, fn func([]byte) error) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.ws.Close()
}
