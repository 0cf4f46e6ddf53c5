// pkg/endpoint/transport.go
package endpoint

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one established connection to the daemon. Write and Close may be
// called concurrently with each other and with a single reader.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections. The endpoint dials once per connect attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

const defaultReadLimit = 4 << 20

// WebSocketDialer dials the daemon over WebSocket. Binary selects binary
// messages, which the daemon answers with msgpack frames.
type WebSocketDialer struct {
	Options   *websocket.DialOptions
	Binary    bool
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := d.Options
	if opts == nil {
		opts = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	c, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status: %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	typ := websocket.MessageText
	if d.Binary {
		typ = websocket.MessageBinary
	}
	return &wsConn{c: c, typ: typ}, nil
}

type wsConn struct {
	c   *websocket.Conn
	typ websocket.MessageType
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, w.typ, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "endpoint closing")
}
