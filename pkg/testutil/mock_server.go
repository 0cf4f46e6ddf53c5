package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// MockDaemon is a scripted JSON daemon over a real WebSocket, for wire-level
// tests the simulator cannot express (legacy pushes, raw frames, stalls).
type MockDaemon struct {
	T       *testing.T
	Server  *httptest.Server
	WsURL   string
	Handler func(req protocol.PackedRequest, md *MockDaemon)

	connMu sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	conns  int
}

// NewMockDaemon starts a mock daemon. handler sees every request; nil means
// requests are read and ignored.
func NewMockDaemon(t *testing.T, handler func(req protocol.PackedRequest, md *MockDaemon)) *MockDaemon {
	t.Helper()
	md := &MockDaemon{T: t, Handler: handler}

	md.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsconn, err := websocket.Accept(w, r, nil)
		if err != nil {
			md.T.Logf("MockDaemon: Accept error: %v", err)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())

		md.connMu.Lock()
		md.conn = wsconn
		md.cancel = cancel
		md.conns++
		md.connMu.Unlock()

		go md.readLoop(ctx, wsconn)
	}))

	md.WsURL = "ws" + strings.TrimPrefix(md.Server.URL, "http")

	t.Cleanup(func() {
		md.Close()
	})

	return md
}

func (md *MockDaemon) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()
	for {
		var req protocol.PackedRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if md.Handler != nil {
			md.Handler(req, md)
		}
	}
}

// Connections counts accepted connections.
func (md *MockDaemon) Connections() int {
	md.connMu.Lock()
	defer md.connMu.Unlock()
	return md.conns
}

// Send writes msg as JSON to the current connection.
func (md *MockDaemon) Send(msg protocol.Message) error {
	return md.SendJSON(msg)
}

// SendJSON writes any value as a JSON text frame.
func (md *MockDaemon) SendJSON(v any) error {
	md.connMu.Lock()
	conn := md.conn
	md.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(context.Background(), conn, v)
}

// SendRaw writes data as a text frame unmodified.
func (md *MockDaemon) SendRaw(data []byte) error {
	md.connMu.Lock()
	conn := md.conn
	md.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Write(context.Background(), websocket.MessageText, data)
}

// Respond answers request id with payload.
func (md *MockDaemon) Respond(id protocol.RequestID, payload any) {
	msg, err := protocol.NewResponseMessage(id, payload)
	if err != nil {
		md.T.Errorf("MockDaemon: %v", err)
		return
	}
	if err := md.Send(msg); err != nil {
		md.T.Logf("MockDaemon: send: %v", err)
	}
}

// Fail answers request id with daemon error text.
func (md *MockDaemon) Fail(id protocol.RequestID, text string) {
	if err := md.Send(protocol.NewErrorMessage(id, text)); err != nil {
		md.T.Logf("MockDaemon: send: %v", err)
	}
}

// CloseCurrentConnection closes the current WebSocket connection.
func (md *MockDaemon) CloseCurrentConnection() {
	md.connMu.Lock()
	conn, cancel := md.conn, md.cancel
	md.conn, md.cancel = nil, nil
	md.connMu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "Test closing connection")
	}
	if cancel != nil {
		cancel()
	}
}

// Close closes the mock daemon.
func (md *MockDaemon) Close() {
	md.CloseCurrentConnection()
	if md.Server != nil {
		md.Server.Close()
	}
}

// AcceptAll answers init with the authenticated reply and every other call
// with true. It is a convenient base for handlers.
func AcceptAll(req protocol.PackedRequest, md *MockDaemon) {
	md.Respond(req.RequestID, true)
}
