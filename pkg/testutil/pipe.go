package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// ErrPipeClosed is what either side of a pipe sees after Drop.
var ErrPipeClosed = errors.New("pipe closed")

// PipeDialer is an in-memory endpoint.Dialer. Every successful Dial hands
// the daemon side of the new connection to the test through Accept, so the
// test scripts the daemon frame by frame.
type PipeDialer struct {
	mu      sync.Mutex
	failErr error
	dials   int
	accepts chan *PipeConn
}

// NewPipeDialer returns a dialer whose dials succeed until SetFailure.
func NewPipeDialer() *PipeDialer {
	return &PipeDialer{accepts: make(chan *PipeConn, 16)}
}

// SetFailure makes every following Dial fail with err; nil restores success.
func (d *PipeDialer) SetFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

// Dials counts Dial calls, failed ones included.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *PipeDialer) Dial(ctx context.Context, url string) (endpoint.Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.failErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p := &PipeConn{
		toDaemon: make(chan []byte, 256),
		toClient: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	select {
	case d.accepts <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &pipeClient{p: p}, nil
}

// Accept returns the daemon side of the next connection.
func (d *PipeDialer) Accept(t *testing.T, timeout time.Duration) *PipeConn {
	t.Helper()
	select {
	case p := <-d.accepts:
		return p
	case <-time.After(timeout):
		t.Fatalf("no connection dialed within %v", timeout)
		return nil
	}
}

// PipeConn is the daemon side of one in-memory connection. Frames are JSON.
type PipeConn struct {
	toDaemon chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

// Drop closes the connection abruptly; the endpoint sees a read error.
func (p *PipeConn) Drop() {
	p.once.Do(func() { close(p.closed) })
}

// Dropped reports whether either side closed the connection.
func (p *PipeConn) Dropped() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Recv returns the next request the endpoint sent.
func (p *PipeConn) Recv(t *testing.T, timeout time.Duration) protocol.PackedRequest {
	t.Helper()
	select {
	case data := <-p.toDaemon:
		req, err := protocol.DecodeRequest(protocol.JSONCodec{}, data)
		if err != nil {
			t.Fatalf("pipe: undecodable request %q: %v", data, err)
		}
		return req
	case <-time.After(timeout):
		t.Fatalf("pipe: no request within %v", timeout)
		return protocol.PackedRequest{}
	}
}

// ExpectCall receives the next request and checks its call name.
func (p *PipeConn) ExpectCall(t *testing.T, call protocol.Call, timeout time.Duration) protocol.PackedRequest {
	t.Helper()
	req := p.Recv(t, timeout)
	if req.Request.Call != call {
		t.Fatalf("pipe: expected %s, got %s%v", call, req.Request.Call, req.Request.Args)
	}
	return req
}

// ExpectSilence fails if the endpoint sends anything within d.
func (p *PipeConn) ExpectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-p.toDaemon:
		t.Fatalf("pipe: unexpected request %s", data)
	case <-time.After(d):
	}
}

// Send writes a raw frame to the endpoint.
func (p *PipeConn) Send(t *testing.T, data []byte) {
	t.Helper()
	select {
	case p.toClient <- data:
	case <-p.closed:
		t.Fatalf("pipe: send on dropped connection")
	}
}

// SendMessage encodes msg and writes it to the endpoint.
func (p *PipeConn) SendMessage(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.EncodeMessage(protocol.JSONCodec{}, msg)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	p.Send(t, data)
}

// Respond answers request id with payload.
func (p *PipeConn) Respond(t *testing.T, id protocol.RequestID, payload any) {
	t.Helper()
	msg, err := protocol.NewResponseMessage(id, payload)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	p.SendMessage(t, msg)
}

// Fail answers request id with daemon error text.
func (p *PipeConn) Fail(t *testing.T, id protocol.RequestID, text string) {
	t.Helper()
	p.SendMessage(t, protocol.NewErrorMessage(id, text))
}

// Push sends a push for the subscription identified by key.
func (p *PipeConn) Push(t *testing.T, typ protocol.MessageType, key protocol.Key, topic string, payload any) {
	t.Helper()
	msg, err := protocol.NewPushMessage(typ, key, topic, payload)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	p.SendMessage(t, msg)
}

// Handshake answers the endpoint's init call with the authenticated reply.
func (p *PipeConn) Handshake(t *testing.T, timeout time.Duration) protocol.PackedRequest {
	t.Helper()
	req := p.ExpectCall(t, protocol.CallInit, timeout)
	p.Respond(t, req.RequestID, true)
	return req
}

type pipeClient struct {
	p *PipeConn
}

func (c *pipeClient) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.p.toClient:
		return data, nil
	case <-c.p.closed:
		return nil, ErrPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeClient) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.p.closed:
		return ErrPipeClosed
	default:
	}
	select {
	case c.p.toDaemon <- data:
		return nil
	case <-c.p.closed:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeClient) Close() error {
	c.p.Drop()
	return nil
}
