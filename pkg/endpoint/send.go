// pkg/endpoint/send.go
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// call sends req and waits for its outcome. Giving up on ctx abandons the
// wait only.
func (e *Endpoint) call(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	p, err := e.send(req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// send registers and transmits req on the current connection, or queues it
// while a connect cycle is running.
func (e *Endpoint) send(req protocol.Request) (*PendingCall, error) {
	id := e.ids.Next()
	data, err := protocol.EncodeRequest(e.cfg.codec, id, req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	switch {
	case e.state == StateConnected:
		conn := e.conn
		p, err := e.table.Register(id, req.Call)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.armTimeoutLocked(p)
		e.mu.Unlock()
		_ = e.write(conn, p, data)
		return p, nil
	case e.state.connecting():
		p := newPendingCall(id, req.Call, time.Now())
		e.armTimeoutLocked(p)
		e.outbox = append(e.outbox, queuedCall{p: p, data: data})
		state := e.state
		e.mu.Unlock()
		e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: Queued %s (request %d) while %s", e.id, req.Call, id, state))
		return p, nil
	}
	state := e.state
	e.mu.Unlock()
	return nil, fmt.Errorf("%s: %w (%s)", req.Call, ErrNotConnected, state)
}

// sendOn transmits req on conn regardless of state. Setup traffic uses it
// before the endpoint is Connected.
func (e *Endpoint) sendOn(conn Conn, req protocol.Request) (*PendingCall, error) {
	id := e.ids.Next()
	data, err := protocol.EncodeRequest(e.cfg.codec, id, req)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", req.Call, ErrConnectionLost)
	}
	p, err := e.table.Register(id, req.Call)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.armTimeoutLocked(p)
	e.mu.Unlock()
	_ = e.write(conn, p, data)
	return p, nil
}

// write puts one frame on conn. A failed write retires the connection, which
// fails p along with everything else in flight.
func (e *Endpoint) write(conn Conn, p *PendingCall, data []byte) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		err = fmt.Errorf("write %s (request %d): %w", p.Call, p.ID, err)
		e.dropConn(conn, err)
		e.mu.Lock()
		e.table.Reject(p.ID, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Endpoint) armTimeoutLocked(p *PendingCall) {
	timeout := e.cfg.requestTimeout
	if timeout <= 0 {
		return
	}
	p.timer = time.AfterFunc(timeout, func() { e.expire(p, timeout) })
}

// expire rejects p if it is still in flight or queued.
func (e *Endpoint) expire(p *PendingCall, after time.Duration) {
	err := fmt.Errorf("%s (request %d): %w after %v", p.Call, p.ID, ErrRequestTimeout, after)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table.Reject(p.ID, err) {
		e.cfg.logger.Warn(fmt.Sprintf("Endpoint %s: %v", e.id, err))
		return
	}
	for i, q := range e.outbox {
		if q.p == p {
			e.outbox = append(e.outbox[:i:i], e.outbox[i+1:]...)
			p.finish(callResult{err: err})
			return
		}
	}
}
