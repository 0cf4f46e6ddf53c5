// pkg/endpoint/manager.go
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// connectAttempt is the shared result of one connect cycle. Every
// InitConnections call made while the cycle runs waits on it.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// startCycleLocked launches a connect cycle. reconnect cycles follow a lost
// connection and back off before their first attempt.
func (e *Endpoint) startCycleLocked(reconnect bool) *connectAttempt {
	a := &connectAttempt{done: make(chan struct{})}
	e.attempt = a
	if !reconnect {
		e.setStateLocked(StateConnecting)
	}
	e.wg.Add(1)
	go e.connectCycle(a, reconnect)
	return a
}

func (e *Endpoint) connectCycle(a *connectAttempt, reconnect bool) {
	defer e.wg.Done()
	err := e.runCycle(reconnect)

	e.mu.Lock()
	a.err = err
	if e.attempt == a {
		e.attempt = nil
	}
	e.mu.Unlock()
	close(a.done)
}

func (e *Endpoint) runCycle(reconnect bool) error {
	budget := e.cfg.reconnectAttempts
	delay := e.cfg.reconnectDelayMin
	e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Connecting to %s (max_attempts: %d, delay_min: %v, delay_max: %v)",
		e.id, e.url, budget, e.cfg.reconnectDelayMin, e.cfg.reconnectDelayMax))

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if reconnect || attempt > 1 {
			wait := withJitter(delay)
			e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Waiting %v before connect attempt %d...", e.id, wait, attempt))
			if !e.sleep(wait) {
				return fmt.Errorf("connect: %w: endpoint closed", ErrNotConnected)
			}
			delay *= 2
			if delay > e.cfg.reconnectDelayMax {
				delay = e.cfg.reconnectDelayMax
			}
		}
		if !e.transition(StateConnecting) {
			return fmt.Errorf("connect: %w: endpoint closed", ErrNotConnected)
		}

		err := e.connectOnce()
		if err == nil {
			e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Connected to %s (attempt %d)", e.id, e.url, attempt))
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthentication) {
			e.terminate(err)
			return err
		}
		if e.ctx.Err() != nil {
			return fmt.Errorf("connect: %w: endpoint closed", ErrNotConnected)
		}
		e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Connect attempt %d failed: %v", e.id, attempt, err))
		if attempt < budget && !e.transition(StateDegraded) {
			return fmt.Errorf("connect: %w: endpoint closed", ErrNotConnected)
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, budget, lastErr)
	e.terminate(err)
	return err
}

func withJitter(d time.Duration) time.Duration {
	jitterRange := int64(d / 4)
	if jitterRange <= 0 {
		jitterRange = 1
	}
	return d + time.Duration(rand.Int63n(jitterRange))
}

// sleep waits for d and reports false if the endpoint closed meanwhile.
func (e *Endpoint) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *Endpoint) transition(s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return false
	}
	e.setStateLocked(s)
	return true
}

// connectOnce runs one attempt: dial, handshake, replay of the active
// subscriptions, flush of the calls queued during the outage. The endpoint
// is Connected only once all four are done.
func (e *Endpoint) connectOnce() error {
	dialCtx, cancel := context.WithTimeout(e.ctx, e.cfg.dialTimeout)
	conn, err := e.dialer.Dial(dialCtx, e.url)
	cancel()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect: %w: endpoint closed", ErrNotConnected)
	}
	connCtx, connCancel := context.WithCancel(e.ctx)
	e.conn, e.connCtx, e.connCancel = conn, connCtx, connCancel
	e.wg.Add(1)
	go e.readLoop(connCtx, conn)
	e.mu.Unlock()

	setupCtx, cancel := context.WithTimeout(e.ctx, e.cfg.dialTimeout)
	defer cancel()
	if err := e.handshake(setupCtx, conn); err != nil {
		e.dropConn(conn, err)
		return err
	}
	replayed, err := e.replay(setupCtx, conn)
	if err != nil {
		e.dropConn(conn, err)
		return err
	}
	if err := e.flush(conn); err != nil {
		return err
	}
	if len(replayed) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for _, req := range replayed {
				e.requestSnapshot(req)
			}
		}()
	}
	return nil
}

func (e *Endpoint) handshake(ctx context.Context, conn Conn) error {
	p, err := e.sendOn(conn, protocol.NewRequest(protocol.CallInit, e.cfg.username, e.cfg.password))
	if err != nil {
		return err
	}
	payload, err := p.Wait(ctx)
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) {
			return &AuthenticationError{Reason: se.Message}
		}
		return fmt.Errorf("handshake: %w", err)
	}
	if string(bytes.TrimSpace(payload)) != protocol.AuthenticatedReply {
		reason := string(payload)
		var text string
		if json.Unmarshal(payload, &text) == nil {
			reason = text
		}
		return &AuthenticationError{Reason: reason}
	}
	return nil
}

// replay re-subscribes every active entry on conn, pipelined, and waits for
// all acknowledgments. A subscription the daemon refuses is dropped so the
// next subscriber to its key subscribes upstream again; a transport failure
// fails the attempt.
func (e *Endpoint) replay(ctx context.Context, conn Conn) ([]protocol.Request, error) {
	e.mu.Lock()
	reqs := e.subs.Active()
	e.mu.Unlock()
	if len(reqs) == 0 {
		return nil, nil
	}
	e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Re-subscribing %d streams...", e.id, len(reqs)))

	calls := make([]*PendingCall, 0, len(reqs))
	for _, req := range reqs {
		p, err := e.sendOn(conn, req)
		if err != nil {
			return nil, err
		}
		calls = append(calls, p)
	}
	var replayed []protocol.Request
	for i, p := range calls {
		if _, err := p.Wait(ctx); err != nil {
			var se *ServerError
			if errors.As(err, &se) {
				e.forget(protocol.KeyOf(reqs[i]), se)
				continue
			}
			return nil, fmt.Errorf("replay %s: %w", protocol.KeyOf(reqs[i]), err)
		}
		replayed = append(replayed, reqs[i])
	}
	return replayed, nil
}

// forget drops an active subscription the daemon no longer honours. Its
// local subscribers stop receiving pushes and their Release is a no-op.
func (e *Endpoint) forget(key protocol.Key, se *ServerError) {
	e.mu.Lock()
	ent, ok := e.subs.Get(key)
	dropped := 0
	if ok && ent.state == entryActive {
		dropped = len(ent.subs)
		e.subs.Delete(ent, se)
	}
	e.mu.Unlock()
	e.cfg.logger.Warn(fmt.Sprintf("Endpoint %s: Daemon refused re-subscribe %s, dropping %d subscribers: %s", e.id, key, dropped, se.Message))
}

// flush sends the calls queued during the outage in the order they were
// made, then opens the endpoint to direct sends.
func (e *Endpoint) flush(conn Conn) error {
	for {
		e.mu.Lock()
		if e.conn != conn {
			e.mu.Unlock()
			return fmt.Errorf("flush: %w: connection dropped during setup", ErrConnectionLost)
		}
		batch := e.outbox
		e.outbox = nil
		if len(batch) == 0 {
			e.setStateLocked(StateConnected)
			if e.cfg.keepalive > 0 {
				e.wg.Add(1)
				go e.keepaliveLoop(e.connCtx, conn)
			}
			e.mu.Unlock()
			return nil
		}
		for _, q := range batch {
			if err := e.table.insert(q.p); err != nil {
				q.p.finish(callResult{err: err})
			}
		}
		e.mu.Unlock()

		e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: Flushing %d queued calls", e.id, len(batch)))
		for _, q := range batch {
			if err := e.write(conn, q.p, q.data); err != nil {
				return err
			}
		}
	}
}

// terminate is the exit for unrecoverable failures: the endpoint closes and
// the connectivity-error handler hears about it once.
func (e *Endpoint) terminate(cause error) {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	conn := e.shutdownLocked(fmt.Errorf("%w: %w", ErrNotConnected, cause))
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	e.cfg.logger.Error(fmt.Sprintf("Endpoint %s: Giving up on %s: %v", e.id, e.url, cause))
	if e.cfg.onConnectivityErr != nil {
		e.cfg.onConnectivityErr(cause)
	}
}

// dropConn retires conn after a failure. In-flight calls fail with
// ErrConnectionLost, subscriptions stay registered, and a connected endpoint
// degrades and starts reconnecting. Stale connections are ignored.
func (e *Endpoint) dropConn(conn Conn, cause error) {
	e.mu.Lock()
	if conn == nil || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.connCancel()
	drained := e.table.DrainAll(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	wasConnected := e.state == StateConnected
	if wasConnected {
		e.setStateLocked(StateDegraded)
		e.startCycleLocked(true)
	}
	e.mu.Unlock()

	conn.Close()
	if wasConnected {
		e.cfg.logger.Warn(fmt.Sprintf("Endpoint %s: Connection lost (%d calls failed): %v", e.id, drained, cause))
	} else {
		e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: Dropped connection during setup: %v", e.id, cause))
	}
}

func (e *Endpoint) readLoop(ctx context.Context, conn Conn) {
	defer e.wg.Done()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.dropConn(conn, fmt.Errorf("read: %w", err))
			}
			return
		}
		env, err := protocol.DecodeEnvelope(e.cfg.codec, data)
		if err != nil {
			e.cfg.logger.Warn(fmt.Sprintf("Endpoint %s: Dropping frame: %v", e.id, err))
			continue
		}
		if env.Response != nil {
			e.handleResponse(env.Response)
		} else {
			e.enqueue(env.Push)
		}
	}
}

func (e *Endpoint) handleResponse(r *protocol.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.table.Lookup(r.RequestID)
	if !ok {
		e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: Late response for request %d", e.id, r.RequestID))
		return
	}
	if r.Failed() {
		e.table.Reject(r.RequestID, &ServerError{Call: p.Call, RequestID: r.RequestID, Message: r.Error})
		return
	}
	e.table.Resolve(r.RequestID, r.Payload)
}

func (e *Endpoint) keepaliveLoop(ctx context.Context, conn Conn) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p, err := e.sendOn(conn, protocol.NewRequest(protocol.CallPing))
		if err != nil {
			return
		}
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.keepalive)
		_, err = p.Wait(waitCtx)
		cancel()
		var se *ServerError
		if err == nil || errors.As(err, &se) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		e.dropConn(conn, fmt.Errorf("keepalive: %w", err))
		return
	}
}
