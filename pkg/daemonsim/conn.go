// pkg/daemonsim/conn.go
package daemonsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

type connSubscription struct {
	req    protocol.Request
	cancel func()
}

// daemonConn is one console connection.
type daemonConn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	send   chan protocol.Message
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// binary follows the frame type of the last request so replies use the
	// client's codec.
	binary atomic.Bool

	mu            sync.Mutex
	authenticated bool
	username      string
	subs          map[protocol.Key]*connSubscription
	dropped       int
}

func (dc *daemonConn) isAuthenticated() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.authenticated
}

func (dc *daemonConn) subscribed(key protocol.Key) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	_, ok := dc.subs[key]
	return ok
}

func (dc *daemonConn) dropSubscriptions() {
	dc.mu.Lock()
	subs := dc.subs
	dc.subs = make(map[protocol.Key]*connSubscription)
	dc.mu.Unlock()
	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
}

func (dc *daemonConn) readPump() {
	defer dc.server.removeConn(dc)

	for {
		typ, data, err := dc.ws.Read(dc.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				dc.logger.Info(fmt.Sprintf("Daemon: Client %s readPump closing gracefully: %v", dc.id, err))
			} else {
				dc.logger.Info(fmt.Sprintf("Daemon: Client %s read error in readPump: %v (status: %d)", dc.id, err, status))
			}
			return
		}

		binary := typ == websocket.MessageBinary
		dc.binary.Store(binary)
		req, err := protocol.DecodeRequest(protocol.CodecFor(binary), data)
		if err != nil {
			dc.logger.Warn(fmt.Sprintf("Daemon: Client %s sent an undecodable request: %v", dc.id, err))
			continue
		}
		dc.handleRequest(req)
	}
}

func (dc *daemonConn) handleRequest(packed protocol.PackedRequest) {
	id := packed.RequestID
	req := protocol.NewRequest(packed.Request.Call, packed.Request.Args...)
	call := req.Call
	dc.server.countCall(call)

	if call == protocol.CallInit {
		dc.handleInit(id, req.Args)
		return
	}
	if !dc.isAuthenticated() {
		dc.logger.Info(fmt.Sprintf("Daemon: Client %s called %s before authenticating", dc.id, call))
		dc.replyError(id, protocol.NotAuthenticatedReply)
		return
	}
	if !call.Valid() {
		dc.replyError(id, fmt.Sprintf("Unknown call %s", call))
		return
	}

	var err error
	switch {
	case call == protocol.CallPing:
		dc.reply(id, true)
	case call.IsSubscribe():
		err = dc.subscribe(id, req)
	case call.IsUnsubscribe():
		dc.unsubscribe(id, req)
	case call == protocol.CallForcePushComponentList, call == protocol.CallForcePushDependencyGraph, call == protocol.CallForcePushLogList:
		err = dc.forcePush(id, call)
	default:
		var payload any
		payload, err = dc.server.serve(dc.ctx, req)
		if err == nil {
			dc.reply(id, payload)
		}
	}
	if err != nil {
		dc.logger.Info(fmt.Sprintf("Daemon: Call %s%q from client %s failed: %v", call, req.Args, dc.id, err))
		dc.replyError(id, err.Error())
	}
}

func (dc *daemonConn) handleInit(id protocol.RequestID, args []string) {
	var err error
	if len(args) < 2 {
		err = errors.New("init needs a username and a password")
	} else {
		err = dc.server.config.auth.Authenticate(args[0], args[1])
	}
	if err != nil {
		dc.logger.Info(fmt.Sprintf("Daemon: Client %s failed to authenticate: %v", dc.id, err))
		dc.reply(id, protocol.NotAuthenticatedReply)
		return
	}
	dc.mu.Lock()
	dc.authenticated = true
	dc.username = args[0]
	dc.mu.Unlock()
	dc.logger.Info(fmt.Sprintf("Daemon: Client %s authenticated as %s", dc.id, args[0]))
	dc.reply(id, true)
}

func (dc *daemonConn) subscribe(id protocol.RequestID, req protocol.Request) error {
	key := protocol.KeyOf(req)
	if dc.subscribed(key) {
		dc.reply(id, true)
		return nil
	}

	sub := &connSubscription{req: req}
	switch req.Call {
	case protocol.CallSubscribeToComponent:
		if len(req.Args) != 1 {
			return fmt.Errorf("%s needs a component name", req.Call)
		}
		if _, err := dc.server.config.api.Component(dc.ctx, req.Args[0]); err != nil {
			return err
		}
	case protocol.CallSubscribeToComponentLogs:
		if len(req.Args) != 1 {
			return fmt.Errorf("%s needs a log name", req.Call)
		}
	case protocol.CallSubscribeToPubSubTopic:
		if len(req.Args) != 1 {
			return fmt.Errorf("%s needs a topic filter", req.Call)
		}
		cancel, err := dc.server.config.bus.Subscribe(req.Args[0], func(topic string, payload []byte) {
			msg, err := protocol.NewPushMessage(protocol.MessagePubSub, key, topic, string(payload))
			if err != nil {
				return
			}
			dc.trySend(msg)
		})
		if err != nil {
			return err
		}
		sub.cancel = cancel
	}

	dc.mu.Lock()
	dc.subs[key] = sub
	dc.mu.Unlock()
	dc.logger.Info(fmt.Sprintf("Daemon: Client %s subscribed to %s", dc.id, key))
	dc.reply(id, true)
	return nil
}

func (dc *daemonConn) unsubscribe(id protocol.RequestID, req protocol.Request) {
	subCall, _ := req.Call.Subscribe()
	key := protocol.KeyOf(protocol.NewRequest(subCall, req.Args...))

	dc.mu.Lock()
	sub, ok := dc.subs[key]
	delete(dc.subs, key)
	dc.mu.Unlock()

	if ok {
		if sub.cancel != nil {
			sub.cancel()
		}
		dc.logger.Info(fmt.Sprintf("Daemon: Client %s unsubscribed from %s", dc.id, key))
	}
	dc.reply(id, true)
}

func (dc *daemonConn) forcePush(id protocol.RequestID, call protocol.Call) error {
	s := dc.server
	var err error
	switch call {
	case protocol.CallForcePushComponentList:
		var list []protocol.ComponentDetails
		if list, err = s.config.api.Components(dc.ctx); err == nil {
			err = s.pushTo(dc, protocol.MessageComponentList, protocol.NewRequest(protocol.CallSubscribeToComponentList), list)
		}
	case protocol.CallForcePushDependencyGraph:
		var graph []protocol.DepGraphNode
		if graph, err = s.config.api.DependencyGraph(dc.ctx); err == nil {
			err = s.pushTo(dc, protocol.MessageDepsGraph, protocol.NewRequest(protocol.CallSubscribeToDependencyGraph), graph)
		}
	case protocol.CallForcePushLogList:
		err = s.pushTo(dc, protocol.MessageLogList, protocol.NewRequest(protocol.CallSubscribeToLogList), s.LogList())
	}
	if err != nil {
		return err
	}
	dc.reply(id, true)
	return nil
}

func (dc *daemonConn) reply(id protocol.RequestID, payload any) {
	msg, err := protocol.NewResponseMessage(id, payload)
	if err != nil {
		dc.replyError(id, err.Error())
		return
	}
	dc.trySend(msg)
}

func (dc *daemonConn) replyError(id protocol.RequestID, text string) {
	dc.trySend(protocol.NewErrorMessage(id, text))
}

// trySend queues msg without blocking. A connection that keeps its buffer
// full is disconnected.
func (dc *daemonConn) trySend(msg protocol.Message) {
	select {
	case dc.send <- msg:
	case <-dc.ctx.Done():
		dc.logger.Debug(fmt.Sprintf("Daemon: Client %s context done, dropping %s message", dc.id, msg.MessageType))
	default:
		dc.mu.Lock()
		dc.dropped++
		dropped := dc.dropped
		dc.mu.Unlock()
		dc.logger.Warn(fmt.Sprintf("Daemon: Client %s send buffer full, dropped %s message", dc.id, msg.MessageType))
		if dropped >= slowClientDropLimit {
			dc.logger.Info(fmt.Sprintf("Daemon: Client %s dropped %d messages, disconnecting slow client.", dc.id, dropped))
			go func() {
				dc.ws.Close(websocket.StatusPolicyViolation, "too many dropped messages")
				dc.server.removeConn(dc)
			}()
		}
	}
}

func (dc *daemonConn) writePump() {
	defer dc.logger.Debug(fmt.Sprintf("Daemon: Client %s writePump stopping.", dc.id))

	for {
		select {
		case msg := <-dc.send:
			binary := dc.binary.Load()
			data, err := protocol.EncodeMessage(protocol.CodecFor(binary), msg)
			if err != nil {
				dc.logger.Error(fmt.Sprintf("Daemon: Client %s failed to encode %s message: %v", dc.id, msg.MessageType, err))
				continue
			}
			typ := websocket.MessageText
			if binary {
				typ = websocket.MessageBinary
			}
			writeCtx, cancel := context.WithTimeout(dc.ctx, dc.server.config.writeTimeout)
			err = dc.ws.Write(writeCtx, typ, data)
			cancel()
			if err != nil {
				dc.logger.Info(fmt.Sprintf("Daemon: Client %s write error in writePump: %v. Closing connection.", dc.id, err))
				dc.ws.CloseNow()
				return
			}
		case <-dc.ctx.Done():
			return
		}
	}
}

func (dc *daemonConn) pingLoop() {
	ticker := time.NewTicker(dc.server.config.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(dc.ctx, dc.server.config.pingInterval/2)
			err := dc.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				dc.logger.Info(fmt.Sprintf("Daemon: Client %s ping failed: %v. Closing connection.", dc.id, err))
				dc.ws.Close(websocket.StatusPolicyViolation, "ping failure")
				return
			}
		case <-dc.ctx.Done():
			return
		}
	}
}
