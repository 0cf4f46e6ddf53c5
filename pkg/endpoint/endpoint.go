// pkg/endpoint/endpoint.go

// Package endpoint is the console's connection to the device daemon. It owns
// the socket, correlates calls with their responses, fans server pushes out
// to local subscribers and reconnects after failures, replaying the live
// subscriptions so subscribers never notice.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// Endpoint is the single entry point to the daemon. Construct it with New,
// call InitConnections, and Close it when done.
type Endpoint struct {
	cfg    endpointConfig
	url    string
	id     string
	ids    protocol.IDSequence
	dialer Dialer

	// lifetime of the endpoint; cancelled when it reaches StateClosed
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	conn       Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	attempt    *connectAttempt
	table      *CorrelationTable
	subs       *registry
	outbox     []queuedCall

	events     []State
	eventsOnce sync.Once
	eventSig   chan struct{}
	eventsStop chan struct{}
	eventsDone chan struct{}

	// pushes read off the wire, waiting for the dispatch goroutine
	pushes   []*protocol.Push
	pushOnce sync.Once
	pushSig  chan struct{}
	pushStop chan struct{}
	pushDone chan struct{}
}

type queuedCall struct {
	p    *PendingCall
	data []byte
}

// New constructs an endpoint for the daemon at url. No connection is made
// until InitConnections.
func New(url string, opts ...Option) *Endpoint {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:        cfg,
		url:        url,
		id:         uuid.NewString()[:8],
		dialer:     cfg.dialer,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		table:      NewCorrelationTable(),
		subs:       newRegistry(),
		eventSig:   make(chan struct{}, 1),
		eventsStop: make(chan struct{}),
		eventsDone: make(chan struct{}),
		pushSig:    make(chan struct{}, 1),
		pushStop:   make(chan struct{}),
		pushDone:   make(chan struct{}),
	}
	if e.dialer == nil {
		e.dialer = WebSocketDialer{Options: cfg.dialOptions, Binary: cfg.codec.Binary()}
	}
	go e.eventLoop()
	go e.dispatchLoop()
	return e
}

// NewWithOptions constructs an endpoint from an Options struct.
func NewWithOptions(url string, opts Options, extra ...Option) *Endpoint {
	return New(url, append(opts.options(), extra...)...)
}

// ID identifies this endpoint in logs.
func (e *Endpoint) ID() string { return e.id }

// URL is the daemon address.
func (e *Endpoint) URL() string { return e.url }

// State returns the current connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending is the number of calls awaiting a response, queued calls included.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.Len() + len(e.outbox)
}

// Subscriptions is the number of upstream subscriptions the endpoint holds.
func (e *Endpoint) Subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subs.Len()
}

// InitConnections connects and authenticates. It returns immediately when
// already connected and joins the running attempt while one is in progress.
func (e *Endpoint) InitConnections(ctx context.Context) error {
	e.mu.Lock()
	var a *connectAttempt
	switch {
	case e.state == StateConnected:
		e.mu.Unlock()
		return nil
	case e.state == StateClosed:
		e.mu.Unlock()
		return fmt.Errorf("init connections: %w: endpoint is closed", ErrNotConnected)
	case e.state.connecting():
		a = e.attempt
	default:
		a = e.startCycleLocked(false)
	}
	e.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest performs one call and returns the daemon's payload. A call
// made while the endpoint is reconnecting is queued and sent, in order,
// once the connection is back. A daemon-side failure is a *ServerError.
func (e *Endpoint) SendRequest(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	if err := checkCall(req.Call); err != nil {
		return nil, err
	}
	if req.Call.IsSubscribe() || req.Call.IsUnsubscribe() {
		return nil, fmt.Errorf("%s: %w", req.Call, ErrSubscriptionCall)
	}
	return e.call(ctx, req)
}

// SendSubscriptionMessage attaches fn to the stream req subscribes to. The
// first subscriber of a stream triggers the upstream subscribe and waits for
// its acknowledgment; later subscribers share it without network traffic.
// The returned Subscription's Release is the only way to detach fn.
func (e *Endpoint) SendSubscriptionMessage(ctx context.Context, req protocol.Request, fn Handler) (*Subscription, error) {
	if err := checkCall(req.Call); err != nil {
		return nil, err
	}
	if !req.Call.IsSubscribe() {
		return nil, fmt.Errorf("%s: %w", req.Call, ErrNotSubscriptionCall)
	}
	if fn == nil {
		return nil, errors.New("endpoint: nil subscription handler")
	}
	if req.Args == nil {
		req.Args = []string{}
	}
	return e.subscribe(ctx, req, fn)
}

// Close tears the endpoint down: pending calls fail with ErrNotConnected,
// subscriptions are dropped and background goroutines are waited for. It
// must not be called from a Handler.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conn := e.shutdownLocked(fmt.Errorf("%w: endpoint closed", ErrNotConnected))
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	e.wg.Wait()

	e.pushOnce.Do(func() { close(e.pushStop) })
	<-e.pushDone
	e.eventsOnce.Do(func() { close(e.eventsStop) })
	<-e.eventsDone
	return nil
}

// shutdownLocked moves to StateClosed and fails everything in flight with
// err. It returns the connection the caller must close outside the lock.
func (e *Endpoint) shutdownLocked(err error) Conn {
	if e.state == StateClosed {
		return nil
	}
	e.setStateLocked(StateClosed)
	e.cancel()
	conn := e.conn
	e.conn = nil
	if e.connCancel != nil {
		e.connCancel()
	}
	drained := e.table.DrainAll(err)
	for _, q := range e.outbox {
		q.p.finish(callResult{err: err})
	}
	drained += len(e.outbox)
	e.outbox = nil
	cleared := e.subs.Clear(err)
	e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Closed (%d calls failed, %d subscriptions dropped)", e.id, drained, cleared))
	return conn
}

func checkCall(c protocol.Call) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCall, c)
	}
	if c.IsInternal() {
		return fmt.Errorf("%s: %w", c, ErrInternalCall)
	}
	return nil
}

func (e *Endpoint) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: %s -> %s", e.id, e.state, s))
	e.state = s
	if e.cfg.onStateChange == nil {
		return
	}
	e.events = append(e.events, s)
	select {
	case e.eventSig <- struct{}{}:
	default:
	}
}

// eventLoop delivers state transitions to the listener outside the lock.
func (e *Endpoint) eventLoop() {
	defer close(e.eventsDone)
	deliver := func() {
		e.mu.Lock()
		events := e.events
		e.events = nil
		e.mu.Unlock()
		for _, s := range events {
			e.cfg.onStateChange(s)
		}
	}
	for {
		select {
		case <-e.eventSig:
			deliver()
		case <-e.eventsStop:
			deliver()
			return
		}
	}
}
