// pkg/daemonsim/server.go

// Package daemonsim is an in-process device daemon speaking the console wire
// protocol. It backs the integration tests and cmd/devdaemon.
package daemonsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// Server accepts console connections and serves the daemon's calls and pushes.
type Server struct {
	config  serverConfig
	ownsBus bool

	connsMu sync.RWMutex
	conns   map[string]*daemonConn

	mu        sync.Mutex
	accepting bool
	logs      []string
	calls     map[protocol.Call]int

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a Server.
func New(opts ...Option) *Server {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	s := &Server{
		config: serverConfig{
			clientSendBuffer: defaultClientSendBuffer,
			writeTimeout:     defaultWriteTimeout,
		},
		conns:        make(map[string]*daemonConn),
		accepting:    true,
		calls:        make(map[protocol.Call]int),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	s.config.logger = slog.Default()
	for _, opt := range opts {
		opt(s)
	}
	if s.config.acceptOptions == nil {
		s.config.acceptOptions = &websocket.AcceptOptions{}
	}
	if s.config.api == nil {
		s.config.api = SampleAPI()
	}
	if s.config.auth == nil {
		s.config.auth = AllowAll
	}
	if s.config.bus == nil {
		s.config.bus = NewMemoryBus(defaultBusCapacity, s.config.logger)
		s.ownsBus = true
	}
	s.config.logger.Info(fmt.Sprintf("Daemon: Initialized. Ping interval: %v, Client send buffer: %d", s.config.pingInterval, s.config.clientSendBuffer))
	return s
}

// API returns the implementation serving unary calls.
func (s *Server) API() API { return s.config.api }

// Bus returns the pub/sub bus.
func (s *Server) Bus() Bus { return s.config.bus }

// Router serves the WebSocket endpoint on "/" and "/ws" and a health check
// on "/healthz".
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.UpgradeHandler())
	r.HandleFunc("/", s.UpgradeHandler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.ConnectionCount(),
		"accepting":   s.Accepting(),
	})
}

// UpgradeHandler accepts one console connection per request.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			s.config.logger.Info("Daemon: Rejected connection, server shutting down.")
			return
		default:
		}
		if !s.Accepting() {
			http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
			s.config.logger.Info("Daemon: Rejected connection, not accepting.")
			return
		}

		ws, err := websocket.Accept(w, r, s.config.acceptOptions)
		if err != nil {
			s.config.logger.Info(fmt.Sprintf("Daemon: Failed to accept websocket connection: %v", err))
			return
		}

		ctx, cancel := context.WithCancel(s.mainCtx)
		dc := &daemonConn{
			id:     uuid.NewString(),
			ws:     ws,
			server: s,
			send:   make(chan protocol.Message, s.config.clientSendBuffer),
			ctx:    ctx,
			cancel: cancel,
			logger: s.config.logger,
			subs:   make(map[protocol.Key]*connSubscription),
		}

		s.addConn(dc)
		dc.logger.Info(fmt.Sprintf("Daemon: Client %s connected from %s", dc.id, r.RemoteAddr))

		go dc.writePump()
		go dc.readPump()
		if s.config.pingInterval > 0 {
			go dc.pingLoop()
		}
	}
}

func (s *Server) addConn(dc *daemonConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[dc.id] = dc
}

func (s *Server) removeConn(dc *daemonConn) {
	dc.cancel()

	s.connsMu.Lock()
	if _, exists := s.conns[dc.id]; !exists {
		s.connsMu.Unlock()
		return
	}
	delete(s.conns, dc.id)
	s.connsMu.Unlock()

	dc.dropSubscriptions()
	dc.ws.CloseNow()
	dc.logger.Info(fmt.Sprintf("Daemon: Client %s disconnected and removed.", dc.id))
}

func (s *Server) snapshotConns() []*daemonConn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*daemonConn, 0, len(s.conns))
	for _, dc := range s.conns {
		out = append(out, dc)
	}
	return out
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// SubscriberCount returns how many connections hold the subscription key.
func (s *Server) SubscriberCount(key protocol.Key) int {
	n := 0
	for _, dc := range s.snapshotConns() {
		if dc.subscribed(key) {
			n++
		}
	}
	return n
}

// DropConnections closes every connection abruptly and returns how many
// were open.
func (s *Server) DropConnections() int {
	conns := s.snapshotConns()
	for _, dc := range conns {
		dc.logger.Info(fmt.Sprintf("Daemon: Dropping client %s", dc.id))
		dc.ws.CloseNow()
	}
	return len(conns)
}

// SetAccepting controls whether new connections are upgraded; refused
// upgrades get 503.
func (s *Server) SetAccepting(accepting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepting = accepting
}

// Accepting reports whether new connections are upgraded.
func (s *Server) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

func (s *Server) countCall(call protocol.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call]++
}

// Calls returns how many times call was received across all connections.
func (s *Server) Calls(call protocol.Call) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[call]
}

// SetLogList replaces the advertised log names and pushes the new list.
func (s *Server) SetLogList(names []string) {
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	s.mu.Lock()
	s.logs = sorted
	s.mu.Unlock()
	s.PushLogList()
}

// LogList returns the advertised log names.
func (s *Server) LogList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.logs...)
}

// PushComponentList sends the component list to its subscribers.
func (s *Server) PushComponentList() error {
	list, err := s.config.api.Components(s.mainCtx)
	if err != nil {
		return err
	}
	return s.push(protocol.MessageComponentList, protocol.NewRequest(protocol.CallSubscribeToComponentList), "", list)
}

// PushDependencyGraph sends the dependency graph to its subscribers.
func (s *Server) PushDependencyGraph() error {
	graph, err := s.config.api.DependencyGraph(s.mainCtx)
	if err != nil {
		return err
	}
	return s.push(protocol.MessageDepsGraph, protocol.NewRequest(protocol.CallSubscribeToDependencyGraph), "", graph)
}

// PushComponentChange sends the current details of one component to its
// subscribers.
func (s *Server) PushComponentChange(name string) error {
	details, err := s.config.api.Component(s.mainCtx, name)
	if err != nil {
		return err
	}
	return s.push(protocol.MessageComponentChange, protocol.NewRequest(protocol.CallSubscribeToComponent, name), "", details)
}

// PushLogList sends the log list to its subscribers.
func (s *Server) PushLogList() error {
	return s.push(protocol.MessageLogList, protocol.NewRequest(protocol.CallSubscribeToLogList), "", s.LogList())
}

// PushLogLine sends one line of the named log to its subscribers.
func (s *Server) PushLogLine(name, line string) error {
	return s.push(protocol.MessageComponentLogs, protocol.NewRequest(protocol.CallSubscribeToComponentLogs, name), "", protocol.Log{Name: name, Log: line})
}

func (s *Server) push(t protocol.MessageType, sub protocol.Request, topic string, payload any) error {
	key := protocol.KeyOf(sub)
	msg, err := protocol.NewPushMessage(t, key, topic, payload)
	if err != nil {
		return err
	}
	n := 0
	for _, dc := range s.snapshotConns() {
		if dc.subscribed(key) {
			dc.trySend(msg)
			n++
		}
	}
	if n > 0 {
		s.config.logger.Debug(fmt.Sprintf("Daemon: Pushed %s for %s to %d clients", t, key, n))
	}
	return nil
}

// pushTo sends a snapshot to one connection if it holds the subscription.
func (s *Server) pushTo(dc *daemonConn, t protocol.MessageType, sub protocol.Request, payload any) error {
	key := protocol.KeyOf(sub)
	if !dc.subscribed(key) {
		return nil
	}
	msg, err := protocol.NewPushMessage(t, key, "", payload)
	if err != nil {
		return err
	}
	dc.trySend(msg)
	return nil
}

// Shutdown closes every connection and waits for them to be removed.
// Connections still open when ctx ends are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.mainCancel()
	s.shutdownOnce.Do(func() {
		s.config.logger.Info("Daemon: Initiating shutdown...")
		close(s.shutdownChan)
		for _, dc := range s.snapshotConns() {
			go dc.ws.Close(websocket.StatusGoingAway, "daemon shutting down")
		}
	})

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon shutdown: %d clients remaining: %w", s.ConnectionCount(), ctx.Err())
		case <-ticker.C:
		}
	}
	if s.ownsBus {
		if err := s.config.bus.Close(); err != nil && !errors.Is(err, ErrBusClosed) {
			return err
		}
	}
	s.config.logger.Info("Daemon: Shutdown complete.")
	return nil
}
