// pkg/daemonsim/options.go
package daemonsim

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientSendBuffer = 64
	defaultWriteTimeout     = 10 * time.Second
	defaultBusCapacity      = 64
	// slowClientDropLimit is how many pushes a connection may miss before it
	// is disconnected.
	slowClientDropLimit = 3
)

type serverConfig struct {
	logger           *slog.Logger
	acceptOptions    *websocket.AcceptOptions
	clientSendBuffer int
	writeTimeout     time.Duration
	pingInterval     time.Duration
	api              API
	auth             Authenticator
	bus              Bus
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *Server) {
		s.config.acceptOptions = opts
	}
}

// WithClientSendBuffer sets how many outgoing frames are buffered per
// connection.
func WithClientSendBuffer(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.config.clientSendBuffer = size
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.config.writeTimeout = timeout
		}
	}
}

// WithPingInterval enables WebSocket-level pings; zero disables them.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval >= 0 {
			s.config.pingInterval = interval
		}
	}
}

// WithAPI sets the implementation serving unary calls. The default is
// SampleAPI.
func WithAPI(api API) Option {
	return func(s *Server) {
		if api != nil {
			s.config.api = api
		}
	}
}

// WithAuthenticator sets how init credentials are checked. The default
// accepts any credentials.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) {
		if auth != nil {
			s.config.auth = auth
		}
	}
}

// WithBus sets the pub/sub bus. The caller keeps ownership; without this
// option the server creates and closes a MemoryBus.
func WithBus(bus Bus) Option {
	return func(s *Server) {
		if bus != nil {
			s.config.bus = bus
		}
	}
}
