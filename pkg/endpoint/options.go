// pkg/endpoint/options.go
package endpoint

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

const (
	defaultRequestTimeout    = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelayMin = 1 * time.Second
	defaultReconnectDelayMax = 30 * time.Second
)

type endpointConfig struct {
	logger            *slog.Logger
	username          string
	password          string
	reconnectAttempts int
	reconnectDelayMin time.Duration
	reconnectDelayMax time.Duration
	requestTimeout    time.Duration // <= 0 disables
	writeTimeout      time.Duration
	dialTimeout       time.Duration
	keepalive         time.Duration // <= 0 disables
	codec             protocol.Codec
	dialer            Dialer
	dialOptions       *websocket.DialOptions
	onConnectivityErr func(error)
	onStateChange     func(State)
}

func defaultConfig() endpointConfig {
	return endpointConfig{
		logger:            slog.Default(),
		reconnectAttempts: defaultReconnectAttempts,
		reconnectDelayMin: defaultReconnectDelayMin,
		reconnectDelayMax: defaultReconnectDelayMax,
		requestTimeout:    defaultRequestTimeout,
		writeTimeout:      defaultWriteTimeout,
		dialTimeout:       defaultDialTimeout,
		codec:             protocol.JSONCodec{},
	}
}

// Option configures an Endpoint.
type Option func(*endpointConfig)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *endpointConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCredentials sets what the handshake presents to the daemon. The
// password slot may carry a token instead.
func WithCredentials(username, password string) Option {
	return func(c *endpointConfig) {
		c.username = username
		c.password = password
	}
}

// WithReconnect sets the attempt budget shared by the initial connect and
// every reconnect cycle, and the backoff bounds between attempts.
// maxAttempts <= 0 keeps the default of 5.
func WithReconnect(maxAttempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *endpointConfig) {
		if maxAttempts > 0 {
			c.reconnectAttempts = maxAttempts
		}
		if minDelay > 0 {
			c.reconnectDelayMin = minDelay
		}
		if maxDelay > 0 {
			c.reconnectDelayMax = maxDelay
		}
		if c.reconnectDelayMax < c.reconnectDelayMin {
			c.reconnectDelayMax = c.reconnectDelayMin
		}
	}
}

// WithRequestTimeout bounds how long a call may stay unanswered. A timeout
// <= 0 leaves calls pending until they are answered or drained.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *endpointConfig) {
		c.requestTimeout = timeout
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *endpointConfig) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
	}
}

// WithDialTimeout bounds a single dial.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *endpointConfig) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithKeepaliveInterval enables a periodic ping call. A failed ping is
// handled like a broken socket.
func WithKeepaliveInterval(interval time.Duration) Option {
	return func(c *endpointConfig) {
		c.keepalive = interval
	}
}

// WithCodec selects the frame encoding. The msgpack codec switches the
// default WebSocket dialer to binary messages.
func WithCodec(codec protocol.Codec) Option {
	return func(c *endpointConfig) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithDialer replaces the WebSocket transport.
func WithDialer(d Dialer) Option {
	return func(c *endpointConfig) {
		c.dialer = d
	}
}

// WithDialOptions sets the options of the default WebSocket dialer.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *endpointConfig) {
		c.dialOptions = opts
	}
}

// WithConnectivityErrorHandler registers the callback told once about a
// terminal connectivity failure: an exhausted retry budget or a rejected
// handshake.
func WithConnectivityErrorHandler(fn func(error)) Option {
	return func(c *endpointConfig) {
		c.onConnectivityErr = fn
	}
}

// WithStateListener registers a callback for every state transition. It is
// called in transition order from a dedicated goroutine.
func WithStateListener(fn func(State)) Option {
	return func(c *endpointConfig) {
		c.onStateChange = fn
	}
}

// Options is the struct form of the functional options, for callers that
// build configuration from a file.
type Options struct {
	Logger            *slog.Logger
	Username          string
	Password          string
	ReconnectAttempts int
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	Binary            bool
	DialOptions       *websocket.DialOptions
	OnConnectivityErr func(error)
	OnStateChange     func(State)
}

// DefaultOptions returns Options populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelayMin: defaultReconnectDelayMin,
		ReconnectDelayMax: defaultReconnectDelayMax,
		RequestTimeout:    defaultRequestTimeout,
		WriteTimeout:      defaultWriteTimeout,
		DialTimeout:       defaultDialTimeout,
	}
}

func (o Options) options() []Option {
	var codec protocol.Codec = protocol.JSONCodec{}
	if o.Binary {
		codec = protocol.MsgpackCodec{}
	}
	return []Option{
		WithLogger(o.Logger),
		WithCredentials(o.Username, o.Password),
		WithReconnect(o.ReconnectAttempts, o.ReconnectDelayMin, o.ReconnectDelayMax),
		WithRequestTimeout(o.RequestTimeout),
		WithWriteTimeout(o.WriteTimeout),
		WithDialTimeout(o.DialTimeout),
		WithKeepaliveInterval(o.KeepaliveInterval),
		WithCodec(codec),
		WithDialOptions(o.DialOptions),
		WithConnectivityErrorHandler(o.OnConnectivityErr),
		WithStateListener(o.OnStateChange),
	}
}
