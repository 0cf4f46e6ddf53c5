package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
)

// EndpointOptions contains options for creating a test endpoint.
type EndpointOptions struct {
	Logger            bool // Use the default logger
	Username          string
	Password          string
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	Binary            bool
	Connect           bool // Run InitConnections before returning
	ConnectionTimeout time.Duration
}

// DefaultEndpointOptions returns the default options for creating a test
// endpoint.
func DefaultEndpointOptions() EndpointOptions {
	return EndpointOptions{
		Logger:            true,
		Username:          "admin",
		Password:          "s3cret",
		RequestTimeout:    2 * time.Second,
		ReconnectAttempts: 3,
		ReconnectMinDelay: 20 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
		Connect:           true,
		ConnectionTimeout: 2 * time.Second,
	}
}

// NewTestEndpoint creates an endpoint for urlStr with the default options,
// connected and closed with the test.
func NewTestEndpoint(t *testing.T, urlStr string, opts ...endpoint.Option) *endpoint.Endpoint {
	t.Helper()
	return NewTestEndpointWithOptions(t, urlStr, DefaultEndpointOptions(), opts...)
}

// NewTestEndpointWithOptions creates an endpoint with the specified options.
// Functional options are applied last.
func NewTestEndpointWithOptions(t *testing.T, urlStr string, options EndpointOptions, opts ...endpoint.Option) *endpoint.Endpoint {
	t.Helper()

	epOpts := endpoint.DefaultOptions()
	if options.Logger {
		epOpts.Logger = DefaultLogger
	}
	epOpts.Username = options.Username
	epOpts.Password = options.Password
	if options.RequestTimeout > 0 {
		epOpts.RequestTimeout = options.RequestTimeout
	}
	if options.ReconnectAttempts > 0 {
		epOpts.ReconnectAttempts = options.ReconnectAttempts
		epOpts.ReconnectDelayMin = options.ReconnectMinDelay
		epOpts.ReconnectDelayMax = options.ReconnectMaxDelay
	}
	epOpts.Binary = options.Binary

	ep := endpoint.NewWithOptions(urlStr, epOpts, opts...)
	t.Cleanup(func() {
		ep.Close()
	})

	if options.Connect {
		ctx, cancel := context.WithTimeout(context.Background(), options.ConnectionTimeout)
		defer cancel()
		if err := ep.InitConnections(ctx); err != nil {
			t.Fatalf("InitConnections(%s): %v", urlStr, err)
		}
	}
	return ep
}
