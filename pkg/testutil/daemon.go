package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/daemonsim"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// DaemonServer combines a simulated daemon and its HTTP server for testing.
type DaemonServer struct {
	*daemonsim.Server
	HTTP  *httptest.Server
	WSURL string
}

// NewDaemonServer starts a daemonsim.Server behind an httptest.Server. The
// WebSocket endpoint is WSURL; both are torn down with the test.
func NewDaemonServer(t *testing.T, opts ...daemonsim.Option) *DaemonServer {
	t.Helper()

	finalOpts := append([]daemonsim.Option{daemonsim.WithLogger(DefaultLogger)}, opts...)
	d := daemonsim.New(finalOpts...)
	srv := httptest.NewServer(d.Router())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			t.Logf("daemon shutdown: %v", err)
		}
		srv.Close()
	})

	return &DaemonServer{Server: d, HTTP: srv, WSURL: wsURL}
}
