// cmd/devdaemon/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/lightforgemedia/go-ggconsole/pkg/daemonsim"
)

const version = "0.3.0"

const usage = `Local Greengrass debug console daemon for manual testing.

Usage:
    devdaemon [options]
    devdaemon token <user> --token-secret=<secret> [--issuer=<issuer>] [--ttl=<ttl>]
    devdaemon -h | --help
    devdaemon --version

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    -a --addr=<addr>          Listen address [default: localhost:1441].
    --fixture=<file>          YAML fixture describing the device and its components.
    --nats-url=<url>          Route pub/sub topics through a NATS server.
    --nats-prefix=<prefix>    Subject prefix on the NATS server [default: ggconsole].
    --log-dir=<dir>           Directory of *.log files served as component logs.
    --user=<user>             Require this username.
    --password=<password>     Require this password.
    --token-secret=<secret>   Accept HS256 tokens signed with this secret as the password.
    --issuer=<issuer>         Token issuer [default: devdaemon].
    --ttl=<ttl>               Token lifetime [default: 24h].
    --heartbeat=<interval>    Publish a heartbeat on local/heartbeat at this interval.
    -v --verbose              Debug logging.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if tok, _ := opts.Bool("token"); tok {
		if err := printToken(opts); err != nil {
			fmt.Fprintf(os.Stderr, "devdaemon: %v\n", err)
			os.Exit(1)
		}
		return
	}

	level := slog.LevelInfo
	if v, _ := opts.Bool("--verbose"); v {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				src := a.Value.Any().(*slog.Source)
				a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	if err := serve(opts, logger); err != nil {
		logger.Error("devdaemon failed", "error", err)
		os.Exit(1)
	}
}

func printToken(opts docopt.Opts) error {
	user, _ := opts.String("<user>")
	secret, _ := opts.String("--token-secret")
	issuer, _ := opts.String("--issuer")
	ttlText, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlText)
	if err != nil {
		return fmt.Errorf("--ttl: %w", err)
	}
	token, err := daemonsim.TokenAuthenticator{Secret: []byte(secret), Issuer: issuer}.IssueToken(user, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// daemon is a configured simulator plus the resources it owns.
type daemon struct {
	server    *daemonsim.Server
	tailer    *daemonsim.LogTailer
	bus       daemonsim.Bus
	heartbeat time.Duration
}

// build assembles the simulator from the command line.
func build(opts docopt.Opts, logger *slog.Logger) (*daemon, error) {
	d := &daemon{}
	simOpts := []daemonsim.Option{daemonsim.WithLogger(logger)}

	if path, err := opts.String("--fixture"); err == nil && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		api, err := daemonsim.LoadFixture(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("fixture %s: %w", path, err)
		}
		simOpts = append(simOpts, daemonsim.WithAPI(api))
	}

	auth, err := authenticator(opts)
	if err != nil {
		return nil, err
	}
	simOpts = append(simOpts, daemonsim.WithAuthenticator(auth))

	if natsURL, err := opts.String("--nats-url"); err == nil && natsURL != "" {
		prefix, _ := opts.String("--nats-prefix")
		bus, err := daemonsim.NewNATSBus(daemonsim.NATSOptions{URL: natsURL, Prefix: prefix, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		d.bus = bus
		simOpts = append(simOpts, daemonsim.WithBus(bus))
	}

	if v, err := opts.String("--heartbeat"); err == nil && v != "" {
		d.heartbeat, err = time.ParseDuration(v)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("--heartbeat: %w", err)
		}
	}

	d.server = daemonsim.New(simOpts...)

	if dir, err := opts.String("--log-dir"); err == nil && dir != "" {
		d.tailer, err = daemonsim.NewLogTailer(d.server, dir)
		if err != nil {
			d.close()
			return nil, err
		}
		if err := d.tailer.Start(); err != nil {
			d.close()
			return nil, fmt.Errorf("log dir %s: %w", dir, err)
		}
	}
	return d, nil
}

func authenticator(opts docopt.Opts) (daemonsim.Authenticator, error) {
	user, _ := opts.String("--user")
	password, _ := opts.String("--password")
	secret, _ := opts.String("--token-secret")
	switch {
	case secret != "" && password != "":
		return nil, errors.New("--password and --token-secret are exclusive")
	case secret != "":
		issuer, _ := opts.String("--issuer")
		return daemonsim.TokenAuthenticator{Secret: []byte(secret), Issuer: issuer}, nil
	case user != "" || password != "":
		return daemonsim.StaticCredentials{Username: user, Password: password}, nil
	}
	return daemonsim.AllowAll, nil
}

// close releases what build acquired besides the server itself.
func (d *daemon) close() {
	if d.tailer != nil {
		d.tailer.Stop()
	}
	if d.bus != nil {
		d.bus.Close()
	}
}

// beat publishes a heartbeat until ctx ends.
func (d *daemon) beat(ctx context.Context, logger *slog.Logger) {
	if d.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := d.server.Bus().Publish("local/heartbeat", []byte(t.UTC().Format(time.RFC3339))); err != nil {
				logger.Warn("devdaemon: heartbeat publish failed", "error", err)
			}
		}
	}
}

func serve(opts docopt.Opts, logger *slog.Logger) error {
	d, err := build(opts, logger)
	if err != nil {
		return err
	}
	defer d.close()

	addr, _ := opts.String("--addr")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.beat(ctx, logger)

	logger.Info("devdaemon listening", "address", "ws://"+addr+"/ws")
	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down...", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("daemon shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("devdaemon stopped")
	return nil
}
