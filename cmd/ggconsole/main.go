// cmd/ggconsole/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/lightforgemedia/go-ggconsole/internal/config"
	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

const version = "0.3.0"

const usage = `Greengrass debug console client.

Usage:
    ggconsole [options] device
    ggconsole [options] components
    ggconsole [options] component <name>
    ggconsole [options] (start | stop | reinstall) <name>
    ggconsole [options] config get <name>
    ggconsole [options] config set <name> <file>
    ggconsole [options] deps
    ggconsole [options] logs
    ggconsole [options] tail <log>
    ggconsole [options] devices
    ggconsole [options] pub <topic> <message>
    ggconsole [options] sub <filter>...
    ggconsole -h | --help
    ggconsole --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    -c --config=<path>     Config file (default $XDG_CONFIG_HOME/ggconsole/config.toml).
    --url=<url>            Daemon WebSocket URL.
    -u --user=<user>       Username for the handshake.
    --password=<password>  Password; prompted for when a user is set without one.
    --binary               Use msgpack binary frames.
    --timeout=<duration>   Per-request timeout, e.g. 5s.
    -v --verbose           Log connection activity to stderr.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(run(opts, os.Stdout, os.Stderr))
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: level <= slog.LevelDebug,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return a
		},
	}))
}

// loadConfig reads the config file and applies the command line on top.
func loadConfig(opts docopt.Opts) (*config.Config, error) {
	path := config.File()
	if p, err := opts.String("--config"); err == nil && p != "" {
		path = p
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	if v, err := opts.String("--url"); err == nil && v != "" {
		cfg.URL = v
	}
	if v, err := opts.String("--user"); err == nil && v != "" {
		cfg.Username = v
	}
	if v, err := opts.String("--password"); err == nil && v != "" {
		cfg.Password = v
	}
	if v, _ := opts.Bool("--binary"); v {
		cfg.Binary = true
	}
	if v, err := opts.String("--timeout"); err == nil && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("--timeout: %w", err)
		}
		cfg.RequestTimeout = config.Duration{Duration: d}
	}
	if v, _ := opts.Bool("--verbose"); v {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

// promptPassword asks for the password on the terminal when a user is set
// without one.
func promptPassword(cfg *config.Config, stderr io.Writer) error {
	if cfg.Username == "" || cfg.Password != "" {
		return nil
	}
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return nil
	}
	fmt.Fprintf(stderr, "Password for %s: ", cfg.Username)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	cfg.Password = string(pw)
	return nil
}

func run(opts docopt.Opts, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "ggconsole: %v\n", err)
		return 2
	}
	if err := promptPassword(cfg, stderr); err != nil {
		fmt.Fprintf(stderr, "ggconsole: %v\n", err)
		return 1
	}
	level, _ := cfg.Level()
	logger := newLogger(stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// connectivity loss ends streaming commands and is reported once
	var reportOnce sync.Once
	epOpts := cfg.EndpointOptions(logger)
	epOpts.OnConnectivityErr = func(err error) {
		reportOnce.Do(func() {
			fmt.Fprintf(stderr, "ggconsole: connection to %s failed: %v\n", cfg.URL, err)
		})
		stop()
	}
	ep := endpoint.NewWithOptions(cfg.URL, epOpts)
	defer ep.Close()

	if err := ep.InitConnections(ctx); err != nil {
		reportOnce.Do(func() {
			fmt.Fprintf(stderr, "ggconsole: connecting to %s: %v\n", cfg.URL, err)
		})
		return 1
	}

	c := newConsole(ep, stdout, logger)
	if err := dispatch(ctx, c, opts); err != nil {
		fmt.Fprintf(stderr, "ggconsole: %v\n", err)
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, c *console, opts docopt.Opts) error {
	is := func(cmd string) bool {
		v, _ := opts.Bool(cmd)
		return v
	}
	arg := func(name string) string {
		v, _ := opts.String(name)
		return v
	}

	switch {
	case is("device"):
		return c.device(ctx)
	case is("components"):
		return c.components(ctx)
	case is("component"):
		return c.component(ctx, arg("<name>"))
	case is("start"):
		return c.lifecycle(ctx, protocol.CallStartComponent, arg("<name>"))
	case is("stop"):
		return c.lifecycle(ctx, protocol.CallStopComponent, arg("<name>"))
	case is("reinstall"):
		return c.lifecycle(ctx, protocol.CallReinstallComponent, arg("<name>"))
	case is("config") && is("get"):
		return c.configGet(ctx, arg("<name>"))
	case is("config") && is("set"):
		doc, err := os.ReadFile(arg("<file>"))
		if err != nil {
			return err
		}
		return c.configSet(ctx, arg("<name>"), doc)
	case is("deps"):
		return c.deps(ctx)
	case is("logs"):
		return c.logs(ctx)
	case is("tail"):
		return c.tail(ctx, arg("<log>"))
	case is("devices"):
		return c.devices(ctx)
	case is("pub"):
		return c.publish(ctx, arg("<topic>"), arg("<message>"))
	case is("sub"):
		filters, _ := opts["<filter>"].([]string)
		return c.sub(ctx, filters)
	}
	return fmt.Errorf("no command given")
}
