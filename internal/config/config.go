// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
)

// DefaultURL is the local debug console address of a Greengrass core.
const DefaultURL = "ws://localhost:1441/ws"

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Duration is a time.Duration written as "500ms", "10s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Reconnect is the [reconnect] table.
type Reconnect struct {
	Attempts int      `toml:"attempts"`
	MinDelay Duration `toml:"min_delay"`
	MaxDelay Duration `toml:"max_delay"`
}

// Config is the console configuration file.
type Config struct {
	URL            string    `toml:"url"`
	Username       string    `toml:"username"`
	Password       string    `toml:"password"`
	Binary         bool      `toml:"binary"`
	RequestTimeout Duration  `toml:"request_timeout"`
	Keepalive      Duration  `toml:"keepalive"`
	LogLevel       string    `toml:"log_level"`
	Reconnect      Reconnect `toml:"reconnect"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	opts := endpoint.DefaultOptions()
	return &Config{
		URL:            DefaultURL,
		RequestTimeout: Duration{opts.RequestTimeout},
		LogLevel:       "warn",
		Reconnect: Reconnect{
			Attempts: opts.ReconnectAttempts,
			MinDelay: Duration{opts.ReconnectDelayMin},
			MaxDelay: Duration{opts.ReconnectDelayMax},
		},
	}
}

// Dir returns the config directory ($XDG_CONFIG_HOME/ggconsole).
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ggconsole")
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".config", "ggconsole")
}

// File returns the default config file path.
func File() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the default config file.
func Load() (*Config, error) {
	return LoadFrom(File())
}

// LoadFrom reads the config file at path on top of Default. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parsing config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	cfg.URL = expandEnvVars(cfg.URL)
	cfg.Username = expandEnvVars(cfg.Username)
	cfg.Password = expandEnvVars(cfg.Password)
	return cfg, cfg.Validate()
}

// Validate reports settings the endpoint cannot use.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url %q: scheme must be ws or wss", c.URL)
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect.attempts must not be negative")
	}
	if c.Reconnect.MaxDelay.Duration > 0 && c.Reconnect.MinDelay.Duration > c.Reconnect.MaxDelay.Duration {
		return fmt.Errorf("reconnect.min_delay exceeds reconnect.max_delay")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// EndpointOptions maps the file onto endpoint options.
func (c *Config) EndpointOptions(logger *slog.Logger) endpoint.Options {
	opts := endpoint.DefaultOptions()
	if logger != nil {
		opts.Logger = logger
	}
	opts.Username = c.Username
	opts.Password = c.Password
	opts.Binary = c.Binary
	opts.RequestTimeout = c.RequestTimeout.Duration
	opts.KeepaliveInterval = c.Keepalive.Duration
	opts.ReconnectAttempts = c.Reconnect.Attempts
	if c.Reconnect.MinDelay.Duration > 0 {
		opts.ReconnectDelayMin = c.Reconnect.MinDelay.Duration
	}
	if c.Reconnect.MaxDelay.Duration > 0 {
		opts.ReconnectDelayMax = c.Reconnect.MaxDelay.Duration
	}
	return opts
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
