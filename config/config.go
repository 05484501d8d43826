// Package config loads nodelink configuration from TOML.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/nodelink/connection"
	"github.com/vinayprograms/nodelink/logging"
)

// Backends a node can use to reach other nodes.
const (
	BackendLocal     = "local"
	BackendWebSocket = "websocket"
	BackendNATS      = "nats"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete configuration of a nodelink process.
type Config struct {
	NodeID         string   `toml:"node_id"`
	Backend        string   `toml:"backend"`
	RequestTimeout Duration `toml:"request_timeout"`
	LogLevel       string   `toml:"log_level"`

	WebSocket WebSocket `toml:"websocket"`
	NATS      NATS      `toml:"nats"`
	Hub       Hub       `toml:"hub"`
}

// WebSocket configures the websocket backend.
type WebSocket struct {
	URL            string   `toml:"url"`
	PingInterval   Duration `toml:"ping_interval"`
	WriteTimeout   Duration `toml:"write_timeout"`
	MaxMessageSize int64    `toml:"max_message_size"`
}

// NATS configures the nats backend.
type NATS struct {
	URL           string   `toml:"url"`
	Name          string   `toml:"name"`
	SubjectPrefix string   `toml:"subject_prefix"`
	RouteTimeout  Duration `toml:"route_timeout"`
}

// Hub configures the websocket hub.
type Hub struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	ws := connection.DefaultWebSocketConfig()
	nc := connection.DefaultNATSConfig()
	return &Config{
		Backend:  BackendLocal,
		LogLevel: "info",
		WebSocket: WebSocket{
			URL:            "ws://localhost:8740/nodelink",
			PingInterval:   Duration{ws.PingInterval},
			WriteTimeout:   Duration{ws.WriteTimeout},
			MaxMessageSize: ws.MaxMessageSize,
		},
		NATS: NATS{
			URL:           nc.URL,
			SubjectPrefix: nc.SubjectPrefix,
			RouteTimeout:  Duration{nc.RouteTimeout},
		},
		Hub: Hub{
			Listen: ":8740",
			Path:   "/nodelink",
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes content on top of Default and validates the result.
// Unknown keys are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
	case BackendWebSocket:
		if c.WebSocket.URL == "" {
			return fmt.Errorf("config: websocket.url is required for the websocket backend")
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("config: nats.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q (want %s, %s or %s)",
			c.Backend, BackendLocal, BackendWebSocket, BackendNATS)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RequestTimeout.Duration < 0 {
		return fmt.Errorf("config: request_timeout must not be negative")
	}
	if c.Hub.Path != "" && !strings.HasPrefix(c.Hub.Path, "/") {
		return fmt.Errorf("config: hub.path must start with /")
	}
	return nil
}

// Level returns the parsed log level. It assumes Validate passed.
func (c *Config) Level() logging.Level {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

// ConnectionConfig converts the section to the connection package's form.
func (w WebSocket) ConnectionConfig() connection.WebSocketConfig {
	cfg := connection.DefaultWebSocketConfig()
	cfg.PingInterval = w.PingInterval.Duration
	if w.WriteTimeout.Duration > 0 {
		cfg.WriteTimeout = w.WriteTimeout.Duration
	}
	if w.MaxMessageSize > 0 {
		cfg.MaxMessageSize = w.MaxMessageSize
	}
	return cfg
}

// ConnectionConfig converts the section to the connection package's form.
func (n NATS) ConnectionConfig() connection.NATSConfig {
	cfg := connection.DefaultNATSConfig()
	cfg.URL = n.URL
	cfg.Name = n.Name
	if n.SubjectPrefix != "" {
		cfg.SubjectPrefix = n.SubjectPrefix
	}
	if n.RouteTimeout.Duration > 0 {
		cfg.RouteTimeout = n.RouteTimeout.Duration
	}
	return cfg
}
