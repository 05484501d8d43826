package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/nodelink/logging"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Backend != BackendLocal {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendLocal)
	}
	if cfg.Hub.Listen != ":8740" {
		t.Errorf("Hub.Listen = %q, want :8740", cfg.Hub.Listen)
	}
	if cfg.RequestTimeout.Duration != 0 {
		t.Errorf("RequestTimeout = %v, want 0", cfg.RequestTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodelink.toml")
	content := `
node_id = "alice"
backend = "websocket"
request_timeout = "30s"
log_level = "debug"

[websocket]
url = "ws://hub:9000/x"
ping_interval = "15s"
max_message_size = 2048

[hub]
listen = ":9000"
path = "/x"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	if cfg.NodeID != "alice" {
		t.Errorf("NodeID = %q, want alice", cfg.NodeID)
	}
	if cfg.RequestTimeout.Duration != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.Level() != logging.LevelDebug {
		t.Errorf("Level() = %v, want DEBUG", cfg.Level())
	}

	ws := cfg.WebSocket.ConnectionConfig()
	if ws.PingInterval != 15*time.Second {
		t.Errorf("PingInterval = %v, want 15s", ws.PingInterval)
	}
	if ws.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize = %d, want 2048", ws.MaxMessageSize)
	}
	// Unset keys keep their defaults.
	if ws.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", ws.WriteTimeout)
	}
	if cfg.NATS.SubjectPrefix != "nodelink" {
		t.Errorf("NATS.SubjectPrefix = %q, want nodelink", cfg.NATS.SubjectPrefix)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse_NATS(t *testing.T) {
	cfg, err := Parse(`
backend = "nats"
[nats]
url = "nats://broker:4222"
subject_prefix = "lab"
route_timeout = "500ms"
`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	nc := cfg.NATS.ConnectionConfig()
	if nc.URL != "nats://broker:4222" {
		t.Errorf("URL = %q", nc.URL)
	}
	if nc.SubjectPrefix != "lab" {
		t.Errorf("SubjectPrefix = %q, want lab", nc.SubjectPrefix)
	}
	if nc.RouteTimeout != 500*time.Millisecond {
		t.Errorf("RouteTimeout = %v, want 500ms", nc.RouteTimeout)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown backend", `backend = "carrier-pigeon"`, "unknown backend"},
		{"unknown key", `colour = "blue"`, "unknown keys: colour"},
		{"bad duration", `request_timeout = "soon"`, "parse config"},
		{"negative timeout", `request_timeout = "-1s"`, "must not be negative"},
		{"bad level", `log_level = "loud"`, "unknown log level"},
		{"empty ws url", "backend = \"websocket\"\n[websocket]\nurl = \"\"", "websocket.url"},
		{"relative hub path", "[hub]\npath = \"x\"", "hub.path"},
		{"not toml", `= nope`, "parse config"},
	}

	for _, tt := range tests {
		_, err := Parse(tt.content)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error = %q, want it to contain %q", tt.name, err, tt.want)
		}
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText error: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 1m30s", d.Duration)
	}
	out, _ := d.MarshalText()
	if string(out) != "1m30s" {
		t.Errorf("MarshalText = %q, want 1m30s", out)
	}
}
