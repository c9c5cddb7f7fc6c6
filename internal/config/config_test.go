package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SooratiLab/vicon/internal/mocap"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStreamerConfigDefaults(t *testing.T) {
	var cfg *StreamerConfig // nil receiver gets all defaults

	if got := cfg.GetListenAddr(); got != ":5555" {
		t.Errorf("GetListenAddr() = %q", got)
	}
	if got := cfg.GetStatusAddr(); got != "" {
		t.Errorf("GetStatusAddr() = %q, want empty", got)
	}
	if got := cfg.GetRateHz(); got != 100.0 {
		t.Errorf("GetRateHz() = %v", got)
	}
	if got := cfg.GetMode(); got != mocap.ModePose {
		t.Errorf("GetMode() = %v", got)
	}
	if cfg.GetIncludeCameras() {
		t.Error("GetIncludeCameras() = true on empty config")
	}
	if got := cfg.GetQueueSize(); got != 32 {
		t.Errorf("GetQueueSize() = %d", got)
	}
	if got := cfg.GetWriteTimeout(); got != 5*time.Second {
		t.Errorf("GetWriteTimeout() = %v", got)
	}
}

func TestLoadStreamerConfigPartial(t *testing.T) {
	path := writeConfig(t, "streamer.json", `{
		"rate_hz": 50,
		"mode": "all",
		"write_timeout": "250ms"
	}`)

	cfg, err := LoadStreamerConfig(path)
	if err != nil {
		t.Fatalf("LoadStreamerConfig() error = %v", err)
	}
	if got := cfg.GetRateHz(); got != 50 {
		t.Errorf("GetRateHz() = %v", got)
	}
	if got := cfg.GetMode(); got != mocap.ModeAll {
		t.Errorf("GetMode() = %v", got)
	}
	if got := cfg.GetWriteTimeout(); got != 250*time.Millisecond {
		t.Errorf("GetWriteTimeout() = %v", got)
	}
	// Unnamed fields keep their defaults.
	if got := cfg.GetListenAddr(); got != ":5555" {
		t.Errorf("GetListenAddr() = %q", got)
	}
	if got := cfg.GetQueueSize(); got != 32 {
		t.Errorf("GetQueueSize() = %d", got)
	}
}

func TestLoadStreamerConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{"negative rate", `{"rate_hz": -10}`, "rate_hz"},
		{"bad mode", `{"mode": "everything"}`, "mode"},
		{"zero queue", `{"queue_size": 0}`, "queue_size"},
		{"bad timeout", `{"write_timeout": "soon"}`, "write_timeout"},
		{"bad json", `{whoops`, "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "bad.json", tt.content)
			_, err := LoadStreamerConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("error %q does not mention %q", err, tt.errPart)
			}
		})
	}
}

func TestListenerConfigDefaults(t *testing.T) {
	var cfg *ListenerConfig

	if got := cfg.GetHost(); got != "localhost" {
		t.Errorf("GetHost() = %q", got)
	}
	if got := cfg.GetPort(); got != 5555 {
		t.Errorf("GetPort() = %d", got)
	}
	if !cfg.GetConvertToMeters() {
		t.Error("GetConvertToMeters() = false, want meters by default")
	}
	if got := cfg.GetStaleDataTimeout(); got != 3*time.Second {
		t.Errorf("GetStaleDataTimeout() = %v", got)
	}
	if got := cfg.GetReconnectDelay(); got != 2*time.Second {
		t.Errorf("GetReconnectDelay() = %v", got)
	}
	if got := cfg.GetConnectTimeout(); got != 5*time.Second {
		t.Errorf("GetConnectTimeout() = %v", got)
	}
	if got := cfg.GetRecordPath(); got != "" {
		t.Errorf("GetRecordPath() = %q", got)
	}
}

func TestLoadListenerConfig(t *testing.T) {
	path := writeConfig(t, "listener.json", `{
		"host": "vicon.lab",
		"port": 6000,
		"units": "mm",
		"stale_data_timeout": "500ms",
		"record_path": "poses.db"
	}`)

	cfg, err := LoadListenerConfig(path)
	if err != nil {
		t.Fatalf("LoadListenerConfig() error = %v", err)
	}
	if got := cfg.GetHost(); got != "vicon.lab" {
		t.Errorf("GetHost() = %q", got)
	}
	if got := cfg.GetPort(); got != 6000 {
		t.Errorf("GetPort() = %d", got)
	}
	if cfg.GetConvertToMeters() {
		t.Error("GetConvertToMeters() = true with units mm")
	}
	if got := cfg.GetStaleDataTimeout(); got != 500*time.Millisecond {
		t.Errorf("GetStaleDataTimeout() = %v", got)
	}
	if got := cfg.GetRecordPath(); got != "poses.db" {
		t.Errorf("GetRecordPath() = %q", got)
	}
}

func TestLoadListenerConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"port too high", `{"port": 70000}`},
		{"port zero", `{"port": 0}`},
		{"unknown units", `{"units": "cm"}`},
		{"negative delay", `{"reconnect_delay": "-1s"}`},
		{"bad duration", `{"connect_timeout": "never"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "bad.json", tt.content)
			if _, err := LoadListenerConfig(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := writeConfig(t, "config.yaml", `{}`)
	if _, err := LoadStreamerConfig(path); err == nil {
		t.Fatal("expected extension error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadListenerConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected stat error")
	}
}
