// Package config loads optional JSON configuration files for the streamer
// and listener CLIs. Fields are pointer-typed so a partial file only
// overrides what it names; the Get* accessors supply defaults for the rest.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/units"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// StreamerConfig configures the broadcast side.
type StreamerConfig struct {
	ListenAddr     *string  `json:"listen_addr,omitempty"`
	StatusAddr     *string  `json:"status_addr,omitempty"`
	RateHz         *float64 `json:"rate_hz,omitempty"`
	Mode           *string  `json:"mode,omitempty"`
	IncludeCameras *bool    `json:"include_cameras,omitempty"`
	QueueSize      *int     `json:"queue_size,omitempty"`
	WriteTimeout   *string  `json:"write_timeout,omitempty"` // duration string like "5s"
}

// GetListenAddr returns the broadcast bind address.
func (c *StreamerConfig) GetListenAddr() string {
	if c != nil && c.ListenAddr != nil {
		return *c.ListenAddr
	}
	return ":5555"
}

// GetStatusAddr returns the HTTP status server address, empty to disable.
func (c *StreamerConfig) GetStatusAddr() string {
	if c != nil && c.StatusAddr != nil {
		return *c.StatusAddr
	}
	return ""
}

// GetRateHz returns the target broadcast rate.
func (c *StreamerConfig) GetRateHz() float64 {
	if c != nil && c.RateHz != nil {
		return *c.RateHz
	}
	return 100.0
}

// GetMode returns the stream fidelity mode.
func (c *StreamerConfig) GetMode() mocap.Mode {
	if c != nil && c.Mode != nil {
		return mocap.Mode(*c.Mode)
	}
	return mocap.ModePose
}

// GetIncludeCameras reports whether camera-centroid blocks pass through.
func (c *StreamerConfig) GetIncludeCameras() bool {
	return c != nil && c.IncludeCameras != nil && *c.IncludeCameras
}

// GetQueueSize returns the per-subscriber queue capacity.
func (c *StreamerConfig) GetQueueSize() int {
	if c != nil && c.QueueSize != nil {
		return *c.QueueSize
	}
	return 32
}

// GetWriteTimeout returns the per-write socket deadline.
func (c *StreamerConfig) GetWriteTimeout() time.Duration {
	if c != nil && c.WriteTimeout != nil {
		if d, err := time.ParseDuration(*c.WriteTimeout); err == nil {
			return d
		}
	}
	return 5 * time.Second
}

// Validate checks field values without applying defaults.
func (c *StreamerConfig) Validate() error {
	if c.RateHz != nil && *c.RateHz <= 0 {
		return fmt.Errorf("rate_hz must be positive, got %v", *c.RateHz)
	}
	if c.Mode != nil {
		if _, err := mocap.ParseMode(*c.Mode); err != nil {
			return err
		}
	}
	if c.QueueSize != nil && *c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", *c.QueueSize)
	}
	if c.WriteTimeout != nil {
		if _, err := time.ParseDuration(*c.WriteTimeout); err != nil {
			return fmt.Errorf("invalid write_timeout: %w", err)
		}
	}
	return nil
}

// ListenerConfig configures the receiving side.
type ListenerConfig struct {
	Host             *string `json:"host,omitempty"`
	Port             *int    `json:"port,omitempty"`
	Units            *string `json:"units,omitempty"` // "mm" or "m"
	StaleDataTimeout *string `json:"stale_data_timeout,omitempty"`
	ReconnectDelay   *string `json:"reconnect_delay,omitempty"`
	ConnectTimeout   *string `json:"connect_timeout,omitempty"`
	RecordPath       *string `json:"record_path,omitempty"` // SQLite file, empty disables recording
}

// GetHost returns the broadcast server host.
func (c *ListenerConfig) GetHost() string {
	if c != nil && c.Host != nil {
		return *c.Host
	}
	return "localhost"
}

// GetPort returns the broadcast server port.
func (c *ListenerConfig) GetPort() int {
	if c != nil && c.Port != nil {
		return *c.Port
	}
	return 5555
}

// GetConvertToMeters reports whether positions are converted before caching.
func (c *ListenerConfig) GetConvertToMeters() bool {
	if c != nil && c.Units != nil {
		return *c.Units == units.Meters
	}
	return true
}

// GetStaleDataTimeout returns the freshness window.
func (c *ListenerConfig) GetStaleDataTimeout() time.Duration {
	if c != nil {
		return duration(c.StaleDataTimeout, 3*time.Second)
	}
	return 3 * time.Second
}

// GetReconnectDelay returns the pause between reconnect attempts.
func (c *ListenerConfig) GetReconnectDelay() time.Duration {
	if c != nil {
		return duration(c.ReconnectDelay, 2*time.Second)
	}
	return 2 * time.Second
}

// GetConnectTimeout returns the bound on one connect attempt.
func (c *ListenerConfig) GetConnectTimeout() time.Duration {
	if c != nil {
		return duration(c.ConnectTimeout, 5*time.Second)
	}
	return 5 * time.Second
}

// GetRecordPath returns the SQLite path for recording, empty to disable.
func (c *ListenerConfig) GetRecordPath() string {
	if c != nil && c.RecordPath != nil {
		return *c.RecordPath
	}
	return ""
}

func duration(s *string, fallback time.Duration) time.Duration {
	if s != nil {
		if d, err := time.ParseDuration(*s); err == nil {
			return d
		}
	}
	return fallback
}

// Validate checks field values without applying defaults.
func (c *ListenerConfig) Validate() error {
	if c.Port != nil && (*c.Port <= 0 || *c.Port > 65535) {
		return fmt.Errorf("port must be in 1..65535, got %d", *c.Port)
	}
	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("invalid units %q (valid: mm, m)", *c.Units)
	}
	for name, v := range map[string]*string{
		"stale_data_timeout": c.StaleDataTimeout,
		"reconnect_delay":    c.ReconnectDelay,
		"connect_timeout":    c.ConnectTimeout,
	} {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// LoadStreamerConfig loads a StreamerConfig from a JSON file.
func LoadStreamerConfig(path string) (*StreamerConfig, error) {
	cfg := &StreamerConfig{}
	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadListenerConfig loads a ListenerConfig from a JSON file.
func LoadListenerConfig(path string) (*ListenerConfig, error) {
	cfg := &ListenerConfig{}
	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadJSON(path string, into interface{}) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}
