// Package config loads daemon configuration: defaults, then an optional
// TOML file, then PRISE_-prefixed environment variables, strongest last.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration.
type Config struct {
	Socket  SocketConfig
	PTY     PTYConfig
	Render  RenderConfig
	Daemon  DaemonConfig
	Metrics MetricsConfig
	Logging LogConfig
}

// SocketConfig holds the listening socket configuration.
type SocketConfig struct {
	// Path of the unix stream socket. Empty means /tmp/prise-<uid>.sock.
	Path string `envconfig:"SOCKET_PATH" toml:"path"`
}

// PTYConfig holds session spawn defaults.
type PTYConfig struct {
	// Shell overrides the command spawned under new PTYs. Empty means
	// the user's login shell.
	Shell string `envconfig:"SHELL_OVERRIDE" toml:"shell"`
	Rows  uint16 `envconfig:"DEFAULT_ROWS" toml:"rows"`
	Cols  uint16 `envconfig:"DEFAULT_COLS" toml:"cols"`
}

// RenderConfig holds frame scheduling configuration.
type RenderConfig struct {
	// FrameInterval is the minimum time between redraw notifications
	// per session.
	FrameInterval time.Duration `envconfig:"FRAME_INTERVAL" toml:"frame_interval"`
}

// DaemonConfig holds process lifecycle configuration.
type DaemonConfig struct {
	// ExitOnIdle stops the daemon when the last client disconnects.
	ExitOnIdle bool   `envconfig:"EXIT_ON_IDLE" toml:"exit_on_idle"`
	PidFile    string `envconfig:"PID_FILE" toml:"pid_file"`
}

// MetricsConfig holds the optional Prometheus listener configuration.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables it.
	Addr string `envconfig:"METRICS_ADDR" toml:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
	File        string `envconfig:"LOG_FILE" toml:"file"`
}

// Load builds the configuration. path names a TOML file and may be empty;
// a missing file is only an error when the path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Sections are processed one by one so each variable reads as
	// PRISE_<tag> (PRISE_SOCKET_PATH, PRISE_LOG_LEVEL); processing the
	// whole struct would prefix the section name as well.
	sections := []any{&cfg.Socket, &cfg.PTY, &cfg.Render, &cfg.Daemon, &cfg.Metrics, &cfg.Logging}
	for _, section := range sections {
		if err := envconfig.Process("PRISE", section); err != nil {
			return nil, fmt.Errorf("process env: %w", err)
		}
	}

	if cfg.Socket.Path == "" {
		cfg.Socket.Path = DefaultSocketPath()
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PTY:     PTYConfig{Rows: 24, Cols: 80},
		Render:  RenderConfig{FrameInterval: 8 * time.Millisecond},
		Logging: LogConfig{Level: "info"},
	}
}

// DefaultSocketPath returns /tmp/prise-<uid>.sock.
func DefaultSocketPath() string {
	return fmt.Sprintf("/tmp/prise-%d.sock", os.Getuid())
}
