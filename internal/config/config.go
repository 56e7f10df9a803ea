// Package config provides configuration loading for the mcprepl proxy.
//
// The proxy consumes one mandatory file, .mcprepl/security.json inside the
// workspace, plus environment overrides with the MCPREPL_ prefix. Everything
// else (timeouts, intervals, launcher command) has defaults that can be
// overridden through the same environment mechanism.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Security modes.
const (
	// ModeStrict requires a valid bearer token AND an allowlisted client IP.
	ModeStrict = "strict"
	// ModeRelaxed requires a valid bearer token from any client IP.
	ModeRelaxed = "relaxed"
	// ModeLax requires nothing but a loopback client IP.
	ModeLax = "lax"
)

// SecurityConfig mirrors .mcprepl/security.json. Consumed read-only.
type SecurityConfig struct {
	Mode       string   `json:"mode" mapstructure:"mode" validate:"required,oneof=strict relaxed lax"`
	APIKeys    []string `json:"api_keys" mapstructure:"api_keys" validate:"required_if=Mode strict,required_if=Mode relaxed"`
	AllowedIPs []string `json:"allowed_ips" mapstructure:"allowed_ips"`
	Port       int      `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	CreatedAt  int64    `json:"created_at" mapstructure:"created_at"`
}

// Config is the full runtime configuration of the proxy process.
type Config struct {
	Security SecurityConfig `mapstructure:"security"`

	Server        ServerConfig        `mapstructure:"server"`
	Launcher      LauncherConfig      `mapstructure:"launcher"`
	Store         StoreConfig         `mapstructure:"store"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig tunes the HTTP front and the background loops.
type ServerConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// HeartbeatInterval is the monitor tick. Default 1s.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout demotes a ready backend after this much silence. Default 30s.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// OutageLimit demotes a disconnected backend to stopped. Default 2m.
	OutageLimit time.Duration `mapstructure:"outage_limit"`
	// ReconnectWait bounds how long a buffered client is held. Default 60s.
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	// SessionIdleTimeout is the client-session reaper window. Default 1h.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	// SSEPollInterval is the event-stream poll period. Default 500ms.
	SSEPollInterval time.Duration `mapstructure:"sse_poll_interval"`
	// DashboardDir holds the prebuilt UI bundle; 404 when absent.
	DashboardDir string `mapstructure:"dashboard_dir"`
}

// LauncherConfig describes how to spawn a backend for start_julia_session.
// {project} in Args is replaced with the project path.
type LauncherConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// LogDir receives per-session log files. Default "logs".
	LogDir string `mapstructure:"log_dir"`
	// RegisterTimeout bounds the wait for backend self-registration. Default 30s.
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
}

// StoreConfig configures the durable event store.
type StoreConfig struct {
	// Path of the SQLite database. Default ".mcprepl/events.db".
	Path string `mapstructure:"path"`
	// Retention for persisted events. Default 30 days.
	Retention time.Duration `mapstructure:"retention"`
	// Disabled turns off durable persistence entirely.
	Disabled bool `mapstructure:"disabled"`
}

// ObservabilityConfig enables optional tracing.
type ObservabilityConfig struct {
	// Tracing emits OTLP-format spans to stdout when true.
	Tracing bool `mapstructure:"tracing"`
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = time.Second
	}
	if c.Server.HeartbeatTimeout == 0 {
		c.Server.HeartbeatTimeout = 30 * time.Second
	}
	if c.Server.OutageLimit == 0 {
		c.Server.OutageLimit = 2 * time.Minute
	}
	if c.Server.ReconnectWait == 0 {
		c.Server.ReconnectWait = 60 * time.Second
	}
	if c.Server.SessionIdleTimeout == 0 {
		c.Server.SessionIdleTimeout = time.Hour
	}
	if c.Server.SSEPollInterval == 0 {
		c.Server.SSEPollInterval = 500 * time.Millisecond
	}
	if c.Launcher.Command == "" {
		c.Launcher.Command = "julia"
		c.Launcher.Args = []string{"--project={project}", "-e", "using MCPRepl; MCPRepl.start!()"}
	}
	if c.Launcher.LogDir == "" {
		c.Launcher.LogDir = "logs"
	}
	if c.Launcher.RegisterTimeout == 0 {
		c.Launcher.RegisterTimeout = 30 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(WorkspaceDir(), "events.db")
	}
	if c.Store.Retention == 0 {
		c.Store.Retention = 30 * 24 * time.Hour
	}
}

// Validate checks the configuration using struct tags.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WorkspaceDir is the per-workspace configuration directory.
func WorkspaceDir() string {
	return ".mcprepl"
}

// SecurityFilePath is the location of the security configuration file.
func SecurityFilePath() string {
	return filepath.Join(WorkspaceDir(), "security.json")
}

// CacheDir returns ${XDG_CACHE_HOME:-~/.cache}/mcprepl, used for PID and
// proxy log files.
func CacheDir() string {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".cache")
		} else {
			base = os.TempDir()
		}
	}
	return filepath.Join(base, "mcprepl")
}

// PIDFilePath returns the PID file location for a proxy bound to port.
func PIDFilePath(port int) string {
	return filepath.Join(CacheDir(), fmt.Sprintf("proxy-%d.pid", port))
}

// ProxyLogPath returns the proxy process log file for a proxy bound to port.
func ProxyLogPath(port int) string {
	return filepath.Join(CacheDir(), fmt.Sprintf("proxy-%d.log", port))
}
