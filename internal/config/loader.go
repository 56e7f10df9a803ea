package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Dynamic port scan range used when the configured port is 0.
const (
	DynamicPortMin = 40000
	DynamicPortMax = 49999
)

// ErrNoFreePort is returned when the whole dynamic range is bound.
var ErrNoFreePort = errors.New("no free port in dynamic range")

// InitViper points viper at the security file (explicit path wins) and wires
// MCPREPL_* environment overrides.
func InitViper(securityFile string) {
	if securityFile == "" {
		securityFile = SecurityFilePath()
	}
	viper.SetConfigFile(securityFile)
	viper.SetConfigType("json")

	// Environment variable support: MCPREPL_SERVER_LOG_LEVEL etc.
	viper.SetEnvPrefix("MCPREPL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// bindEnvKeys binds nested config keys so environment overrides work for
// keys absent from the file.
func bindEnvKeys() {
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.heartbeat_interval")
	_ = viper.BindEnv("server.heartbeat_timeout")
	_ = viper.BindEnv("server.outage_limit")
	_ = viper.BindEnv("server.reconnect_wait")
	_ = viper.BindEnv("server.session_idle_timeout")
	_ = viper.BindEnv("server.sse_poll_interval")
	_ = viper.BindEnv("server.dashboard_dir")
	_ = viper.BindEnv("launcher.command")
	_ = viper.BindEnv("launcher.log_dir")
	_ = viper.BindEnv("launcher.register_timeout")
	_ = viper.BindEnv("store.path")
	_ = viper.BindEnv("store.retention")
	_ = viper.BindEnv("store.disabled")
	_ = viper.BindEnv("observability.tracing")
}

// Load reads the security file, applies environment overrides and defaults,
// and validates the result. A missing security file is an error: the proxy
// never runs without an explicit security mode.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read security config %s: %w", viper.ConfigFileUsed(), err)
	}

	if err := checkPermissions(viper.ConfigFileUsed()); err != nil {
		return nil, err
	}

	var cfg Config
	// The security file's top-level keys map onto SecurityConfig.
	if err := viper.Unmarshal(&cfg.Security); err != nil {
		return nil, fmt.Errorf("failed to unmarshal security config: %w", err)
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// checkPermissions enforces 0600 on the security file (POSIX only; skipped
// on Windows where the mode bits are not meaningful).
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" || path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat security config: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("security config %s has permissions %04o, want 0600", path, perm)
	}
	return nil
}

// ResolvePort returns the listening port: the configured port as-is, or the
// first free port in the dynamic range when the configured port is 0.
func ResolvePort(cfg *SecurityConfig) (int, error) {
	if cfg.Port != 0 {
		return cfg.Port, nil
	}
	for port := DynamicPortMin; port <= DynamicPortMax; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, ErrNoFreePort
}

// WriteDefaultSecurityFile creates a lax-mode security file with restricted
// permissions. Used by `mcprepl start` on first run when none exists.
func WriteDefaultSecurityFile(path string) error {
	if err := os.MkdirAll(WorkspaceDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace config directory: %w", err)
	}
	body := []byte(`{
  "mode": "lax",
  "api_keys": [],
  "allowed_ips": [],
  "port": 0,
  "created_at": 0
}
`)
	return os.WriteFile(path, body, 0o600)
}
