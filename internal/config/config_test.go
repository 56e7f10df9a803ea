package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{Security: SecurityConfig{Mode: ModeLax}}
	cfg.SetDefaults()

	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Server.HeartbeatInterval != time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.HeartbeatTimeout != 30*time.Second {
		t.Errorf("HeartbeatTimeout = %v", cfg.Server.HeartbeatTimeout)
	}
	if cfg.Server.OutageLimit != 2*time.Minute {
		t.Errorf("OutageLimit = %v", cfg.Server.OutageLimit)
	}
	if cfg.Server.ReconnectWait != 60*time.Second {
		t.Errorf("ReconnectWait = %v", cfg.Server.ReconnectWait)
	}
	if cfg.Launcher.Command != "julia" {
		t.Errorf("Command = %q", cfg.Launcher.Command)
	}
	if len(cfg.Launcher.Args) == 0 || !strings.Contains(cfg.Launcher.Args[0], "{project}") {
		t.Errorf("Args = %v, want a {project} placeholder", cfg.Launcher.Args)
	}
	if cfg.Store.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v", cfg.Store.Retention)
	}
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Security: SecurityConfig{Mode: ModeLax},
		Server:   ServerConfig{HeartbeatTimeout: 5 * time.Second},
		Launcher: LauncherConfig{Command: "/opt/julia/bin/julia", Args: []string{"--project={project}"}},
	}
	cfg.SetDefaults()

	if cfg.Server.HeartbeatTimeout != 5*time.Second {
		t.Errorf("explicit HeartbeatTimeout overwritten: %v", cfg.Server.HeartbeatTimeout)
	}
	if cfg.Launcher.Command != "/opt/julia/bin/julia" {
		t.Errorf("explicit Command overwritten: %q", cfg.Launcher.Command)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"lax defaults", func(c *Config) {}, false},
		{"strict with key", func(c *Config) {
			c.Security.Mode = ModeStrict
			c.Security.APIKeys = []string{"k"}
		}, false},
		{"unknown mode", func(c *Config) { c.Security.Mode = "paranoid" }, true},
		{"empty mode", func(c *Config) { c.Security.Mode = "" }, true},
		{"strict without keys", func(c *Config) { c.Security.Mode = ModeStrict }, true},
		{"relaxed without keys", func(c *Config) { c.Security.Mode = ModeRelaxed }, true},
		{"port out of range", func(c *Config) { c.Security.Port = 70000 }, true},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Security: SecurityConfig{Mode: ModeLax}}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits not enforced on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "security.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := checkPermissions(path); err != nil {
		t.Errorf("0600 rejected: %v", err)
	}

	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := checkPermissions(path); err == nil {
		t.Error("0644 accepted")
	}
}

func TestResolvePortConfigured(t *testing.T) {
	port, err := ResolvePort(&SecurityConfig{Port: 8765})
	if err != nil || port != 8765 {
		t.Errorf("ResolvePort = %d, %v", port, err)
	}
}

func TestResolvePortDynamic(t *testing.T) {
	port, err := ResolvePort(&SecurityConfig{Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	if port < DynamicPortMin || port > DynamicPortMax {
		t.Errorf("dynamic port %d outside [%d, %d]", port, DynamicPortMin, DynamicPortMax)
	}
}

func TestWriteDefaultSecurityFile(t *testing.T) {
	t.Chdir(t.TempDir())

	path := SecurityFilePath()
	if err := WriteDefaultSecurityFile(path); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %04o, want 0600", info.Mode().Perm())
	}
	body, _ := os.ReadFile(path)
	if !strings.Contains(string(body), `"mode": "lax"`) {
		t.Errorf("default file missing lax mode: %s", body)
	}
}

func TestCacheDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-test")
	want := filepath.Join("/tmp/xdg-test", "mcprepl")
	if got := CacheDir(); got != want {
		t.Errorf("CacheDir = %q, want %q", got, want)
	}
	if got := PIDFilePath(4100); got != filepath.Join(want, "proxy-4100.pid") {
		t.Errorf("PIDFilePath = %q", got)
	}
}
