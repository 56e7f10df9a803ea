package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
)

// registerPollInterval is how often the launcher checks the registry while
// waiting for a freshly spawned backend to call proxy/register.
const registerPollInterval = 100 * time.Millisecond

// logTailBytes is how much of the session log a failed launch reports back.
const logTailBytes = 500

// Launcher spawns Julia backend processes and waits for them to register.
// The spawned process is told where the proxy listens and registers itself;
// the launcher only watches the registry for the session id to appear ready.
type Launcher struct {
	proxy  *Proxy
	logger *slog.Logger
}

// NewLauncher creates the launcher.
func NewLauncher(p *Proxy, logger *slog.Logger) *Launcher {
	return &Launcher{proxy: p, logger: logger}
}

// Start spawns a backend for the named session rooted at project and blocks
// until it registers as ready or the register timeout passes. The child is
// detached from the proxy's lifetime; stopping the proxy does not stop it.
func (l *Launcher) Start(ctx context.Context, name, project string) (backend.Snapshot, error) {
	cfg := l.proxy.Cfg.Launcher

	project, err := expandPath(project)
	if err != nil {
		return backend.Snapshot{}, err
	}
	if _, err := os.Stat(filepath.Join(project, "Project.toml")); err != nil {
		return backend.Snapshot{}, fmt.Errorf("%s does not look like a Julia project (no Project.toml)", project)
	}

	logPath, logFile, err := l.openLog(name)
	if err != nil {
		return backend.Snapshot{}, err
	}

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = strings.ReplaceAll(a, "{project}", project)
	}

	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = project
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PROXY_PORT=%d", l.proxy.Port),
		fmt.Sprintf("MCPREPL_SESSION_NAME=%s", name),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return backend.Snapshot{}, fmt.Errorf("spawning %s: %w", cfg.Command, err)
	}
	pid := cmd.Process.Pid
	l.logger.Info("spawned backend process", "session", name, "pid", pid, "project", project, "log", logPath)

	// Reap the child when it exits so it never zombies; the registry, not
	// the process handle, tracks the session from here on.
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	snap, err := l.awaitRegistration(ctx, name, cfg.RegisterTimeout)
	if err != nil {
		tail := tailFile(logPath, logTailBytes)
		if tail != "" {
			return backend.Snapshot{}, fmt.Errorf("%w; last output:\n%s", err, tail)
		}
		return backend.Snapshot{}, err
	}
	return snap, nil
}

// awaitRegistration polls the registry until the session shows up ready.
func (l *Launcher) awaitRegistration(ctx context.Context, name string, timeout time.Duration) (backend.Snapshot, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(registerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.Snapshot{}, ctx.Err()
		case <-deadline.C:
			return backend.Snapshot{}, fmt.Errorf("session %q did not register within %s", name, timeout)
		case <-ticker.C:
			if snap, ok := l.proxy.Registry.Get(name); ok && snap.Status == backend.StatusReady {
				return snap, nil
			}
		}
	}
}

// openLog creates the per-session log file under the launcher log directory.
func (l *Launcher) openLog(name string) (string, *os.File, error) {
	dir := l.proxy.Cfg.Launcher.LogDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session_%s_%d.log", name, time.Now().Unix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("creating session log: %w", err)
	}
	return path, f, nil
}

// expandPath resolves a leading ~ and makes the path absolute.
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// tailFile returns up to n bytes from the end of the file, trimmed to whole
// lines where possible.
func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	s := string(buf)
	if offset > 0 {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	return strings.TrimRight(s, "\n")
}
