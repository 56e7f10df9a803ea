package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mcprepl/mcprepl/internal/adapter/inbound/http"
	"github.com/mcprepl/mcprepl/internal/adapter/outbound/sqlite"
	"github.com/mcprepl/mcprepl/internal/config"
	"github.com/mcprepl/mcprepl/internal/domain/event"
	"github.com/mcprepl/mcprepl/internal/port/outbound"
	"github.com/mcprepl/mcprepl/internal/service"
)

// Exit codes. The wrapper scripts distinguish these.
const (
	exitAlreadyRunning = 1
	exitConfigError    = 2
	exitBindError      = 3
)

var (
	startPort       int
	startBackground bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long: `Start the mcprepl proxy in the current workspace.

On first start a default .mcprepl/security.json is created in lax mode
(loopback-only, no credentials). The proxy binds 127.0.0.1 on the
configured port, or scans 40000-49999 when the port is 0.

Examples:
  # Start in the foreground
  mcprepl start

  # Start detached, logging to the cache directory
  mcprepl start --background

  # Force a specific port
  mcprepl start --port 41234`,
	Run: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startPort, "port", -1, "override the configured port (0 picks a free one)")
	startCmd.Flags().BoolVar(&startBackground, "background", false, "run detached from the terminal")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) {
	secPath := securityFile
	if secPath == "" {
		secPath = config.SecurityFilePath()
	}
	if _, err := os.Stat(secPath); os.IsNotExist(err) {
		if err := config.WriteDefaultSecurityFile(secPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", secPath, err)
			os.Exit(exitConfigError)
		}
		fmt.Fprintf(os.Stderr, "created %s (lax mode, loopback only)\n", secPath)
		config.InitViper(secPath)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}
	if startPort >= 0 {
		cfg.Security.Port = startPort
	}

	port, err := config.ResolvePort(&cfg.Security)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot bind a port: %v\n", err)
		os.Exit(exitBindError)
	}

	pidPath := config.PIDFilePath(port)
	if pid := readPIDFile(pidPath); pid != 0 {
		if proc, err := os.FindProcess(pid); err == nil && processIsAlive(proc) {
			fmt.Fprintf(os.Stderr, "proxy already running on port %d (PID %d)\n", port, pid)
			os.Exit(exitAlreadyRunning)
		}
		_ = os.Remove(pidPath)
	}

	if startBackground {
		if err := spawnBackground(port); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start in background: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("proxy starting on http://127.0.0.1:%d (log: %s)\n", port, config.ProxyLogPath(port))
		return
	}

	if err := run(cfg, port, pidPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.Contains(err.Error(), "bind") || strings.Contains(err.Error(), "address already in use") {
			os.Exit(exitBindError)
		}
		os.Exit(1)
	}
}

// run wires the proxy and serves until a signal or a dashboard lifecycle
// action stops it.
func run(cfg *config.Config, port int, pidPath string) error {
	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	// A dashboard-initiated shutdown or restart cancels the same context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Observability.Tracing {
		shutdownTracing, err := setupTracing()
		if err != nil {
			logger.Warn("tracing setup failed", "error", err)
		} else {
			defer shutdownTracing()
			logger.Info("tracing enabled", "exporter", "stdout")
		}
	}

	var store outbound.AuditStore
	var sink event.Sink
	if !cfg.Store.Disabled {
		es, err := sqlite.Open(ctx, cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("opening event store: %w", err)
		}
		defer func() { _ = es.Close() }()
		es.StartCleanup(ctx, cfg.Store.Retention)
		store = es
		sink = es
		logger.Info("event store open", "path", cfg.Store.Path, "retention", cfg.Store.Retention)
	} else {
		logger.Info("event store disabled; events are in-memory only")
	}

	proxy := service.NewProxy(cfg, port, store, sink, logger)

	monitor := service.NewHeartbeatMonitor(proxy, logger)
	go monitor.Run(ctx)
	proxy.Sessions.StartReaper(ctx, cfg.Server.SessionIdleTimeout/4)

	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	var restartRequested atomic.Bool
	transport := http.NewTransport(proxy,
		http.WithVersion(Version),
		http.WithLogLevel(logLevel),
		http.WithLogger(logger),
		http.WithLifecycle(func(action string) {
			if action == "restart" {
				restartRequested.Store(true)
			}
			cancel()
		}),
	)

	logger.Info("mcprepl starting",
		"version", Version,
		"port", port,
		"mode", cfg.Security.Mode,
		"store_disabled", cfg.Store.Disabled,
	)
	fmt.Fprintf(os.Stderr, "MCP endpoint:  http://127.0.0.1:%d/\n", port)
	fmt.Fprintf(os.Stderr, "Dashboard:     http://127.0.0.1:%d/dashboard\n", port)

	err := transport.Start(ctx)
	proxy.Bus.Close()

	if restartRequested.Load() {
		logger.Info("restart requested, re-executing")
		os.Remove(pidPath)
		return reexec()
	}
	if err != nil {
		return err
	}
	logger.Info("mcprepl stopped")
	return nil
}

// spawnBackground re-executes this binary detached, with output redirected
// to the per-port proxy log.
func spawnBackground(port int) error {
	logPath := config.ProxyLogPath(port)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"start", "--port", strconv.Itoa(port)}
	if securityFile != "" {
		args = append(args, "--security-file", securityFile)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detachChild(child)
	return child.Start()
}

// reexec replaces this process with a fresh copy of itself, preserving the
// original arguments minus --background.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--background" {
			continue
		}
		args = append(args, a)
	}
	child := exec.Command(exe, args...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Stdin = os.Stdin
	return child.Start()
}

// setupTracing installs a stdout span exporter and returns its shutdown.
func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// readPIDFile returns the PID stored at path, or 0.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
