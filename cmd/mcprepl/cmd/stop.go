package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcprepl/mcprepl/internal/config"
)

var stopPort int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running proxy",
	Long: `Stop a running mcprepl proxy by reading its PID file and sending SIGTERM.

PID files live in the cache directory, one per port. With a single running
proxy no flags are needed; with several, pass --port.

Examples:
  # Stop the only running proxy
  mcprepl stop

  # Stop the proxy on a specific port
  mcprepl stop --port 41234`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopPort, "port", 0, "port of the proxy to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath, port, err := findPIDFile(stopPort)
	if err != nil {
		return err
	}

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no proxy PID file found at %s\nIs the proxy running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return fmt.Errorf("proxy process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(os.Stderr, "Stopping proxy on port %d (PID %d)...\n", port, pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop proxy: %w", err)
	}

	// Wait for exit (poll every 200ms, max 10s).
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			os.Remove(pidPath)
			fmt.Fprintf(os.Stderr, "Proxy stopped.\n")
			return nil
		}
	}

	fmt.Fprintf(os.Stderr, "Proxy did not stop gracefully, sending SIGKILL...\n")
	_ = proc.Kill()
	os.Remove(pidPath)
	fmt.Fprintf(os.Stderr, "Proxy killed.\n")
	return nil
}

// findPIDFile resolves which proxy to act on. port 0 means "the only one".
func findPIDFile(port int) (path string, resolvedPort int, err error) {
	if port != 0 {
		return config.PIDFilePath(port), port, nil
	}

	matches, err := filepath.Glob(filepath.Join(config.CacheDir(), "proxy-*.pid"))
	if err != nil || len(matches) == 0 {
		return "", 0, fmt.Errorf("no proxy PID files found in %s\nIs the proxy running?", config.CacheDir())
	}
	if len(matches) > 1 {
		ports := make([]string, 0, len(matches))
		for _, m := range matches {
			ports = append(ports, strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "proxy-"), ".pid"))
		}
		return "", 0, fmt.Errorf("multiple proxies running (ports %s); pass --port", strings.Join(ports, ", "))
	}

	base := filepath.Base(matches[0])
	p, convErr := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "proxy-"), ".pid"))
	if convErr != nil {
		return "", 0, fmt.Errorf("unparseable PID file name %s", base)
	}
	return matches[0], p, nil
}
