package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusPort int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running proxy",
	Long: `Query a running proxy's dashboard API and print its port, uptime, and
registered REPL sessions.

Examples:
  mcprepl status
  mcprepl status --port 41234`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusPort, "port", 0, "port of the proxy to query")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, port, err := findPIDFile(statusPort)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 3 * time.Second}

	var info struct {
		Port           int   `json:"port"`
		Version        string `json:"version"`
		UptimeSeconds  int   `json:"uptime_seconds"`
		Backends       int   `json:"backends"`
		ClientSessions int   `json:"client_sessions"`
		Buffered       int   `json:"buffered"`
	}
	if err := getJSON(client, fmt.Sprintf("http://127.0.0.1:%d/dashboard/api/proxy-info", port), &info); err != nil {
		return fmt.Errorf("proxy on port %d is not responding: %w", port, err)
	}

	fmt.Printf("mcprepl %s on port %d\n", info.Version, info.Port)
	fmt.Printf("  uptime:          %s\n", (time.Duration(info.UptimeSeconds) * time.Second).String())
	fmt.Printf("  client sessions: %d\n", info.ClientSessions)
	fmt.Printf("  buffered:        %d\n", info.Buffered)

	var sessions struct {
		Sessions []struct {
			ID            string    `json:"id"`
			Port          int       `json:"port"`
			PID           int       `json:"pid"`
			Status        string    `json:"status"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		} `json:"sessions"`
	}
	if err := getJSON(client, fmt.Sprintf("http://127.0.0.1:%d/dashboard/api/sessions", port), &sessions); err != nil {
		return err
	}
	fmt.Printf("  REPL sessions:   %d\n", len(sessions.Sessions))
	for _, s := range sessions.Sessions {
		fmt.Printf("    %-20s %-13s port %-6d pid %d\n", s.ID, s.Status, s.Port, s.PID)
	}
	return nil
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
