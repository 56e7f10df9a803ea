package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
	"github.com/mcprepl/mcprepl/pkg/mcp"
)

// Tool describes one proxy-owned tool for tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Toolset implements the tools the proxy answers itself, without a backend.
// Backend tools are forwarded; these are merged into every tools/list reply.
type Toolset struct {
	proxy  *Proxy
	logger *slog.Logger
}

// NewToolset creates the proxy toolset.
func NewToolset(p *Proxy, logger *slog.Logger) *Toolset {
	return &Toolset{proxy: p, logger: logger}
}

// Definitions returns the tool catalog entries the proxy contributes.
func (ts *Toolset) Definitions() []Tool {
	return []Tool{
		{
			Name:        "help",
			Description: "Explain how the Julia REPL proxy works and how to target a session.",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:        "proxy_status",
			Description: "Report the proxy's port, uptime, and every registered REPL session with its connection state.",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:        "list_julia_sessions",
			Description: "List registered Julia REPL sessions and their status.",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:        "dashboard_url",
			Description: "Return the URL of the live proxy dashboard.",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:        "start_julia_session",
			Description: "Launch a new Julia REPL session for a project directory and wait for it to register.",
			InputSchema: objectSchema(map[string]any{
				"project_path": map[string]any{
					"type":        "string",
					"description": "Path to the Julia project directory (contains Project.toml).",
				},
				"session_name": map[string]any{
					"type":        "string",
					"description": "Session name; defaults to the base name of project_path. Must not collide with a running session.",
				},
			}, []string{"project_path"}),
		},
		{
			Name:        "kill_stale_sessions",
			Description: "Terminate backend processes whose sessions are disconnected or stopped. Dry-run by default.",
			InputSchema: objectSchema(map[string]any{
				"dry_run": map[string]any{
					"type":        "boolean",
					"description": "When true (default), only report what would be killed.",
				},
				"force": map[string]any{
					"type":        "boolean",
					"description": "Scan every registered session, not just disconnected ones.",
				},
				"proxy_port": map[string]any{
					"type":        "number",
					"description": "Only act on sessions registered with the proxy on this port.",
				},
			}, nil),
		},
	}
}

// Handles reports whether the named tool belongs to the proxy toolset.
func (ts *Toolset) Handles(name string) bool {
	for _, t := range ts.Definitions() {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Call executes a proxy-owned tool. The caller has already checked Handles.
func (ts *Toolset) Call(ctx context.Context, name string, args map[string]any) mcp.ToolResult {
	switch name {
	case "help":
		return ts.help()
	case "proxy_status":
		return ts.status()
	case "list_julia_sessions":
		return ts.listSessions()
	case "dashboard_url":
		return mcp.TextResult(fmt.Sprintf("http://127.0.0.1:%d/dashboard", ts.proxy.Port))
	case "start_julia_session":
		return ts.startSession(ctx, args)
	case "kill_stale_sessions":
		return ts.killStale(args)
	default:
		return mcp.TextError(fmt.Sprintf("unknown proxy tool %q", name))
	}
}

func (ts *Toolset) help() mcp.ToolResult {
	var b strings.Builder
	b.WriteString("This proxy keeps a stable MCP endpoint in front of transient Julia REPL sessions.\n\n")
	fmt.Fprintf(&b, "Endpoint: http://127.0.0.1:%d/ (JSON-RPC over HTTP POST)\n", ts.proxy.Port)
	b.WriteString("Target a session with the X-MCPRepl-Target header, or bind one to your MCP session via the set_target proxy method.\n")
	b.WriteString("If a REPL restarts, in-flight requests are held and replayed automatically.\n\n")
	b.WriteString("Proxy tools: help, proxy_status, list_julia_sessions, dashboard_url, start_julia_session, kill_stale_sessions.\n")
	b.WriteString("Everything else in tools/list comes from the targeted REPL.\n")
	return mcp.TextResult(b.String())
}

func (ts *Toolset) status() mcp.ToolResult {
	backends := ts.proxy.Registry.List()
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID < backends[j].ID })

	var b strings.Builder
	fmt.Fprintf(&b, "proxy listening on port %d\n", ts.proxy.Port)
	fmt.Fprintf(&b, "client sessions: %d\n", ts.proxy.Sessions.Len())
	fmt.Fprintf(&b, "registered REPL sessions: %d\n", len(backends))
	for _, snap := range backends {
		fmt.Fprintf(&b, "  %s: %s (port %d, pid %d, last heartbeat %s",
			snap.ID, snap.Status, snap.Port, snap.PID, ago(snap.LastHeartbeat))
		if snap.PendingCount > 0 {
			fmt.Fprintf(&b, ", %d buffered", snap.PendingCount)
		}
		if snap.LastError != "" {
			fmt.Fprintf(&b, ", last error: %s", snap.LastError)
		}
		b.WriteString(")\n")
	}
	return mcp.TextResult(b.String())
}

func (ts *Toolset) listSessions() mcp.ToolResult {
	backends := ts.proxy.Registry.List()
	if len(backends) == 0 {
		return mcp.TextResult("no REPL sessions registered; start one with start_julia_session")
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID < backends[j].ID })

	var b strings.Builder
	for _, snap := range backends {
		fmt.Fprintf(&b, "%s\t%s\tport %d\tpid %d\n", snap.ID, snap.Status, snap.Port, snap.PID)
	}
	return mcp.TextResult(b.String())
}

func (ts *Toolset) startSession(ctx context.Context, args map[string]any) mcp.ToolResult {
	project, _ := args["project_path"].(string)
	if project == "" {
		return mcp.TextError("start_julia_session requires a project_path argument")
	}
	name, _ := args["session_name"].(string)
	if name == "" {
		name = filepath.Base(filepath.Clean(project))
	}

	if snap, ok := ts.proxy.Registry.Get(name); ok && snap.Status != backend.StatusStopped {
		return mcp.TextError(fmt.Sprintf(
			"a session named %q is already %s (pid %d); pick another name or kill it first",
			name, snap.Status, snap.PID))
	}

	snap, err := ts.proxy.Launcher.Start(ctx, name, project)
	if err != nil {
		return mcp.TextError(fmt.Sprintf("failed to start session %q: %v", name, err))
	}
	return mcp.TextResult(fmt.Sprintf("session %q ready on port %d (pid %d)", snap.ID, snap.Port, snap.PID))
}

// killStale terminates processes for non-ready sessions, or every session
// when force is set. Without dry_run set explicitly to false it only reports
// what it would do.
func (ts *Toolset) killStale(args map[string]any) mcp.ToolResult {
	dryRun := true
	if v, ok := args["dry_run"].(bool); ok {
		dryRun = v
	}
	force, _ := args["force"].(bool)
	if v, ok := args["proxy_port"].(float64); ok && int(v) != ts.proxy.Port {
		return mcp.TextResult(fmt.Sprintf("no sessions registered with the proxy on port %d", int(v)))
	}

	var b strings.Builder
	acted := 0
	for _, snap := range ts.proxy.Registry.List() {
		if snap.PID == 0 {
			continue
		}
		if !force && snap.Status == backend.StatusReady {
			continue
		}
		proc, err := process.NewProcess(int32(snap.PID))
		if err != nil {
			fmt.Fprintf(&b, "%s: pid %d already gone, removing registration\n", snap.ID, snap.PID)
			if !dryRun {
				_ = ts.proxy.Unregister(snap.ID)
			}
			acted++
			continue
		}
		procName, _ := proc.Name()
		if dryRun {
			fmt.Fprintf(&b, "%s: would terminate pid %d (%s, status %s)\n", snap.ID, snap.PID, procName, snap.Status)
			acted++
			continue
		}

		if err := proc.Terminate(); err != nil {
			fmt.Fprintf(&b, "%s: failed to signal pid %d: %v\n", snap.ID, snap.PID, err)
			continue
		}
		fmt.Fprintf(&b, "%s: terminated pid %d (%s)\n", snap.ID, snap.PID, procName)
		_ = ts.proxy.Unregister(snap.ID)
		acted++
		ts.logger.Info("killed stale session", "backend", snap.ID, "pid", snap.PID)
	}

	if acted == 0 {
		return mcp.TextResult("no stale sessions found")
	}
	if dryRun {
		b.WriteString("dry run: pass dry_run=false to act\n")
	}
	return mcp.TextResult(b.String())
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
