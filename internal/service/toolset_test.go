package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefinitionsAndHandles(t *testing.T) {
	p := newTestProxy(t)

	defs := p.Toolset.Definitions()
	if len(defs) != 6 {
		t.Fatalf("got %d tool definitions, want 6", len(defs))
	}
	for _, tool := range defs {
		if tool.Description == "" {
			t.Errorf("tool %q has no description", tool.Name)
		}
		if tool.InputSchema["type"] != "object" {
			t.Errorf("tool %q schema is not an object", tool.Name)
		}
		if !p.Toolset.Handles(tool.Name) {
			t.Errorf("Handles(%q) = false", tool.Name)
		}
	}
	if p.Toolset.Handles("ex") {
		t.Error("Handles claims the backend's ex tool")
	}
}

func TestHelpMentionsEndpointAndTargeting(t *testing.T) {
	p := newTestProxy(t)

	res := p.Toolset.Call(context.Background(), "help", nil)
	if res.IsError {
		t.Fatalf("help errored: %+v", res)
	}
	text := res.Content[0].Text
	if !strings.Contains(text, "http://127.0.0.1:4100/") {
		t.Errorf("help missing endpoint: %s", text)
	}
	if !strings.Contains(text, "X-MCPRepl-Target") {
		t.Errorf("help missing targeting header: %s", text)
	}
}

func TestStatusListsBackends(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}

	res := p.Toolset.Call(context.Background(), "proxy_status", nil)
	text := res.Content[0].Text
	if !strings.Contains(text, "proxy listening on port 4100") {
		t.Errorf("status missing port line: %s", text)
	}
	if !strings.Contains(text, "julia-a: ready (port 9001, pid 11") {
		t.Errorf("status missing backend line: %s", text)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	p := newTestProxy(t)

	res := p.Toolset.Call(context.Background(), "list_julia_sessions", nil)
	if !strings.Contains(res.Content[0].Text, "no REPL sessions registered") {
		t.Errorf("text = %s", res.Content[0].Text)
	}
}

func TestDashboardURL(t *testing.T) {
	p := newTestProxy(t)

	res := p.Toolset.Call(context.Background(), "dashboard_url", nil)
	if res.Content[0].Text != "http://127.0.0.1:4100/dashboard" {
		t.Errorf("text = %s", res.Content[0].Text)
	}
}

func TestStartSessionRequiresProjectPath(t *testing.T) {
	p := newTestProxy(t)

	res := p.Toolset.Call(context.Background(), "start_julia_session", map[string]any{"session_name": "julia-a"})
	if !res.IsError {
		t.Fatalf("missing project_path accepted: %+v", res)
	}
	if !strings.Contains(res.Content[0].Text, "project_path") {
		t.Errorf("text = %s", res.Content[0].Text)
	}
}

func TestStartSessionRefusesRunningDuplicate(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}

	res := p.Toolset.Call(context.Background(), "start_julia_session", map[string]any{
		"session_name": "julia-a",
		"project_path": t.TempDir(),
	})
	if !res.IsError {
		t.Fatal("duplicate session name accepted")
	}
	if !strings.Contains(res.Content[0].Text, "already ready") {
		t.Errorf("text = %s", res.Content[0].Text)
	}
}

func TestStartSessionNameDefaultsToProjectBase(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("demo", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}

	// The derived name collides with the running "demo" session, so the
	// call is refused before any launch attempt.
	res := p.Toolset.Call(context.Background(), "start_julia_session", map[string]any{
		"project_path": "/work/projects/demo/",
	})
	if !res.IsError {
		t.Fatal("derived duplicate name accepted")
	}
	if !strings.Contains(res.Content[0].Text, `"demo" is already ready`) {
		t.Errorf("text = %s", res.Content[0].Text)
	}
}

func TestKillStaleDryRunByDefault(t *testing.T) {
	p := newTestProxy(t)
	// A disconnected backend owned by this very process: guaranteed alive,
	// and a dry run must not signal it.
	if _, err := p.Register("julia-a", 9001, os.Getpid(), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Registry.ForwardFailed("julia-a", "connection refused", time.Hour); err != nil {
		t.Fatal(err)
	}

	res := p.Toolset.Call(context.Background(), "kill_stale_sessions", nil)
	text := res.Content[0].Text
	if !strings.Contains(text, "would terminate") {
		t.Errorf("dry run did not report: %s", text)
	}
	if !strings.Contains(text, "dry run: pass dry_run=false to act") {
		t.Errorf("missing dry-run hint: %s", text)
	}
	if _, ok := p.Registry.Get("julia-a"); !ok {
		t.Error("dry run removed the registration")
	}
}

func TestKillStaleNothingToDo(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}

	res := p.Toolset.Call(context.Background(), "kill_stale_sessions", nil)
	if !strings.Contains(res.Content[0].Text, "no stale sessions found") {
		t.Errorf("text = %s", res.Content[0].Text)
	}
}

func TestKillStaleForceIncludesReadySessions(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, os.Getpid(), nil); err != nil {
		t.Fatal(err)
	}

	res := p.Toolset.Call(context.Background(), "kill_stale_sessions", map[string]any{"force": true})
	text := res.Content[0].Text
	if !strings.Contains(text, "would terminate") || !strings.Contains(text, "julia-a") {
		t.Errorf("force scan skipped the ready session: %s", text)
	}
	if _, ok := p.Registry.Get("julia-a"); !ok {
		t.Error("dry run removed the registration")
	}
}

func TestKillStaleProxyPortFilter(t *testing.T) {
	p := newTestProxy(t)
	if _, err := p.Register("julia-a", 9001, os.Getpid(), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Registry.ForwardFailed("julia-a", "connection refused", time.Hour); err != nil {
		t.Fatal(err)
	}

	// JSON numbers arrive as float64.
	res := p.Toolset.Call(context.Background(), "kill_stale_sessions", map[string]any{
		"proxy_port": float64(59999),
	})
	if !strings.Contains(res.Content[0].Text, "no sessions registered") {
		t.Errorf("mismatched proxy_port acted anyway: %s", res.Content[0].Text)
	}

	res = p.Toolset.Call(context.Background(), "kill_stale_sessions", map[string]any{
		"proxy_port": float64(4100),
	})
	if !strings.Contains(res.Content[0].Text, "would terminate") {
		t.Errorf("matching proxy_port found nothing: %s", res.Content[0].Text)
	}
}

func TestCallUnknownTool(t *testing.T) {
	p := newTestProxy(t)

	res := p.Toolset.Call(context.Background(), "frobnicate", nil)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "unknown proxy tool") {
		t.Errorf("result = %+v", res)
	}
}
