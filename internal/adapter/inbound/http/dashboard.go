package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
	"github.com/mcprepl/mcprepl/internal/service"
)

// maxDirectoryEntries bounds the project-browser listing.
const maxDirectoryEntries = 20

// Dashboard serves the monitoring UI and its JSON API.
type Dashboard struct {
	proxy     *service.Proxy
	metrics   *Metrics
	version   string
	startTime time.Time
	lifecycle func(action string)
	logger    *slog.Logger
}

// NewDashboard creates the dashboard handler. lifecycle receives "shutdown"
// or "restart" when the UI asks for a proxy-level action; nil disables both.
func NewDashboard(p *service.Proxy, metrics *Metrics, version string, lifecycle func(string), logger *slog.Logger) *Dashboard {
	return &Dashboard{
		proxy:     p,
		metrics:   metrics,
		version:   version,
		startTime: time.Now().UTC(),
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Routes registers the dashboard endpoints on mux. The API lives under
// /dashboard/api; the bare /api prefix is kept as an alias for curl users.
func (d *Dashboard) Routes(mux *http.ServeMux) {
	for _, api := range []string{"/dashboard/api", "/api"} {
		mux.HandleFunc("GET "+api+"/proxy-info", d.proxyInfo)
		mux.HandleFunc("GET "+api+"/sessions", d.sessions)
		mux.HandleFunc("POST "+api+"/session/{id}/shutdown", d.sessionShutdown)
		mux.HandleFunc("POST "+api+"/session/{id}/restart", d.sessionRestart)
		mux.HandleFunc("GET "+api+"/tools", d.tools)
		mux.HandleFunc("GET "+api+"/directories", d.directories)
		mux.HandleFunc("GET "+api+"/logs", d.logs)
		mux.HandleFunc("GET "+api+"/events", d.events)
		mux.HandleFunc("GET "+api+"/events/stream", d.eventStream)
		mux.HandleFunc("POST "+api+"/shutdown", d.proxyShutdown)
		mux.HandleFunc("POST "+api+"/restart", d.proxyRestart)
	}

	uiDir := d.proxy.Cfg.Server.DashboardDir
	if uiDir != "" {
		mux.Handle("/dashboard/", http.StripPrefix("/dashboard/", http.FileServer(http.Dir(uiDir))))
		mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/dashboard/", http.StatusMovedPermanently)
		})
	} else {
		mux.HandleFunc("/dashboard/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "dashboard UI not installed", http.StatusNotFound)
		})
	}
}

func (d *Dashboard) proxyInfo(w http.ResponseWriter, r *http.Request) {
	backends := d.proxy.Registry.List()
	buffered := 0
	for _, b := range backends {
		buffered += b.PendingCount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pid":             os.Getpid(),
		"port":            d.proxy.Port,
		"version":         d.version,
		"uptime_seconds":  int(time.Since(d.startTime).Seconds()),
		"backends":        len(backends),
		"client_sessions": d.proxy.Sessions.Len(),
		"buffered":        buffered,
		"events_dropped":  d.proxy.Bus.Dropped(),
	})
}

func (d *Dashboard) sessions(w http.ResponseWriter, r *http.Request) {
	backends := d.proxy.Registry.List()
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID < backends[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"sessions": backends})
}

// sessionShutdown terminates one backend: a best-effort shutdown RPC, then
// the registration is removed so clients stop routing to it.
func (d *Dashboard) sessionShutdown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := d.proxy.Registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("session %q not found", id)})
		return
	}

	d.proxy.Router.SendShutdown(r.Context(), snap)
	if err := d.proxy.Unregister(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	d.logger.Info("session shut down via dashboard", "backend", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutdown"})
}

// sessionRestart shuts a backend down and relaunches it from its recorded
// project directory. Backends that did not register a project cannot be
// restarted from the dashboard.
func (d *Dashboard) sessionRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := d.proxy.Registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("session %q not found", id)})
		return
	}
	project := snap.Metadata["project"]
	if project == "" {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": fmt.Sprintf("session %q has no recorded project directory; restart it manually", id),
		})
		return
	}

	d.proxy.Router.SendShutdown(r.Context(), snap)
	_ = d.proxy.Unregister(id)

	fresh, err := d.proxy.Launcher.Start(r.Context(), id, project)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	d.logger.Info("session restarted via dashboard", "backend", id, "pid", fresh.PID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "restarted", "session": fresh})
}

// tools reports the proxy toolset plus, per ready backend, its tool catalog.
// An X-Agent-Id header narrows the backend listing to one session.
func (d *Dashboard) tools(w http.ResponseWriter, r *http.Request) {
	agentFilter := r.Header.Get("X-Agent-Id")

	perBackend := map[string]any{}
	for _, snap := range d.proxy.Registry.List() {
		if snap.Status != backend.StatusReady {
			continue
		}
		if agentFilter != "" && snap.ID != agentFilter {
			continue
		}
		tools, err := d.proxy.Router.FetchTools(r.Context(), snap)
		if err != nil {
			perBackend[snap.ID] = map[string]any{"error": err.Error()}
			continue
		}
		perBackend[snap.ID] = tools
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proxy_tools":   d.proxy.Toolset.Definitions(),
		"session_tools": perBackend,
	})
}

// directories lists subdirectories of the requested path (default the home
// directory), flagging Julia projects for the session launcher UI.
func (d *Dashboard) directories(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("path")
	if base == "" {
		base = "~"
	}
	if base == "~" || strings.HasPrefix(base, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		base = filepath.Join(home, strings.TrimPrefix(base, "~"))
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	_, baseProjErr := os.Stat(filepath.Join(base, "Project.toml"))

	type dirEntry struct {
		Name           string `json:"name"`
		Path           string `json:"path"`
		IsJuliaProject bool   `json:"is_julia_project"`
	}
	dirs := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(base, e.Name())
		_, projErr := os.Stat(filepath.Join(full, "Project.toml"))
		dirs = append(dirs, dirEntry{Name: e.Name(), Path: full, IsJuliaProject: projErr == nil})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	if len(dirs) > maxDirectoryEntries {
		dirs = dirs[:maxDirectoryEntries]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base":             base,
		"is_julia_project": baseProjErr == nil,
		"directories":      dirs,
	})
}

// logs returns the tail of the newest launcher log for a session.
func (d *Dashboard) logs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_id is required"})
		return
	}
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			lines = n
		}
	}

	pattern := filepath.Join(d.proxy.Cfg.Launcher.LogDir, fmt.Sprintf("session_%s_*.log", sessionID))
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("no logs for session %q", sessionID)})
		return
	}
	sort.Strings(matches)
	newest := matches[len(matches)-1]

	content, err := os.ReadFile(newest)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	all := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": newest, "lines": all})
}

// events returns recent events from the in-memory ring, or from the durable
// store when source=store is requested.
func (d *Dashboard) events(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionParam(r)
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	if r.URL.Query().Get("source") == "store" {
		if d.proxy.History == nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "durable event store is disabled"})
			return
		}
		events, err := d.proxy.History.Events(r.Context(), sessionID, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "source": "store"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": d.proxy.Bus.Recent(sessionID, limit),
	})
}

func (d *Dashboard) proxyShutdown(w http.ResponseWriter, r *http.Request) {
	if d.lifecycle == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "lifecycle control disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting down"})
	go d.lifecycle("shutdown")
}

func (d *Dashboard) proxyRestart(w http.ResponseWriter, r *http.Request) {
	if d.lifecycle == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "lifecycle control disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "restarting"})
	go d.lifecycle("restart")
}

// sessionParam accepts both ?id= and the longer ?session_id= spelling.
func sessionParam(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	return r.URL.Query().Get("session_id")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
