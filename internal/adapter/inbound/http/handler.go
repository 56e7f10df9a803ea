package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
	"github.com/mcprepl/mcprepl/internal/domain/clientsession"
	"github.com/mcprepl/mcprepl/internal/domain/security"
	"github.com/mcprepl/mcprepl/internal/service"
	"github.com/mcprepl/mcprepl/pkg/mcp"
)

const (
	// sessionHeader carries the MCP session id assigned at initialize.
	sessionHeader = "Mcp-Session-Id"
	// targetHeader selects a backend explicitly, overriding the session binding.
	targetHeader = "X-MCPRepl-Target"
	// maxRequestBody caps an inbound JSON-RPC body.
	maxRequestBody = 10 * 1024 * 1024

	protocolVersion = "2024-11-05"
)

// Handler dispatches MCP traffic: proxy-owned methods are answered locally,
// everything else is routed to the targeted backend.
type Handler struct {
	proxy    *service.Proxy
	gate     *security.Gate
	metrics  *Metrics
	logLevel *slog.LevelVar
	version  string
	logger   *slog.Logger
}

// NewHandler creates the MCP dispatch handler.
func NewHandler(p *service.Proxy, gate *security.Gate, metrics *Metrics, logLevel *slog.LevelVar, version string, logger *slog.Logger) *Handler {
	return &Handler{
		proxy:    p,
		gate:     gate,
		metrics:  metrics,
		logLevel: logLevel,
		version:  version,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if res := h.gate.Check(r); !res.OK {
		h.reject(w, r, res)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		h.cors(w)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		h.dispatch(w, r)
	case http.MethodDelete:
		h.deleteSession(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, nil, mcp.CodeInvalidRequest,
			fmt.Sprintf("method %s not supported; POST JSON-RPC to this endpoint", r.Method), nil)
	}
}

// reject answers a security-gate failure: 401 for credential problems,
// 403 for disallowed source addresses.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, res security.Result) {
	reason := "token"
	status := http.StatusUnauthorized
	if res.Reason == security.RejectIP {
		reason = "ip"
		status = http.StatusForbidden
	}
	h.metrics.RejectedTotal.WithLabelValues(reason).Inc()
	h.logger.Warn("request rejected by security gate",
		"reason", reason, "detail", res.Detail, "remote", security.ClientIP(r))
	writeError(w, status, nil, mcp.CodeInvalidRequest, res.Detail, nil)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "failed to read request body", nil)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "empty request body", nil)
		return
	}

	msg, err := mcp.WrapMessage(body, mcp.ClientToBackend)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "invalid JSON-RPC message", nil)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	method := msg.Method()

	if method == "initialize" {
		h.handleInitialize(w, r, msg, sessionID)
		return
	}

	if msg.IsNotification() {
		// Client-to-server notifications are accepted and dropped, even
		// when they carry a session id that has already been reaped.
		w.WriteHeader(http.StatusOK)
		return
	}

	var session *clientsession.Session
	if sessionID != "" {
		session, err = h.proxy.Sessions.Get(sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, msg.RawID(), mcp.CodeSessionNotFound,
				fmt.Sprintf("unknown session %q; re-initialize", sessionID), nil)
			return
		}
	}

	switch method {
	case "ping":
		writeResult(w, msg.RawID(), map[string]any{})
	case "logging/setLevel":
		h.handleSetLevel(w, msg)
	case "tools/list":
		h.handleToolsList(w, r, msg, session)
	case "prompts/list":
		writeResult(w, msg.RawID(), map[string]any{"prompts": []any{}})
	case "resources/list":
		writeResult(w, msg.RawID(), map[string]any{"resources": []any{}})
	case "proxy/register":
		h.handleRegister(w, msg)
	case "proxy/unregister":
		h.handleUnregister(w, msg)
	case "proxy/heartbeat":
		h.handleHeartbeat(w, msg)
	case "proxy/status":
		h.handleProxyStatus(w, msg)
	case "proxy/set_target":
		h.handleSetTarget(w, msg, session)
	case "tools/call":
		if h.proxy.Toolset.Handles(msg.ToolName()) {
			h.handleProxyTool(w, r, msg)
			return
		}
		h.route(w, r, msg, session, sessionID)
	default:
		h.route(w, r, msg, session, sessionID)
	}
}

// route hands the request to the router, which owns the response from here.
func (h *Handler) route(w http.ResponseWriter, r *http.Request, msg *mcp.Message, session *clientsession.Session, sessionID string) {
	target := r.Header.Get(targetHeader)
	if target == "" && session != nil {
		target = session.TargetBackendID
	}
	stream := newResponseStream(w, r)
	h.proxy.Router.Route(r.Context(), msg, target, sessionID, stream)
}

// handleInitialize creates a client session and returns the proxy's server
// info. An X-MCPRepl-Target header at initialize binds the session to that
// backend immediately. A request that already carries a session id is
// malformed.
func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, msg *mcp.Message, sessionID string) {
	if sessionID != "" {
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest,
			"initialize must not carry a session id", nil)
		return
	}

	var caps map[string]any
	if params := msg.ParseParams(); params != nil {
		caps, _ = params["capabilities"].(map[string]any)
	}
	session := h.proxy.Sessions.Create(r.Header.Get(targetHeader), caps)

	w.Header().Set(sessionHeader, session.ID)
	writeResult(w, msg.RawID(), map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":   map[string]any{"listChanged": true},
			"logging": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "mcprepl-proxy",
			"version": h.version,
		},
	})
	h.logger.Info("client session initialized", "session", session.ID)
}

func (h *Handler) handleSetLevel(w http.ResponseWriter, msg *mcp.Message) {
	params := msg.ParseParams()
	level, _ := params["level"].(string)

	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "info", "notice":
		lv = slog.LevelInfo
	case "warning":
		lv = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		lv = slog.LevelError
	default:
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest,
			fmt.Sprintf("unknown log level %q", level), nil)
		return
	}
	h.logLevel.Set(lv)
	h.logger.Info("log level changed", "level", level)
	writeResult(w, msg.RawID(), map[string]any{})
}

// handleToolsList merges the proxy's own tools with the targeted backend's.
// Without a reachable backend the proxy tools alone are returned, so a
// client can always discover start_julia_session.
func (h *Handler) handleToolsList(w http.ResponseWriter, r *http.Request, msg *mcp.Message, session *clientsession.Session) {
	tools := make([]any, 0, 16)
	for _, t := range h.proxy.Toolset.Definitions() {
		tools = append(tools, t)
	}

	target := r.Header.Get(targetHeader)
	if target == "" && session != nil {
		target = session.TargetBackendID
	}
	if target != "" {
		if snap, ok := h.proxy.Registry.Get(target); ok && snap.Status == backend.StatusReady {
			backendTools, err := h.proxy.Router.FetchTools(r.Context(), snap)
			if err != nil {
				h.logger.Warn("failed to fetch backend tools", "backend", target, "error", err)
			}
			for _, bt := range backendTools {
				tools = append(tools, bt)
			}
		}
	}

	writeResult(w, msg.RawID(), map[string]any{"tools": tools})
}

func (h *Handler) handleRegister(w http.ResponseWriter, msg *mcp.Message) {
	id, port, pid, metadata, err := registrationParams(msg)
	if err != nil {
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest, err.Error(), nil)
		return
	}

	snap, err := h.proxy.Register(id, port, pid, metadata)
	if err != nil {
		var dup *backend.DuplicateError
		if errors.As(err, &dup) {
			writeError(w, http.StatusConflict, msg.RawID(), mcp.CodeDuplicateRegistration, dup.Error(), dup.Data())
			return
		}
		writeError(w, http.StatusInternalServerError, msg.RawID(), mcp.CodeInternalError, err.Error(), nil)
		return
	}
	h.logger.Info("backend registered", "backend", snap.ID, "port", snap.Port, "pid", snap.PID)
	writeResult(w, msg.RawID(), map[string]any{"status": "registered", "proxy_port": h.proxy.Port})
}

func (h *Handler) handleUnregister(w http.ResponseWriter, msg *mcp.Message) {
	params := msg.ParseParams()
	id, _ := params["id"].(string)
	if id == "" {
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest, "id is required", nil)
		return
	}
	if err := h.proxy.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, msg.RawID(), mcp.CodeBackendNotFound,
			fmt.Sprintf("REPL %q not registered", id), nil)
		return
	}
	h.logger.Info("backend unregistered", "backend", id)
	writeResult(w, msg.RawID(), map[string]any{"status": "unregistered"})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, msg *mcp.Message) {
	id, port, pid, metadata, err := registrationParams(msg)
	if err != nil {
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest, err.Error(), nil)
		return
	}

	snap, err := h.proxy.Heartbeat(id, port, pid, metadata)
	if err != nil {
		if errors.Is(err, backend.ErrPIDMismatch) {
			writeError(w, http.StatusConflict, msg.RawID(), mcp.CodeInvalidRequest,
				fmt.Sprintf("heartbeat pid %d does not match registered process for %q", pid, id), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, msg.RawID(), mcp.CodeInternalError, err.Error(), nil)
		return
	}
	writeResult(w, msg.RawID(), map[string]any{"status": string(snap.Status)})
}

// handleSetTarget binds the client session to a backend so later requests
// need no target header.
func (h *Handler) handleSetTarget(w http.ResponseWriter, msg *mcp.Message, session *clientsession.Session) {
	if session == nil {
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest,
			"proxy/set_target requires a session id; initialize first", nil)
		return
	}
	params := msg.ParseParams()
	target, _ := params["target"].(string)
	if target == "" {
		writeError(w, http.StatusBadRequest, msg.RawID(), mcp.CodeInvalidRequest, "target is required", nil)
		return
	}
	if _, ok := h.proxy.Registry.Get(target); !ok {
		writeError(w, http.StatusNotFound, msg.RawID(), mcp.CodeBackendNotFound,
			fmt.Sprintf("REPL %q not registered", target), nil)
		return
	}
	if err := h.proxy.Sessions.SetTarget(session.ID, target); err != nil {
		writeError(w, http.StatusNotFound, msg.RawID(), mcp.CodeSessionNotFound, err.Error(), nil)
		return
	}
	writeResult(w, msg.RawID(), map[string]any{"target": target})
}

// handleProxyTool answers a tools/call for a proxy-owned tool.
func (h *Handler) handleProxyTool(w http.ResponseWriter, r *http.Request, msg *mcp.Message) {
	params := msg.ParseParams()
	name := msg.ToolName()
	args, _ := params["arguments"].(map[string]any)

	start := time.Now()
	result := h.proxy.Toolset.Call(r.Context(), name, args)
	h.proxy.RecordProxyToolCall(name, result, time.Since(start))

	writeResult(w, msg.RawID(), result)
}

// handleProxyStatus answers a registry snapshot for monitoring clients that
// speak JSON-RPC rather than the dashboard REST API.
func (h *Handler) handleProxyStatus(w http.ResponseWriter, msg *mcp.Message) {
	backends := map[string]backend.Snapshot{}
	for _, snap := range h.proxy.Registry.List() {
		backends[snap.ID] = snap
	}
	writeResult(w, msg.RawID(), map[string]any{
		"port":            h.proxy.Port,
		"backends":        backends,
		"client_sessions": h.proxy.Sessions.Len(),
	})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, nil, mcp.CodeInvalidRequest, "session id is required", nil)
		return
	}
	if err := h.proxy.Sessions.Delete(sessionID); err != nil {
		writeError(w, http.StatusNotFound, nil, mcp.CodeSessionNotFound,
			fmt.Sprintf("unknown session %q", sessionID), nil)
		return
	}
	h.logger.Info("client session deleted", "session", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cors(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, X-MCPRepl-Target")
}

// registrationParams extracts the shared register/heartbeat parameters.
func registrationParams(msg *mcp.Message) (id string, port, pid int, metadata map[string]string, err error) {
	params := msg.ParseParams()
	if params == nil {
		return "", 0, 0, nil, errors.New("params object is required")
	}
	id, _ = params["id"].(string)
	if id == "" {
		return "", 0, 0, nil, errors.New("id is required")
	}
	if v, ok := params["port"].(float64); ok {
		port = int(v)
	}
	if port <= 0 || port > 65535 {
		return "", 0, 0, nil, errors.New("port must be between 1 and 65535")
	}
	if v, ok := params["pid"].(float64); ok {
		pid = int(v)
	}
	if raw, ok := params["metadata"].(map[string]any); ok {
		metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				metadata[k] = s
			}
		}
	}
	return id, port, pid, metadata, nil
}

// writeError emits a JSON-RPC error with the given HTTP status.
func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(mcp.EncodeError(id, code, message, data))
}

// writeResult emits a JSON-RPC result with HTTP 200.
func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(mcp.EncodeResult(id, result))
}
