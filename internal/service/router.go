package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
	"github.com/mcprepl/mcprepl/internal/domain/event"
	"github.com/mcprepl/mcprepl/pkg/mcp"
)

const (
	// forwardConnectTimeout bounds the TCP connect to a backend.
	forwardConnectTimeout = 5 * time.Second
	// forwardReadTimeout bounds the whole forward round trip.
	forwardReadTimeout = 30 * time.Second
	// maxBackendResponseSize caps a relayed backend response body.
	maxBackendResponseSize = 10 * 1024 * 1024
	// keepaliveIntervalEx is the cadence for ex tool calls (comment lines).
	keepaliveIntervalEx = 5 * time.Second
	// keepaliveInterval is the cadence for everything else (single space).
	keepaliveInterval = 15 * time.Second
)

// Router forwards JSON-RPC requests to backend REPLs, buffering them while a
// backend is recovering. It writes responses directly to the originating
// client stream and never returns a value to the dispatcher.
type Router struct {
	proxy  *Proxy
	client *http.Client
	tracer trace.Tracer
	logger *slog.Logger
}

// NewRouter creates the router with its forwarding HTTP client.
func NewRouter(p *Proxy, logger *slog.Logger) *Router {
	return &Router{
		proxy: p,
		client: &http.Client{
			Timeout: forwardReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: forwardConnectTimeout,
				}).DialContext,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("mcprepl/router"),
		logger: logger,
	}
}

// Route resolves the target backend for the request and forwards or buffers
// it. targetID may be empty when neither a session binding nor a target
// header named a backend. All responses, success or error, are written to
// stream.
func (rt *Router) Route(ctx context.Context, msg *mcp.Message, targetID, clientSessionID string, stream backend.ClientStream) {
	if targetID == "" {
		rt.writeNoTarget(msg, stream)
		return
	}

	snap, ok := rt.proxy.Registry.Get(targetID)
	if !ok {
		rt.writeUnknownBackend(msg, targetID, stream)
		return
	}

	switch snap.Status {
	case backend.StatusReady:
		rt.forwardOrFail(ctx, snap, msg, clientSessionID, stream)

	case backend.StatusDisconnected, backend.StatusReconnecting:
		rt.buffer(snap, msg, stream)

	case backend.StatusStopped:
		stream.SetHeader("Content-Type", "application/json")
		stream.WriteHeader(http.StatusServiceUnavailable)
		_, _ = stream.Write(mcp.EncodeError(msg.RawID(), mcp.CodeBackendUnavailable,
			fmt.Sprintf("REPL %q permanently stopped; start a new session with start_julia_session", targetID), nil))
		stream.Flush()
	}
}

// forwardOrFail forwards to a ready backend and falls into the failure path
// on network errors.
func (rt *Router) forwardOrFail(ctx context.Context, snap backend.Snapshot, msg *mcp.Message, clientSessionID string, stream backend.ClientStream) {
	err := rt.forward(ctx, snap, msg.Raw, msg.Method(), msg.ToolName(), msg.RawID(), clientSessionID, stream, false)
	if err == nil {
		return
	}
	rt.handleForwardFailure(ctx, snap.ID, err, msg, stream)
}

// forward POSTs the request body to the backend and relays the response
// verbatim. buffered marks a flush replay, where the client stream has
// already begun (no status or headers can be set).
// Returns a non-nil error only for network-level failures.
func (rt *Router) forward(ctx context.Context, snap backend.Snapshot, body []byte, method, toolName string, id json.RawMessage, clientSessionID string, stream backend.ClientStream, buffered bool) error {
	start := time.Now()

	ctx, span := rt.tracer.Start(ctx, "backend.forward", trace.WithAttributes(
		attribute.String("backend.id", snap.ID),
		attribute.String("rpc.method", method),
	))
	defer span.End()

	fwdCtx, cancel := context.WithTimeout(ctx, forwardReadTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/", snap.Port)
	req, err := http.NewRequestWithContext(fwdCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rt.recordInteraction(snap.ID, "inbound", "request", id, method, body)

	progressToken := ""
	if method == "tools/call" {
		progressToken = rt.notifyProgress(snap.ID, clientSessionID, toolName, start, 1)
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseSize))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reading backend response: %w", err)
	}

	// Relay verbatim. On a flush replay the stream already carries a
	// 200 and keepalive bytes, so status and headers are skipped.
	if !buffered {
		for _, h := range []string{"Content-Type", "Mcp-Session-Id"} {
			if v := resp.Header.Get(h); v != "" {
				stream.SetHeader(h, v)
			}
		}
		stream.WriteHeader(resp.StatusCode)
	}
	_, writeErr := stream.Write(respBody)
	stream.Flush()
	if writeErr != nil {
		rt.logger.Debug("client stream write failed after forward", "backend", snap.ID, "error", writeErr)
	}

	duration := time.Since(start)
	rt.emitTransitEvents(snap.ID, method, toolName, respBody, duration)
	rt.recordInteraction(snap.ID, "outbound", "response", id, method, respBody)

	if progressToken != "" {
		rt.notifyProgressDone(snap.ID, clientSessionID, progressToken)
	}
	return nil
}

// handleForwardFailure runs the spec'd failure transition: record the error,
// stop the backend when the outage is older than the limit, otherwise
// buffer this request and let the reconnector try to recover.
func (rt *Router) handleForwardFailure(_ context.Context, backendID string, fwdErr error, msg *mcp.Message, stream backend.ClientStream) {
	errMsg := fwdErr.Error()
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}

	tr, stopped, err := rt.proxy.Registry.ForwardFailed(backendID, errMsg, rt.proxy.Cfg.Server.OutageLimit)
	if err != nil {
		rt.writeUnknownBackend(msg, backendID, stream)
		return
	}

	if stopped {
		go rt.DrainWithError(tr.Drained, mcp.CodeBackendUnavailable, "REPL permanently stopped after prolonged outage")
		stream.SetHeader("Content-Type", "application/json")
		stream.WriteHeader(http.StatusServiceUnavailable)
		_, _ = stream.Write(mcp.EncodeError(msg.RawID(), mcp.CodeBackendUnavailable,
			fmt.Sprintf("REPL %q permanently stopped: %s", backendID, errMsg), nil))
		stream.Flush()
		return
	}

	rt.buffer(tr.Snapshot, msg, stream)
}

// buffer enqueues the request for recovery and holds the client stream open,
// writing keepalive bytes until the backend returns, the wait budget runs
// out, or the client hangs up.
func (rt *Router) buffer(snap backend.Snapshot, msg *mcp.Message, stream backend.ClientStream) {
	pr := backend.NewPendingRequest(msg.Raw, msg.Method(), msg.ToolName(), msg.RawID(), stream)

	startReconnector, err := rt.proxy.Registry.Buffer(snap.ID, pr)
	if err != nil {
		stream.SetHeader("Content-Type", "application/json")
		stream.WriteHeader(http.StatusServiceUnavailable)
		_, _ = stream.Write(mcp.EncodeError(msg.RawID(), mcp.CodeBackendUnavailable,
			fmt.Sprintf("REPL %q is not accepting requests", snap.ID), nil))
		stream.Flush()
		return
	}
	if startReconnector {
		go NewReconnector(rt.proxy, rt.logger).Run(snap.ID)
	}

	// The response begins now; the body arrives whenever the backend does.
	stream.SetHeader("Content-Type", "application/json")
	stream.WriteHeader(http.StatusOK)
	stream.Flush()

	rt.waitBuffered(snap.ID, pr)
}

// waitBuffered is the cooperative wait loop run by the connection's own
// handler goroutine for a buffered request.
func (rt *Router) waitBuffered(backendID string, pr *backend.PendingRequest) {
	interval := keepaliveInterval
	exTool := pr.ToolName == "ex"
	if exTool {
		interval = keepaliveIntervalEx
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	budget := time.NewTimer(rt.proxy.Cfg.Server.ReconnectWait)
	defer budget.Stop()

	waiting := time.Duration(0)
	for {
		select {
		case <-pr.Done:
			return

		case <-pr.Stream.Context().Done():
			// Client hung up: free the slot, send nothing.
			rt.proxy.Registry.RemovePending(backendID, pr)
			pr.Resolve(nil)
			rt.logger.Debug("buffered client disconnected", "backend", backendID)
			return

		case <-budget.C:
			rt.proxy.Registry.RemovePending(backendID, pr)
			pr.Resolve(func(s backend.ClientStream) {
				_, _ = s.Write(mcp.EncodeError(pr.ID, mcp.CodeBackendUnavailable,
					fmt.Sprintf("reconnection timeout: REPL %q did not recover within %s", backendID, rt.proxy.Cfg.Server.ReconnectWait), nil))
				s.Flush()
			})
			return

		case <-ticker.C:
			waiting += interval
			var payload []byte
			if exTool {
				payload = []byte(fmt.Sprintf("# waiting for REPL %s to reconnect (%ds elapsed)\n", backendID, int(waiting.Seconds())))
			} else {
				payload = []byte(" ")
			}
			alive, err := pr.WriteKeepalive(payload)
			if err != nil {
				rt.proxy.Registry.RemovePending(backendID, pr)
				pr.Resolve(nil)
				rt.logger.Debug("buffered client stream closed during keepalive", "backend", backendID, "error", err)
				return
			}
			if !alive {
				// Entry resolved between ticks; Done closes imminently.
				continue
			}
		}
	}
}

// Flush replays buffered requests in FIFO order after a backend recovers.
// Entries whose client streams have closed are skipped.
func (rt *Router) Flush(snap backend.Snapshot, pending []*backend.PendingRequest) {
	for _, pr := range pending {
		if pr.Stream.Context().Err() != nil {
			rt.logger.Debug("skipping flush for closed client stream", "backend", snap.ID, "method", pr.Method)
			pr.Resolve(nil)
			continue
		}

		entry := pr
		resolvedNow := pr.Resolve(func(s backend.ClientStream) {
			if err := rt.forward(context.Background(), snap, entry.Body, entry.Method, entry.ToolName, entry.ID, "", s, true); err != nil {
				_, _ = s.Write(mcp.EncodeError(entry.ID, mcp.CodeBackendUnavailable,
					fmt.Sprintf("REPL %q failed during replay: %v", snap.ID, err), nil))
				s.Flush()
			}
		})
		if !resolvedNow {
			rt.logger.Debug("pending entry already resolved before flush", "backend", snap.ID)
		}
	}
}

// DrainWithError resolves buffered entries with the given JSON-RPC error.
func (rt *Router) DrainWithError(pending []*backend.PendingRequest, code int, message string) {
	for _, pr := range pending {
		entry := pr
		pr.Resolve(func(s backend.ClientStream) {
			_, _ = s.Write(mcp.EncodeError(entry.ID, code, message, nil))
			s.Flush()
		})
	}
}

// SendShutdown delivers a best-effort shutdown notification to a backend.
// Errors are logged only: the caller is about to drop the registration and
// a dead backend cannot object.
func (rt *Router) SendShutdown(ctx context.Context, snap backend.Snapshot) {
	fwdCtx, cancel := context.WithTimeout(ctx, forwardConnectTimeout)
	defer cancel()

	body := mcp.EncodeNotification("notifications/shutdown", nil)
	url := fmt.Sprintf("http://127.0.0.1:%d/", snap.Port)
	req, err := http.NewRequestWithContext(fwdCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := rt.client.Do(req)
	if err != nil {
		rt.logger.Debug("shutdown notification failed", "backend", snap.ID, "error", err)
		return
	}
	_ = resp.Body.Close()
}

// FetchTools asks a ready backend for its tool catalog and returns the raw
// tool definitions for merging into the proxy's tools/list reply.
func (rt *Router) FetchTools(ctx context.Context, snap backend.Snapshot) ([]json.RawMessage, error) {
	fwdCtx, cancel := context.WithTimeout(ctx, forwardConnectTimeout)
	defer cancel()

	body := []byte(`{"jsonrpc":"2.0","id":"proxy-tools-list","method":"tools/list"}`)
	url := fmt.Sprintf("http://127.0.0.1:%d/", snap.Port)
	req, err := http.NewRequestWithContext(fwdCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseSize))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result struct {
			Tools []json.RawMessage `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing backend tool catalog: %w", err)
	}
	return parsed.Result.Tools, nil
}

// emitTransitEvents publishes the activity records for one completed
// forward: the call classification plus an OUTPUT event with the parsed
// result and duration.
func (rt *Router) emitTransitEvents(backendID, method, toolName string, respBody []byte, duration time.Duration) {
	callType := event.TypeCodeExecution
	payload := map[string]any{"method": method}
	if method == "tools/call" {
		callType = event.TypeToolCall
		payload["tool"] = toolName
	}
	rt.proxy.Bus.Publish(event.Event{
		SessionID: backendID,
		Type:      callType,
		Payload:   payload,
	})

	output := map[string]any{"method": method}
	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if parsed.Result != nil {
			output["result"] = json.RawMessage(parsed.Result)
		}
		if parsed.Error != nil {
			output["error"] = json.RawMessage(parsed.Error)
		}
	}
	rt.proxy.Bus.Publish(event.Event{
		SessionID:      backendID,
		Type:           event.TypeOutput,
		Payload:        output,
		DurationMillis: duration.Milliseconds(),
	})
}

// notifyProgress emits the start progress notification for a tool call and
// returns the progress token derived from the tool name and start time.
func (rt *Router) notifyProgress(backendID, clientSessionID, toolName string, start time.Time, step int) string {
	token := fmt.Sprintf("%s-%x", toolName, xxhash.Sum64String(fmt.Sprintf("%s@%d", toolName, start.UnixNano())))
	rt.sendProgress(backendID, clientSessionID, token, step, 2)
	return token
}

// notifyProgressDone emits the completion progress notification.
func (rt *Router) notifyProgressDone(backendID, clientSessionID, token string) {
	rt.sendProgress(backendID, clientSessionID, token, 2, 2)
}

func (rt *Router) sendProgress(backendID, clientSessionID, token string, progress, total int) {
	payload := mcp.EncodeNotification("notifications/progress", map[string]any{
		"progressToken": token,
		"progress":      progress,
		"total":         total,
	})
	if clientSessionID != "" {
		_ = rt.proxy.Sessions.Notify(clientSessionID, payload)
	}
	rt.proxy.Bus.Publish(event.Event{
		SessionID: backendID,
		Type:      event.TypeProgress,
		Payload:   map[string]any{"token": token, "progress": progress, "total": total},
	})
}

// recordInteraction forwards to the proxy's audit store with the router's
// envelope metadata filled in.
func (rt *Router) recordInteraction(backendID, direction, messageType string, id json.RawMessage, method string, content []byte) {
	rt.proxy.recordInteraction(event.Interaction{
		SessionID:   backendID,
		Direction:   direction,
		MessageType: messageType,
		RequestID:   string(id),
		Method:      method,
		Content:     content,
		ContentSize: len(content),
		Timestamp:   time.Now().UTC(),
	})
}

// writeNoTarget replies with remediation hints when no backend was named.
func (rt *Router) writeNoTarget(msg *mcp.Message, stream backend.ClientStream) {
	backends := rt.proxy.Registry.List()
	stream.SetHeader("Content-Type", "application/json")
	stream.WriteHeader(http.StatusOK)

	if len(backends) == 0 {
		_, _ = stream.Write(mcp.EncodeError(msg.RawID(), mcp.CodeBackendNotFound,
			"no REPL sessions are running; start one with the start_julia_session tool", nil))
		stream.Flush()
		return
	}

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.ID)
	}
	sort.Strings(names)
	_, _ = stream.Write(mcp.EncodeError(msg.RawID(), mcp.CodeBackendNotFound,
		fmt.Sprintf("no target REPL selected; set the X-MCPRepl-Target header to one of: %s", strings.Join(names, ", ")), nil))
	stream.Flush()
}

// writeUnknownBackend replies with the list of registered backends.
func (rt *Router) writeUnknownBackend(msg *mcp.Message, targetID string, stream backend.ClientStream) {
	backends := rt.proxy.Registry.List()
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.ID)
	}
	sort.Strings(names)

	hint := "start one with the start_julia_session tool"
	if len(names) > 0 {
		hint = "available: " + strings.Join(names, ", ")
	}
	stream.SetHeader("Content-Type", "application/json")
	stream.WriteHeader(http.StatusOK)
	_, _ = stream.Write(mcp.EncodeError(msg.RawID(), mcp.CodeBackendNotFound,
		fmt.Sprintf("REPL %q not found; %s", targetID, hint), nil))
	stream.Flush()
}
