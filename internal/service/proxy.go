// Package service orchestrates the proxy: routing, backend recovery,
// heartbeat supervision, the proxy-owned toolset, and backend launching.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcprepl/mcprepl/internal/config"
	"github.com/mcprepl/mcprepl/internal/domain/backend"
	"github.com/mcprepl/mcprepl/internal/domain/clientsession"
	"github.com/mcprepl/mcprepl/internal/domain/event"
	"github.com/mcprepl/mcprepl/internal/port/outbound"
	"github.com/mcprepl/mcprepl/pkg/mcp"
)

// Proxy bundles the process-wide collaborators. It is created once at
// startup and passed explicitly so tests stay deterministic.
type Proxy struct {
	Cfg      *config.Config
	Port     int
	Registry *backend.Registry
	Sessions *clientsession.Table
	Bus      *event.Bus
	Store    outbound.AuditStore
	// History is set when the audit store can also read events back.
	History  outbound.EventReader
	Router   *Router
	Toolset  *Toolset
	Launcher *Launcher

	logger *slog.Logger
}

// NewProxy wires the proxy services around the given collaborators.
// store and sink may be nil when durable persistence is disabled; in
// production both are the SQLite event store.
func NewProxy(cfg *config.Config, port int, store outbound.AuditStore, sink event.Sink, logger *slog.Logger) *Proxy {
	p := &Proxy{
		Cfg:    cfg,
		Port:   port,
		Store:  store,
		logger: logger,
	}
	if reader, ok := store.(outbound.EventReader); ok {
		p.History = reader
	}

	busOpts := []event.BusOption{event.WithLogger(logger)}
	if sink != nil {
		busOpts = append(busOpts, event.WithSink(sink))
	}
	p.Bus = event.NewBus(busOpts...)
	p.Sessions = clientsession.NewTable(
		clientsession.WithIdleTimeout(cfg.Server.SessionIdleTimeout),
		clientsession.WithLogger(logger),
	)
	p.Registry = backend.NewRegistry(p.Bus, logger,
		backend.WithChangeHook(func(backend.Snapshot) {
			p.broadcastToolsChanged()
		}),
	)
	p.Router = NewRouter(p, logger)
	p.Toolset = NewToolset(p, logger)
	p.Launcher = NewLauncher(p, logger)
	return p
}

// Register handles proxy/register: creates or rebinds a backend entry and
// asynchronously flushes any requests buffered during an earlier outage.
func (p *Proxy) Register(id string, port, pid int, metadata map[string]string) (backend.Snapshot, error) {
	tr, err := p.Registry.Register(id, port, pid, metadata)
	if err != nil {
		return backend.Snapshot{}, err
	}
	p.persistSession(tr.Snapshot, "ready")
	p.scheduleFlush(tr)
	return tr.Snapshot, nil
}

// Unregister handles proxy/unregister. Buffered requests are drained with
// an error telling the client the backend is gone.
func (p *Proxy) Unregister(id string) error {
	tr, err := p.Registry.Unregister(id)
	if err != nil {
		return err
	}
	p.persistSession(tr.Snapshot, "stopped")
	go p.Router.DrainWithError(tr.Drained, mcp.CodeBackendUnavailable, "REPL unregistered while request was queued")
	return nil
}

// Heartbeat handles proxy/heartbeat. Unknown ids are re-created from the
// heartbeat itself so backends survive proxy restarts.
func (p *Proxy) Heartbeat(id string, port, pid int, metadata map[string]string) (backend.Snapshot, error) {
	tr, err := p.Registry.Heartbeat(id, port, pid, metadata)
	if err != nil {
		return backend.Snapshot{}, err
	}
	p.scheduleFlush(tr)
	return tr.Snapshot, nil
}

// scheduleFlush re-forwards buffered requests after a promotion to ready.
func (p *Proxy) scheduleFlush(tr backend.Transition) {
	if len(tr.Flush) == 0 {
		return
	}
	go p.Router.Flush(tr.Snapshot, tr.Flush)
}

// broadcastToolsChanged tells every open client session the tool catalog
// may have changed.
func (p *Proxy) broadcastToolsChanged() {
	if p.Sessions == nil {
		return
	}
	payload := mcp.EncodeNotification("notifications/tools/list_changed", nil)
	p.Sessions.NotifyAll(payload)
}

// RecordProxyToolCall publishes activity events for a tool the proxy
// answered itself. Proxy tool calls carry no backend session; they are
// recorded under the reserved "proxy" id so the dashboard timeline shows
// them alongside backend traffic.
func (p *Proxy) RecordProxyToolCall(name string, result mcp.ToolResult, elapsed time.Duration) {
	p.Bus.Publish(event.Event{
		SessionID: "proxy",
		Type:      event.TypeToolCall,
		Payload:   map[string]any{"tool": name, "proxy_owned": true},
	})
	p.Bus.Publish(event.Event{
		SessionID:      "proxy",
		Type:           event.TypeOutput,
		Payload:        map[string]any{"tool": name, "is_error": result.IsError},
		DurationMillis: elapsed.Milliseconds(),
	})
}

// persistSession upserts the high-level session row, logging and swallowing
// failures per the audit-log policy.
func (p *Proxy) persistSession(snap backend.Snapshot, status string) {
	if p.Store == nil {
		return
	}
	meta := make(map[string]any, len(snap.Metadata))
	for k, v := range snap.Metadata {
		meta[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Store.UpsertSession(ctx, event.PersistedSession{
		SessionID:    snap.ID,
		StartTime:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		Status:       status,
		Metadata:     meta,
	})
	if err != nil {
		p.logger.Warn("failed to persist session row", "id", snap.ID, "error", err)
	}
}

// recordInteraction appends an audit interaction, logging and swallowing
// failures.
func (p *Proxy) recordInteraction(in event.Interaction) {
	if p.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Store.RecordInteraction(ctx, in); err != nil {
		p.logger.Debug("failed to record interaction", "session", in.SessionID, "error", err)
	}
}
