package backend

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/event"
)

// Registry is the authoritative map of backend id to connection state.
// All reads and writes hold the mutex; no I/O happens under the lock.
// State transitions that require I/O (flushing buffered requests, draining
// them with an error) return the affected entries so the caller can perform
// the writes after the lock is released.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	bus      *event.Bus
	logger   *slog.Logger
	onChange func(Snapshot)
}

// Transition reports the outcome of a registry state change. Flush entries
// must be re-forwarded (the backend became ready); Drained entries must be
// errored out to their client streams.
type Transition struct {
	Snapshot Snapshot
	Flush    []*PendingRequest
	Drained  []*PendingRequest
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithChangeHook sets a callback invoked (outside the lock) after every
// registration, promotion, or demotion. Used to broadcast
// notifications/tools/list_changed to open client sessions.
func WithChangeHook(fn func(Snapshot)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a registry publishing lifecycle events to bus.
func NewRegistry(bus *event.Bus, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		bus:    bus,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates or updates a backend entry.
// Same id + same pid updates in place (process-restart case) and returns any
// buffered requests for flushing. Same id + different pid is rejected with a
// *DuplicateError naming the incumbent; the existing entry is unchanged.
func (r *Registry) Register(id string, port, pid int, metadata map[string]string) (Transition, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	existing, ok := r.conns[id]
	if ok && existing.PID != pid && existing.PID != 0 && pid != 0 {
		dup := &DuplicateError{
			ID:            id,
			ExistingPID:   existing.PID,
			ExistingPort:  existing.Port,
			RequestedPID:  pid,
			RequestedPort: port,
		}
		r.mu.Unlock()
		return Transition{}, dup
	}

	var tr Transition
	if ok {
		existing.Port = port
		if pid != 0 {
			existing.PID = pid
		}
		for k, v := range metadata {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string)
			}
			existing.Metadata[k] = v
		}
		r.promoteLocked(existing, now)
		tr.Flush = r.takePendingLocked(existing)
		tr.Snapshot = existing.snapshot()
	} else {
		conn := &Connection{
			ID:            id,
			Port:          port,
			PID:           pid,
			Status:        StatusReady,
			LastHeartbeat: now,
			Metadata:      metadata,
		}
		r.conns[id] = conn
		tr.Snapshot = conn.snapshot()
	}
	r.mu.Unlock()

	r.bus.Publish(event.Event{
		SessionID: id,
		Type:      event.TypeAgentStart,
		Payload:   map[string]any{"port": port, "pid": pid, "rebind": ok},
	})
	r.notifyChange(tr.Snapshot)
	return tr, nil
}

// Unregister removes a backend from any state. Buffered requests are
// returned for draining with an error.
func (r *Registry) Unregister(id string) (Transition, error) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Transition{}, ErrNotFound
	}
	tr := Transition{Drained: r.takePendingLocked(conn), Snapshot: conn.snapshot()}
	delete(r.conns, id)
	r.mu.Unlock()

	r.bus.Publish(event.Event{SessionID: id, Type: event.TypeAgentStop})
	r.notifyChange(tr.Snapshot)
	return tr, nil
}

// Heartbeat records liveness from a backend. A mismatched pid is rejected.
// An unknown id re-creates the entry from the heartbeat's own port/pid,
// which lets a fleet of backends survive a proxy restart.
func (r *Registry) Heartbeat(id string, port, pid int, metadata map[string]string) (Transition, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		tr, err := r.Register(id, port, pid, metadata)
		if err != nil {
			return Transition{}, err
		}
		r.bus.Publish(event.Event{
			SessionID: id,
			Type:      event.TypeHeartbeat,
			Payload:   map[string]any{"recreated": true},
		})
		return tr, nil
	}

	if conn.PID != 0 && pid != 0 && conn.PID != pid {
		r.mu.Unlock()
		return Transition{}, ErrPIDMismatch
	}

	wasReady := conn.Status == StatusReady
	if port != 0 {
		conn.Port = port
	}
	r.promoteLocked(conn, now)
	var tr Transition
	tr.Flush = r.takePendingLocked(conn)
	tr.Snapshot = conn.snapshot()
	r.mu.Unlock()

	if !wasReady {
		r.notifyChange(tr.Snapshot)
	}
	return tr, nil
}

// promoteLocked transitions a connection to ready, restoring the ready-state
// invariants (no error, no missed heartbeats, no disconnect time).
func (r *Registry) promoteLocked(conn *Connection, now time.Time) {
	conn.Status = StatusReady
	conn.LastHeartbeat = now
	conn.MissedHeartbeats = 0
	conn.LastError = ""
	conn.DisconnectTime = time.Time{}
}

// takePendingLocked removes and returns the pending queue in FIFO order.
func (r *Registry) takePendingLocked(conn *Connection) []*PendingRequest {
	pending := conn.pending
	conn.pending = nil
	return pending
}

// Get returns a snapshot of the named backend.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return Snapshot{}, false
	}
	return conn.snapshot(), true
}

// List returns snapshots of all backends.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.snapshot())
	}
	return out
}

// DemoteIfStale transitions a ready backend whose last heartbeat is older
// than staleBefore to disconnected. Returns the new snapshot and true when
// the transition happened.
func (r *Registry) DemoteIfStale(id string, staleBefore time.Time) (Snapshot, bool) {
	now := time.Now().UTC()

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || conn.Status != StatusReady || !conn.LastHeartbeat.Before(staleBefore) {
		r.mu.Unlock()
		return Snapshot{}, false
	}
	conn.Status = StatusDisconnected
	conn.DisconnectTime = now
	conn.MissedHeartbeats++
	conn.LastError = "heartbeat timeout"
	snap := conn.snapshot()
	r.mu.Unlock()

	r.bus.Publish(event.Event{
		SessionID: id,
		Type:      event.TypeError,
		Payload:   map[string]any{"error": "heartbeat timeout", "missed": snap.MissedHeartbeats},
	})
	r.notifyChange(snap)
	return snap, true
}

// ForwardFailed records a failed forward to the backend. When the outage
// began more than outageLimit ago the backend is demoted to stopped and its
// queue drained; otherwise it transitions to disconnected.
func (r *Registry) ForwardFailed(id, errMsg string, outageLimit time.Duration) (Transition, bool, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Transition{}, false, ErrNotFound
	}

	conn.LastError = errMsg
	conn.MissedHeartbeats++

	var tr Transition
	stopped := false
	if !conn.DisconnectTime.IsZero() && now.Sub(conn.DisconnectTime) > outageLimit {
		conn.Status = StatusStopped
		tr.Drained = r.takePendingLocked(conn)
		stopped = true
	} else {
		conn.Status = StatusDisconnected
		if conn.DisconnectTime.IsZero() {
			conn.DisconnectTime = now
		}
	}
	tr.Snapshot = conn.snapshot()
	r.mu.Unlock()

	r.bus.Publish(event.Event{
		SessionID: id,
		Type:      event.TypeError,
		Payload:   map[string]any{"error": errMsg, "stopped": stopped},
	})
	r.notifyChange(tr.Snapshot)
	return tr, stopped, nil
}

// Buffer appends a pending request for a non-ready backend and promotes it
// to reconnecting. startReconnector reports whether the caller should spawn
// a reconnector task (at most one runs per backend).
func (r *Registry) Buffer(id string, pr *PendingRequest) (startReconnector bool, err error) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if conn.Status == StatusStopped {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	conn.pending = append(conn.pending, pr)
	if conn.Status == StatusDisconnected {
		conn.Status = StatusReconnecting
	}
	start := !conn.reconnecting
	conn.reconnecting = true
	r.mu.Unlock()
	return start, nil
}

// RemovePending drops a single buffered entry, used when the waiting client
// stream is discovered closed.
func (r *Registry) RemovePending(id string, pr *PendingRequest) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		for i, p := range conn.pending {
			if p == pr {
				conn.pending = append(conn.pending[:i], conn.pending[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
}

// PromoteReady transitions a backend to ready (probe success path) and
// returns its buffered requests for flushing.
func (r *Registry) PromoteReady(id string) (Transition, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Transition{}, ErrNotFound
	}
	r.promoteLocked(conn, now)
	var tr Transition
	tr.Flush = r.takePendingLocked(conn)
	tr.Snapshot = conn.snapshot()
	r.mu.Unlock()

	r.notifyChange(tr.Snapshot)
	return tr, nil
}

// AbandonReconnect is called when a reconnector exhausts its probes.
// The pending queue is drained for erroring out and the backend drops back
// to disconnected so a later heartbeat can still recover it.
func (r *Registry) AbandonReconnect(id string) (Transition, error) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Transition{}, ErrNotFound
	}
	var tr Transition
	tr.Drained = r.takePendingLocked(conn)
	if conn.Status == StatusReconnecting {
		conn.Status = StatusDisconnected
	}
	tr.Snapshot = conn.snapshot()
	r.mu.Unlock()
	return tr, nil
}

// TryAcquireReconnector claims the single-reconnector slot for a backend.
// Returns true when the caller should spawn the reconnector task.
func (r *Registry) TryAcquireReconnector(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok || conn.reconnecting {
		return false
	}
	conn.reconnecting = true
	return true
}

// ReconnectorDone clears the single-reconnector guard for a backend.
func (r *Registry) ReconnectorDone(id string) {
	r.mu.Lock()
	if conn, ok := r.conns[id]; ok {
		conn.reconnecting = false
	}
	r.mu.Unlock()
}

func (r *Registry) notifyChange(snap Snapshot) {
	if r.onChange != nil {
		r.onChange(snap)
	}
}
