// Package backend defines registered REPL backends and the registry that
// tracks their lifecycle.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a registered backend.
type Status string

const (
	// StatusReady means the backend is accepting forwarded requests.
	StatusReady Status = "ready"
	// StatusDisconnected means heartbeats stopped or a forward failed;
	// a reconnector may still recover the backend.
	StatusDisconnected Status = "disconnected"
	// StatusReconnecting means a reconnector is actively probing the backend
	// and requests are being buffered.
	StatusReconnecting Status = "reconnecting"
	// StatusStopped is terminal until a fresh registration. The pending
	// queue is always drained before entering this state.
	StatusStopped Status = "stopped"
)

var (
	// ErrNotFound is returned when a backend id is not registered.
	ErrNotFound = errors.New("backend not found")
	// ErrDuplicateRegistration is returned when a registration arrives for
	// an id owned by a different process.
	ErrDuplicateRegistration = errors.New("duplicate backend registration")
	// ErrPIDMismatch is returned when a heartbeat's pid does not match the
	// registered process.
	ErrPIDMismatch = errors.New("heartbeat pid mismatch")
)

// DuplicateError carries the identity details of a rejected registration.
type DuplicateError struct {
	ID            string
	ExistingPID   int
	ExistingPort  int
	RequestedPID  int
	RequestedPort int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("backend %q already registered by pid %d on port %d (requested pid %d, port %d)",
		e.ID, e.ExistingPID, e.ExistingPort, e.RequestedPID, e.RequestedPort)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateRegistration }

// Data returns the error payload placed in JSON-RPC error.data.
func (e *DuplicateError) Data() map[string]any {
	return map[string]any{
		"existing_pid":   e.ExistingPID,
		"existing_port":  e.ExistingPort,
		"requested_pid":  e.RequestedPID,
		"requested_port": e.RequestedPort,
	}
}

// PendingRequest is one buffered request awaiting backend recovery.
// The originating handler goroutine owns the client stream and blocks on
// Done; whoever resolves the entry writes the response first.
type PendingRequest struct {
	// Body is the raw JSON-RPC request body to replay.
	Body []byte
	// Method is the JSON-RPC method, kept for event classification.
	Method string
	// ToolName is set for tools/call requests.
	ToolName string
	// ID is the raw JSON-RPC id of the request.
	ID json.RawMessage
	// Stream receives the backend's response when the entry is flushed.
	Stream ClientStream
	// EnqueuedAt orders the queue and bounds the reconnection wait.
	EnqueuedAt time.Time
	// Done is closed exactly once when the entry is resolved (response
	// written, errored out, or abandoned).
	Done chan struct{}

	// mu serializes all writes to Stream between the keepalive writer and
	// whichever task resolves the entry.
	mu       sync.Mutex
	resolved bool
}

// NewPendingRequest builds a pending entry for the given request.
func NewPendingRequest(body []byte, method, toolName string, id json.RawMessage, stream ClientStream) *PendingRequest {
	return &PendingRequest{
		Body:       body,
		Method:     method,
		ToolName:   toolName,
		ID:         id,
		Stream:     stream,
		EnqueuedAt: time.Now().UTC(),
		Done:       make(chan struct{}),
	}
}

// WriteKeepalive writes keepalive bytes to the client stream unless the
// entry has already been resolved. Returns false with a nil error when the
// entry is resolved, and false with the write error when the client is gone.
func (p *PendingRequest) WriteKeepalive(b []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false, nil
	}
	if _, err := p.Stream.Write(b); err != nil {
		return false, err
	}
	p.Stream.Flush()
	return true, nil
}

// Resolve marks the entry resolved and, when it wins the race, runs write
// against the client stream under the write lock before closing Done.
// Returns false if the entry was already resolved.
func (p *PendingRequest) Resolve(write func(ClientStream)) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	if write != nil {
		write(p.Stream)
	}
	p.mu.Unlock()
	close(p.Done)
	return true
}

// ClientStream is the subset of the originating HTTP response stream the
// router and reconnector need: headers and status (only before the first
// body write), writes, flushes, and client-disconnect detection via the
// request context.
type ClientStream interface {
	SetHeader(key, value string)
	WriteHeader(status int)
	Write(p []byte) (int, error)
	Flush()
	Context() context.Context
}

// Connection is a registered REPL backend.
// All fields are owned by the Registry and must only be read through
// snapshots taken under the registry lock.
type Connection struct {
	ID               string
	Port             int
	PID              int
	Status           Status
	LastHeartbeat    time.Time
	MissedHeartbeats int
	LastError        string
	Metadata         map[string]string
	DisconnectTime   time.Time

	pending []*PendingRequest
	// reconnecting marks that a reconnector goroutine is live for this
	// backend, so the router does not start a second one.
	reconnecting bool
}

// Snapshot is a copy of a Connection's observable state, safe to use
// without holding the registry lock.
type Snapshot struct {
	ID               string            `json:"id"`
	Port             int               `json:"port"`
	PID              int               `json:"pid"`
	Status           Status            `json:"status"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	MissedHeartbeats int               `json:"missed_heartbeats"`
	LastError        string            `json:"last_error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	DisconnectTime   time.Time         `json:"disconnect_time,omitzero"`
	PendingCount     int               `json:"pending_count"`
}

// snapshot copies the connection's observable state.
func (c *Connection) snapshot() Snapshot {
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:               c.ID,
		Port:             c.Port,
		PID:              c.PID,
		Status:           c.Status,
		LastHeartbeat:    c.LastHeartbeat,
		MissedHeartbeats: c.MissedHeartbeats,
		LastError:        c.LastError,
		Metadata:         meta,
		DisconnectTime:   c.DisconnectTime,
		PendingCount:     len(c.pending),
	}
}
