// Package clientsession tracks MCP client sessions minted on initialize and
// carried on every subsequent request via the Mcp-Session-Id header.
package clientsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout is how long a session may stay idle before the reaper
// collects it.
const DefaultIdleTimeout = time.Hour

// DefaultMailboxSize bounds the per-session notification mailbox.
const DefaultMailboxSize = 64

// ErrNotFound is returned for unknown or reaped session ids.
var ErrNotFound = errors.New("session not found")

// Session is one MCP client connection.
type Session struct {
	// ID is the server-minted opaque identifier returned via Mcp-Session-Id.
	ID string
	// TargetBackendID binds the session to a backend. Empty until the client
	// picks one (X-MCPRepl-Target header at initialize, or a proxy tool).
	TargetBackendID string
	// Capabilities holds the client capabilities from initialize.
	Capabilities map[string]any
	// CreatedAt is when the session was minted (UTC).
	CreatedAt time.Time
	// LastActivity is bumped on every request carrying the session id (UTC).
	LastActivity time.Time

	// notifications is the bounded mailbox for server-to-client
	// notifications. Enqueue is non-blocking-drop.
	notifications chan []byte
}

// Notifications exposes the session's notification mailbox for draining.
func (s *Session) Notifications() <-chan []byte {
	return s.notifications
}

// Table is the mutex-guarded map of live client sessions.
type Table struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	mailbox     int
	logger      *slog.Logger
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithIdleTimeout overrides the reaper window.
func WithIdleTimeout(d time.Duration) TableOption {
	return func(t *Table) {
		if d > 0 {
			t.idleTimeout = d
		}
	}
}

// WithLogger sets the table logger.
func WithLogger(logger *slog.Logger) TableOption {
	return func(t *Table) { t.logger = logger }
}

// NewTable creates an empty session table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		sessions:    make(map[string]*Session),
		idleTimeout: DefaultIdleTimeout,
		mailbox:     DefaultMailboxSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create mints a new session, optionally bound to a target backend.
func (t *Table) Create(targetBackendID string, capabilities map[string]any) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:              uuid.NewString(),
		TargetBackendID: targetBackendID,
		Capabilities:    capabilities,
		CreatedAt:       now,
		LastActivity:    now,
		notifications:   make(chan []byte, t.mailbox),
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s
}

// Get returns the session and bumps its activity timestamp.
func (t *Table) Get(id string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastActivity = time.Now().UTC()
	// Return a copy so callers can read fields without holding the table
	// lock. The mailbox channel is shared by reference.
	cp := *s
	return &cp, nil
}

// SetTarget rebinds a session to a backend.
func (t *Table) SetTarget(id, backendID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.TargetBackendID = backendID
	return nil
}

// Delete tears down a session.
func (t *Table) Delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(t.sessions, id)
	return nil
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Reap removes sessions idle longer than the configured window and returns
// how many were collected.
func (t *Table) Reap() int {
	cutoff := time.Now().UTC().Add(-t.idleTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	reaped := 0
	for id, s := range t.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(t.sessions, id)
			reaped++
		}
	}
	if reaped > 0 {
		t.logger.Debug("reaped idle client sessions", "count", reaped)
	}
	return reaped
}

// NotifyAll pushes a notification into every open mailbox without blocking.
// Sessions with a full mailbox miss that notification.
func (t *Table) NotifyAll(payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		select {
		case s.notifications <- payload:
		default:
		}
	}
}

// Notify pushes a notification to one session without blocking.
func (t *Table) Notify(id string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return ErrNotFound
	}
	select {
	case s.notifications <- payload:
	default:
	}
	return nil
}

// StartReaper runs the periodic reaper until ctx is cancelled.
func (t *Table) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Reap()
			}
		}
	}()
}
