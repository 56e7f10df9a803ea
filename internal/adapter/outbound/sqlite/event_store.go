// Package sqlite persists the proxy's audit log: sessions, events, and full
// request/response interactions. The store is append-only and never a source
// of truth for live state; every write failure is logged and swallowed by
// the callers (safe-log policy).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcprepl/mcprepl/internal/domain/event"
)

// EventStore is a SQLite-backed audit log. Writes are serialized through a
// single connection so concurrent publishers never contend inside SQLite.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the database at path, applies migrations, and
// prepares the store for writes.
func Open(ctx context.Context, path string, logger *slog.Logger) (*EventStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	// One writer connection keeps statement execution serialized.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &EventStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// RecordEvent appends one event row. Implements event.Sink.
func (s *EventStore) RecordEvent(evt event.Event) error {
	var payload []byte
	if evt.Payload != nil {
		var err error
		payload, err = json.Marshal(evt.Payload)
		if err != nil {
			payload = nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, timestamp, payload, duration_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		evt.SessionID, string(evt.Type), evt.Timestamp.UTC(), nullableBytes(payload), evt.DurationMillis,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecordInteraction appends one full request/response envelope.
func (s *EventStore) RecordInteraction(ctx context.Context, in event.Interaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (session_id, direction, message_type, request_id, method, content, content_size, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.SessionID, in.Direction, in.MessageType, in.RequestID, in.Method,
		in.Content, in.ContentSize, in.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}
	return nil
}

// UpsertSession creates or refreshes the high-level session row.
func (s *EventStore) UpsertSession(ctx context.Context, ps event.PersistedSession) error {
	var metadata []byte
	if ps.Metadata != nil {
		metadata, _ = json.Marshal(ps.Metadata)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, start_time, last_activity, status, metadata)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   last_activity = excluded.last_activity,
		   status = excluded.status,
		   metadata = COALESCE(excluded.metadata, sessions.metadata)`,
		ps.SessionID, ps.StartTime.UTC(), ps.LastActivity.UTC(), ps.Status, nullableBytes(metadata),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// Events returns up to limit persisted events for a session, newest last.
func (s *EventStore) Events(ctx context.Context, sessionID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, event_type, timestamp, payload, duration_ms
		 FROM (
		   SELECT session_id, event_type, timestamp, payload, duration_ms
		   FROM events WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			evt     event.Event
			evtType string
			payload []byte
		)
		if err := rows.Scan(&evt.SessionID, &evtType, &evt.Timestamp, &payload, &evt.DurationMillis); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Type = event.Type(evtType)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &evt.Payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Cleanup deletes events and interactions older than the retention window.
// Returns the number of event rows removed.
func (s *EventStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old events: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE timestamp < ?`, cutoff); err != nil {
		return n, fmt.Errorf("deleting old interactions: %w", err)
	}
	return n, nil
}

// StartCleanup runs Cleanup once a day until ctx is cancelled.
func (s *EventStore) StartCleanup(ctx context.Context, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Cleanup(ctx, retention); err != nil {
					s.logger.Warn("event store cleanup failed", "error", err)
				} else if n > 0 {
					s.logger.Info("event store cleanup", "removed", n)
				}
			}
		}
	}()
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ event.Sink = (*EventStore)(nil)
