package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/event"
)

func openTestStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndReadEvents(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	events := []event.Event{
		{SessionID: "julia-a", Type: event.TypeToolCall, Timestamp: base, Payload: map[string]any{"tool": "ex"}},
		{SessionID: "julia-a", Type: event.TypeOutput, Timestamp: base.Add(time.Second), DurationMillis: 42},
		{SessionID: "julia-b", Type: event.TypeToolCall, Timestamp: base.Add(2 * time.Second)},
	}
	for _, evt := range events {
		if err := store.RecordEvent(evt); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	got, err := store.Events(context.Background(), "julia-a", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != event.TypeToolCall || got[1].Type != event.TypeOutput {
		t.Errorf("order wrong: %s then %s", got[0].Type, got[1].Type)
	}
	if got[0].Payload["tool"] != "ex" {
		t.Errorf("payload = %v", got[0].Payload)
	}
	if got[1].DurationMillis != 42 {
		t.Errorf("duration = %d", got[1].DurationMillis)
	}
}

func TestEventsLimitKeepsNewest(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		evt := event.Event{
			SessionID: "julia-a",
			Type:      event.TypeOutput,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   map[string]any{"n": i},
		}
		if err := store.RecordEvent(evt); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Events(context.Background(), "julia-a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// The limit keeps the newest rows but returns them oldest first.
	if got[0].Payload["n"] != float64(3) || got[1].Payload["n"] != float64(4) {
		t.Errorf("payloads = %v, %v", got[0].Payload, got[1].Payload)
	}
}

func TestUpsertSessionUpdatesOnConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	if err := store.UpsertSession(ctx, event.PersistedSession{
		SessionID:    "julia-a",
		StartTime:    start,
		LastActivity: start,
		Status:       "ready",
		Metadata:     map[string]any{"project": "/work/demo"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSession(ctx, event.PersistedSession{
		SessionID:    "julia-a",
		StartTime:    start,
		LastActivity: start.Add(time.Minute),
		Status:       "stopped",
	}); err != nil {
		t.Fatal(err)
	}

	var count int
	var status, metadata string
	row := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("sessions rows = %d, want 1", count)
	}
	row = store.db.QueryRowContext(ctx, `SELECT status, metadata FROM sessions WHERE session_id = 'julia-a'`)
	if err := row.Scan(&status, &metadata); err != nil {
		t.Fatal(err)
	}
	if status != "stopped" {
		t.Errorf("status = %q, want stopped", status)
	}
	// A nil metadata update must not clobber the recorded project.
	if !strings.Contains(metadata, "/work/demo") {
		t.Errorf("metadata lost on upsert: %q", metadata)
	}
}

func TestRecordInteraction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.RecordInteraction(ctx, event.Interaction{
		SessionID:   "julia-a",
		Direction:   "inbound",
		MessageType: "request",
		RequestID:   "1",
		Method:      "tools/call",
		Content:     []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`),
		ContentSize: 45,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("interactions rows = %d, want 1", count)
	}
}

func TestCleanupRemovesOldRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := event.Event{SessionID: "julia-a", Type: event.TypeOutput, Timestamp: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := event.Event{SessionID: "julia-a", Type: event.TypeOutput, Timestamp: time.Now().UTC()}
	if err := store.RecordEvent(old); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordEvent(fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	got, err := store.Events(ctx, "julia-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("remaining events = %d, want 1", len(got))
	}
}
