// Package outbound defines the interfaces the proxy services need from
// infrastructure adapters.
package outbound

import (
	"context"

	"github.com/mcprepl/mcprepl/internal/domain/event"
)

// AuditStore persists high-level sessions and full request/response
// interactions. Implementations must treat writes as best-effort; callers
// log and swallow failures.
type AuditStore interface {
	RecordInteraction(ctx context.Context, in event.Interaction) error
	UpsertSession(ctx context.Context, ps event.PersistedSession) error
}

// EventReader serves persisted events back out, for history older than the
// in-memory ring. Durable stores implement this alongside AuditStore.
type EventReader interface {
	Events(ctx context.Context, sessionID string, limit int) ([]event.Event, error)
}
