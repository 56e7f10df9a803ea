// Package event defines the proxy's activity records and the in-memory
// broadcast bus that fans them out to dashboard subscribers.
package event

import "time"

// Type classifies an activity record.
type Type string

const (
	TypeAgentStart    Type = "AGENT_START"
	TypeAgentStop     Type = "AGENT_STOP"
	TypeToolCall      Type = "TOOL_CALL"
	TypeCodeExecution Type = "CODE_EXECUTION"
	TypeOutput        Type = "OUTPUT"
	TypeError         Type = "ERROR"
	TypeHeartbeat     Type = "HEARTBEAT"
	TypeProgress      Type = "PROGRESS"
)

// Event is a structured activity record published to the bus and, when a
// durable sink is attached, persisted to the event store.
type Event struct {
	// SessionID names the backend session this event belongs to.
	SessionID string `json:"session_id"`
	// Type classifies the event.
	Type Type `json:"type"`
	// Timestamp is when the generating operation completed (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Payload carries free-form event details.
	Payload map[string]any `json:"payload,omitempty"`
	// DurationMillis is set for events with a measured duration.
	DurationMillis int64 `json:"duration_ms,omitempty"`
}

// Interaction is a full request/response envelope captured for audit.
// Interactions go only to the durable store, never to live subscribers.
type Interaction struct {
	SessionID   string    `json:"session_id"`
	Direction   string    `json:"direction"` // inbound | outbound
	MessageType string    `json:"message_type"`
	RequestID   string    `json:"request_id"`
	Method      string    `json:"method"`
	Content     []byte    `json:"content"`
	ContentSize int       `json:"content_size"`
	Timestamp   time.Time `json:"timestamp"`
}

// PersistedSession is the high-level session row kept in the store.
type PersistedSession struct {
	SessionID    string         `json:"session_id"`
	StartTime    time.Time      `json:"start_time"`
	LastActivity time.Time      `json:"last_activity"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
