// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the mcprepl proxy.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Proxy-specific JSON-RPC error codes. Standard codes (-32700, -32600,
// -32601, -32603) follow JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603

	// CodeDuplicateRegistration is returned when a second backend tries to
	// register under an id already owned by a different process.
	CodeDuplicateRegistration = -32000
	// CodeSessionNotFound is returned for an unknown Mcp-Session-Id.
	CodeSessionNotFound = -32001
	// CodeBackendNotFound is returned when the target backend is not registered.
	CodeBackendNotFound = -32002
	// CodeBackendNotReady is returned when the target backend exists but is
	// not in a state that can accept requests.
	CodeBackendNotReady = -32003
	// CodeBackendUnavailable is returned when a forward or reconnection wait
	// times out.
	CodeBackendUnavailable = -32005
)

// Direction indicates the flow direction of a message through the proxy.
type Direction int

const (
	// ClientToBackend indicates a message flowing from an MCP client toward
	// a REPL backend.
	ClientToBackend Direction = iota
	// BackendToClient indicates a message flowing from a REPL backend back
	// to an MCP client.
	BackendToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToBackend:
		return "inbound"
	case BackendToClient:
		return "outbound"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with proxy metadata.
// It stores both the raw bytes (for verbatim forwarding) and the decoded
// message (for dispatch and auditing).
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message is flowing toward a backend
	// or back to a client.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message. The concrete type is
	// either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the proxy.
	Timestamp time.Time

	// ParsedParams caches the parsed params of a request.
	// Set by ParseParams() for reuse; nil if not a request or parsing failed.
	ParsedParams map[string]any
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// IsNotification returns true if this is a request without an id.
func (m *Message) IsNotification() bool {
	return m.IsRequest() && m.RawID() == nil
}

// Request returns the underlying Request, or nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response, or nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and caches them in ParsedParams.
// Safe to call multiple times. Returns nil if this is not a request or the
// params are not a JSON object.
func (m *Message) ParseParams() map[string]any {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ToolName returns the tool name of a tools/call request, or empty string.
func (m *Message) ToolName() string {
	if !m.IsToolCall() {
		return ""
	}
	params := m.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// RawID extracts the request id from the raw message bytes as json.RawMessage.
// The raw form preserves the original encoding (number, string, or null),
// which matters when relaying a backend response verbatim.
// Returns nil if the message carries no id.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	id, ok := raw["id"]
	if !ok || string(id) == "null" {
		return nil
	}
	return id
}
