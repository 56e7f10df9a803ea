package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// EncodeMessage serializes a JSON-RPC message to its wire format.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the specified direction and current timestamp.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// ErrorObject is the JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// errorEnvelope is a full JSON-RPC error response.
type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   ErrorObject     `json:"error"`
}

// resultEnvelope is a full JSON-RPC success response.
type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// notificationEnvelope is a JSON-RPC notification (no id).
type notificationEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// EncodeError builds a JSON-RPC error response for the given request id.
// A nil id is encoded as null per JSON-RPC 2.0.
func EncodeError(id json.RawMessage, code int, message string, data any) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	out, err := json.Marshal(errorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   ErrorObject{Code: code, Message: message, Data: data},
	})
	if err != nil {
		// Marshalling a flat envelope cannot fail for JSON-safe data;
		// fall back to a minimal static body just in case.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

// EncodeResult builds a JSON-RPC success response for the given request id.
func EncodeResult(id json.RawMessage, result any) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	out, err := json.Marshal(resultEnvelope{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		return EncodeError(id, CodeInternalError, "failed to encode result", nil)
	}
	return out
}

// EncodeNotification builds a JSON-RPC notification.
func EncodeNotification(method string, params any) []byte {
	out, err := json.Marshal(notificationEnvelope{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return nil
	}
	return out
}

// ContentBlock is one element of an MCP tool result content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextResult builds a ToolResult containing a single text block.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// TextError builds an error ToolResult containing a single text block.
func TextError(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}
