package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request message. ID is kept raw so the
// response echoes whatever shape the client sent (number or string);
// a missing ID marks the message as a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Server-defined error codes for telemetry failures. The data object of
// these errors carries a stable "kind" string so clients can branch
// without parsing messages.
const (
	CodeQueryExecution = -32000
	CodeConfiguration  = -32001
	CodeAuthentication = -32002
	CodeInvalidQuery   = -32003
	CodeRateLimit      = -32004
	CodeNetwork        = -32005
)

// newResponse builds a success response echoing the request ID.
func newResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: normalizeID(id), Result: result}
}

// newErrorResponse builds an error response echoing the request ID.
func newErrorResponse(id json.RawMessage, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: normalizeID(id), Error: rpcErr}
}

// normalizeID turns an absent ID into an explicit null so the id field
// is always present in responses.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
