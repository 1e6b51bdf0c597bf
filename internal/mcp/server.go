// Package mcp implements the server side of the Model Context Protocol:
// a JSON-RPC 2.0 tool server reachable over stdio (newline-delimited)
// and HTTP POST. The protocol layer knows nothing about telemetry; it
// dispatches to registered tools and maps their errors onto the wire.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler executes one tool call. args is the raw JSON arguments object
// (already validated against the tool's input schema).
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one callable tool exposed to MCP clients.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// toolDescriptor is the wire shape for tools/list.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Server dispatches JSON-RPC requests to registered tools.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string // preserves registration order for tools/list
}

// NewServer creates a server advertising the given name and version in
// its initialize response.
func NewServer(name, version string, logger *slog.Logger) *Server {
	return &Server{
		name:    name,
		version: version,
		logger:  logger.With("component", "mcp"),
		tools:   make(map[string]*Tool),
	}
}

// Register adds a tool. Registering the same name twice replaces the
// earlier definition.
func (s *Server) Register(t *Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[t.Name]; !exists {
		s.order = append(s.order, t.Name)
	}
	s.tools[t.Name] = t
}

// Dispatch handles one request and returns the response, or nil for
// notifications.
func (s *Server) Dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return newErrorResponse(req.ID, &RPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC),
		})
	}

	if req.IsNotification() {
		// The only notifications we expect are lifecycle ones
		// (notifications/initialized); nothing to do for any of them.
		s.logger.Debug("notification received", "method", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return newResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		})

	case "ping":
		return newResponse(req.ID, map[string]any{})

	case "tools/list":
		return newResponse(req.ID, map[string]any{"tools": s.descriptors()})

	case "tools/call":
		return s.callTool(ctx, req)

	default:
		// Convenience for plain JSON-RPC clients: every tool is also
		// callable directly by name, with params as the arguments
		// object and the result unwrapped.
		s.mu.RLock()
		tool, ok := s.tools[req.Method]
		s.mu.RUnlock()
		if !ok {
			return newErrorResponse(req.ID, &RPCError{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", req.Method),
			})
		}

		result, rpcErr := s.invoke(ctx, tool, req.Params)
		if rpcErr != nil {
			return newErrorResponse(req.ID, rpcErr)
		}
		return newResponse(req.ID, result)
	}
}

func (s *Server) descriptors() []toolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]toolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		out = append(out, toolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// callParams is the params shape of tools/call.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newErrorResponse(req.ID, &RPCError{
			Code:    CodeInvalidParams,
			Message: "params must be an object with a tool name",
		})
	}

	s.mu.RLock()
	tool, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return newErrorResponse(req.ID, &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("tool %q not found", params.Name),
		})
	}

	result, rpcErr := s.invoke(ctx, tool, params.Arguments)
	if rpcErr != nil {
		return newErrorResponse(req.ID, rpcErr)
	}

	// MCP wraps tool output in a content block list; we emit one JSON
	// text block per call.
	text, err := json.Marshal(result)
	if err != nil {
		return newErrorResponse(req.ID, &RPCError{
			Code:    CodeInternal,
			Message: fmt.Sprintf("encode tool result: %v", err),
		})
	}

	return newResponse(req.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
	})
}

// invoke validates arguments against the tool's schema and runs its
// handler, translating any failure into an RPC error.
func (s *Server) invoke(ctx context.Context, tool *Tool, args json.RawMessage) (any, *RPCError) {
	if err := validateArgs(tool.InputSchema, args); err != nil {
		return nil, &RPCError{
			Code:    CodeInvalidParams,
			Message: err.Error(),
		}
	}

	s.logger.Debug("tool call", "tool", tool.Name)

	result, err := tool.Handler(ctx, args)
	if err != nil {
		rpcErr := MapError(err)
		s.logger.Warn("tool call failed",
			"tool", tool.Name,
			"code", rpcErr.Code,
			"error", err,
		)
		return nil, rpcErr
	}
	return result, nil
}
