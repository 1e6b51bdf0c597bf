package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/waldo1001/bctb-mcp/internal/kusto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() *Server {
	s := NewServer("test-server", "0.0.1", discardLogger())
	s.Register(&Tool{
		Name:        "echo",
		Description: "Echo the message back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"count":   map[string]any{"type": "integer"},
			},
			"required": []string{"message"},
		},
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]any{"echoed": in.Message}, nil
		},
	})
	s.Register(&Tool{
		Name:        "fail",
		Description: "Always fails",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, &kusto.RateLimitError{Message: "Rate limit exceeded: slow down. Please try again later."}
		},
	})
	return s
}

func makeRequest(t *testing.T, id int, method string, params any) *Request {
	t.Helper()
	req := &Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	return req
}

func TestDispatchInitialize(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
	}))

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "test-server" {
		t.Errorf("serverInfo.name = %v", info["name"])
	}
}

func TestDispatchToolsList(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 2, "tools/list", nil))

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	tools := resp.Result.(map[string]any)["tools"].([]toolDescriptor)
	if len(tools) != 2 {
		t.Fatalf("got %d tools", len(tools))
	}
	// Registration order is preserved.
	if tools[0].Name != "echo" || tools[1].Name != "fail" {
		t.Errorf("tool order = %q, %q", tools[0].Name, tools[1].Name)
	}
	if tools[0].InputSchema == nil {
		t.Error("echo tool is missing its input schema")
	}
}

func TestDispatchToolCall(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 3, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hello"},
	}))

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	content := resp.Result.(map[string]any)["content"].([]map[string]any)
	if len(content) != 1 || content[0]["type"] != "text" {
		t.Fatalf("unexpected content: %+v", content)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(content[0]["text"].(string)), &payload); err != nil {
		t.Fatalf("content text is not JSON: %v", err)
	}
	if payload["echoed"] != "hello" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDispatchDirectToolMethod(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 11, "echo", map[string]any{
		"message": "direct",
	}))

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	// Direct calls return the raw result, not MCP content blocks.
	result := resp.Result.(map[string]any)
	if result["echoed"] != "direct" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchDirectToolMethodValidates(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 12, "echo", map[string]any{}))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid-params, got %+v", resp.Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 4, "bogus/method", nil))

	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 5, "tools/call", map[string]any{
		"name":      "nonexistent",
		"arguments": map[string]any{},
	}))

	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestDispatchSchemaValidation(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"message": 42}},
		{"non-integer count", map[string]any{"message": "hi", "count": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Dispatch(context.Background(), makeRequest(t, 6, "tools/call", map[string]any{
				"name":      "echo",
				"arguments": tt.args,
			}))
			if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
				t.Fatalf("expected invalid-params, got %+v", resp.Error)
			}
			// The handler must not run on invalid input.
			if resp.Result != nil {
				t.Errorf("unexpected result: %+v", resp.Result)
			}
		})
	}
}

func TestDispatchToolErrorMapping(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), makeRequest(t, 7, "tools/call", map[string]any{
		"name":      "fail",
		"arguments": map[string]any{},
	}))

	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	if resp.Error.Code != CodeRateLimit {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeRateLimit)
	}
	data := resp.Error.Data.(map[string]any)
	if data["kind"] != "rate_limit" {
		t.Errorf("kind = %v", data["kind"])
	}
}

func TestDispatchNotification(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), &Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	if resp != nil {
		t.Errorf("notifications must not produce a response, got %+v", resp)
	}
}

func TestDispatchWrongVersion(t *testing.T) {
	s := newTestServer()
	resp := s.Dispatch(context.Background(), &Request{
		JSONRPC: "1.0",
		ID:      json.RawMessage("1"),
		Method:  "initialize",
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid-request, got %+v", resp.Error)
	}
}

func TestMapErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"invalid query", &kusto.InvalidQueryError{Message: "bad", Violations: []string{"x"}}, CodeInvalidQuery, "invalid_query"},
		{"rate limit", &kusto.RateLimitError{Message: "m"}, CodeRateLimit, "rate_limit"},
		{"network", &kusto.NetworkError{Err: errors.New("refused")}, CodeNetwork, "network"},
		{"execution", &kusto.QueryExecutionError{StatusCode: 500, Message: "boom"}, CodeQueryExecution, "query_execution"},
		{"unknown", errors.New("plain"), CodeInternal, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := MapError(tt.err)
			if rpcErr.Code != tt.code {
				t.Errorf("code = %d, want %d", rpcErr.Code, tt.code)
			}
			if kind := rpcErr.Data.(map[string]any)["kind"]; kind != tt.kind {
				t.Errorf("kind = %v, want %q", kind, tt.kind)
			}
		})
	}
}

func TestMapErrorPassesThroughRPCError(t *testing.T) {
	orig := &RPCError{Code: CodeMethodNotFound, Message: "nope"}
	if got := MapError(fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("got %+v, want original", got)
	}
}
