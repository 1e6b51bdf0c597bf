package mcp

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/waldo1001/bctb-mcp/internal/buildinfo"
)

// maxRequestBytes bounds a single HTTP request body.
const maxRequestBytes = 10 << 20

// HTTPHandler returns the HTTP transport: JSON-RPC over POST at /rpc
// (with /mcp as an alias for clients that expect the conventional MCP
// path) and a liveness probe at /healthz.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, newErrorResponse(nil, &RPCError{
			Code:    CodeParseError,
			Message: "invalid JSON",
		}))
		return
	}

	resp := s.Dispatch(r.Context(), &req)
	if resp == nil {
		// Notification: acknowledge with no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"server":  s.name,
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
