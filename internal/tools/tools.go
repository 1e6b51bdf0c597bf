// Package tools implements the MCP tools exposed by the server: query
// execution, the saved-query library, query history, cache management,
// and community example lookup. Each tool is a thin handler over the
// domain packages.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waldo1001/bctb-mcp/internal/auth"
	"github.com/waldo1001/bctb-mcp/internal/cache"
	"github.com/waldo1001/bctb-mcp/internal/config"
	"github.com/waldo1001/bctb-mcp/internal/history"
	"github.com/waldo1001/bctb-mcp/internal/kusto"
	"github.com/waldo1001/bctb-mcp/internal/mcp"
	"github.com/waldo1001/bctb-mcp/internal/queries"
	"github.com/waldo1001/bctb-mcp/internal/refs"
)

// TokenSource supplies bearer tokens for the telemetry engine.
type TokenSource interface {
	GetToken(ctx context.Context) (*auth.Token, error)
	Invalidate()
}

// Executor runs a validated KQL query against the engine.
type Executor interface {
	Execute(ctx context.Context, kql string, token *auth.Token) (*kusto.Result, error)
}

// ExampleSearcher finds community KQL examples.
type ExampleSearcher interface {
	Search(ctx context.Context, keywords []string, limit int) ([]refs.Reference, error)
}

// Service holds the wired domain components behind the tool handlers.
// Cache, History, and Examples may be nil when the profile disables
// them; the corresponding tools degrade rather than fail.
type Service struct {
	Profile  *config.Profile
	Tokens   TokenSource
	Engine   Executor
	Cache    *cache.Store
	Library  *queries.Library
	History  *history.Store
	Examples ExampleSearcher
	Logger   *slog.Logger
}

// Register adds every tool to the MCP server.
func (s *Service) Register(server *mcp.Server) {
	server.Register(&mcp.Tool{
		Name:        "query_telemetry",
		Description: "Run a read-only KQL query against the telemetry store. Results are cached; set bypass_cache to force a fresh run.",
		InputSchema: objectSchema(map[string]any{
			"query":        map[string]any{"type": "string", "description": "The KQL query to execute"},
			"bypass_cache": map[string]any{"type": "boolean", "description": "Skip the cache and query the engine directly"},
		}, "query"),
		Handler: s.queryTelemetry,
	})

	server.Register(&mcp.Tool{
		Name:        "get_saved_queries",
		Description: "List saved queries from the library, optionally filtered by tag.",
		InputSchema: objectSchema(map[string]any{
			"tag": map[string]any{"type": "string", "description": "Only return queries carrying this tag"},
		}),
		Handler: s.getSavedQueries,
	})

	server.Register(&mcp.Tool{
		Name:        "search_queries",
		Description: "Search saved queries by keyword. Name and tag matches rank highest.",
		InputSchema: objectSchema(map[string]any{
			"keywords": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Keywords to match against query metadata and body",
			},
		}, "keywords"),
		Handler: s.searchQueries,
	})

	server.Register(&mcp.Tool{
		Name:        "save_query",
		Description: "Save a KQL query to the library with metadata for later reuse.",
		InputSchema: objectSchema(map[string]any{
			"name":     map[string]any{"type": "string", "description": "Display name for the query"},
			"query":    map[string]any{"type": "string", "description": "The KQL text"},
			"category": map[string]any{"type": "string", "description": "Library category (directory)"},
			"purpose":  map[string]any{"type": "string", "description": "What the query answers"},
			"use_case": map[string]any{"type": "string", "description": "When to reach for it"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		}, "name", "query"),
		Handler: s.saveQuery,
	})

	server.Register(&mcp.Tool{
		Name:        "get_query_history",
		Description: "List recently executed queries, newest first.",
		InputSchema: objectSchema(map[string]any{
			"limit":  map[string]any{"type": "integer", "description": "Maximum entries to return (default 20)"},
			"search": map[string]any{"type": "string", "description": "Only entries whose query text contains this term"},
		}),
		Handler: s.getQueryHistory,
	})

	server.Register(&mcp.Tool{
		Name:        "search_examples",
		Description: "Search GitHub for community KQL example files matching the keywords.",
		InputSchema: objectSchema(map[string]any{
			"keywords": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"limit": map[string]any{"type": "integer", "description": "Maximum results (default 10)"},
		}, "keywords"),
		Handler: s.searchExamples,
	})

	server.Register(&mcp.Tool{
		Name:        "get_cache_stats",
		Description: "Report cache entry count and size on disk.",
		InputSchema: objectSchema(nil),
		Handler:     s.getCacheStats,
	})

	server.Register(&mcp.Tool{
		Name:        "clear_cache",
		Description: "Remove every cached query result.",
		InputSchema: objectSchema(nil),
		Handler:     s.clearCache,
	})

	server.Register(&mcp.Tool{
		Name:        "cleanup_cache",
		Description: "Remove only expired cached query results.",
		InputSchema: objectSchema(nil),
		Handler:     s.cleanupCache,
	})
}

// objectSchema builds the standard object schema with the given
// properties and required names.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object"}
	if props != nil {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type queryArgs struct {
	Query       string `json:"query"`
	BypassCache bool   `json:"bypass_cache"`
}

func (s *Service) queryTelemetry(ctx context.Context, raw json.RawMessage) (any, error) {
	var args queryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	// Reject locally before touching credentials: a doomed query must
	// not trigger an interactive sign-in.
	if violations := kusto.ValidateQuery(args.Query); len(violations) > 0 {
		return nil, &kusto.InvalidQueryError{Violations: violations}
	}

	key := cache.Key(args.Query, s.Profile.RemovePII)
	start := time.Now()

	if s.Cache != nil && !args.BypassCache {
		if data, ok := s.Cache.Get(key); ok {
			var result kusto.Result
			if err := json.Unmarshal(data, &result); err == nil {
				result.Cached = true
				s.record(args.Query, len(result.Rows), true, time.Since(start))
				return &result, nil
			}
			s.Logger.Warn("discarding undecodable cache entry", "key", key)
		}
	}

	result, err := s.execute(ctx, args.Query)
	if err != nil {
		return nil, err
	}

	if s.Cache != nil {
		if data, err := json.Marshal(result); err == nil {
			s.Cache.Set(key, data, time.Duration(s.Profile.CacheTTL)*time.Second)
		}
	}

	s.record(args.Query, len(result.Rows), false, time.Since(start))
	return result, nil
}

// execute runs the query, retrying once with fresh credentials when the
// engine rejects the token (expired or revoked since acquisition).
func (s *Service) execute(ctx context.Context, kql string) (*kusto.Result, error) {
	token, err := s.Tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.Engine.Execute(ctx, kql, token)
	var authErr *auth.AuthenticationError
	if errors.As(err, &authErr) {
		s.Logger.Info("token rejected by engine, reauthenticating")
		s.Tokens.Invalidate()
		token, err = s.Tokens.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		result, err = s.Engine.Execute(ctx, kql, token)
	}
	return result, err
}

// record appends to query history, best-effort.
func (s *Service) record(kql string, rowCount int, cached bool, duration time.Duration) {
	if s.History == nil {
		return
	}
	if _, err := s.History.Record(s.Profile.ConnectionName, kql, rowCount, cached, duration); err != nil {
		s.Logger.Warn("recording query history failed", "error", err)
	}
}

type tagArgs struct {
	Tag string `json:"tag"`
}

func (s *Service) getSavedQueries(_ context.Context, raw json.RawMessage) (any, error) {
	var args tagArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("parse args: %w", err)
		}
	}
	list := s.Library.List(args.Tag)
	return map[string]any{"queries": list, "count": len(list)}, nil
}

type keywordArgs struct {
	Keywords []string `json:"keywords"`
	Limit    int      `json:"limit"`
}

func (s *Service) searchQueries(_ context.Context, raw json.RawMessage) (any, error) {
	var args keywordArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	matches := s.Library.Search(args.Keywords)
	return map[string]any{"queries": matches, "count": len(matches)}, nil
}

type saveQueryArgs struct {
	Name     string   `json:"name"`
	Query    string   `json:"query"`
	Category string   `json:"category"`
	Purpose  string   `json:"purpose"`
	UseCase  string   `json:"use_case"`
	Tags     []string `json:"tags"`
}

func (s *Service) saveQuery(_ context.Context, raw json.RawMessage) (any, error) {
	var args saveQueryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	// Refuse to archive queries the engine would reject anyway.
	if violations := kusto.ValidateQuery(args.Query); len(violations) > 0 {
		return nil, &kusto.InvalidQueryError{
			Message:    "query failed validation",
			Violations: violations,
		}
	}

	path, err := s.Library.Save(&queries.SavedQuery{
		Name:     args.Name,
		Category: args.Category,
		Purpose:  args.Purpose,
		UseCase:  args.UseCase,
		Tags:     args.Tags,
		Body:     args.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("save query: %w", err)
	}
	return map[string]any{"saved": true, "path": path}, nil
}

type historyArgs struct {
	Limit  int    `json:"limit"`
	Search string `json:"search"`
}

func (s *Service) getQueryHistory(_ context.Context, raw json.RawMessage) (any, error) {
	if s.History == nil {
		return map[string]any{"entries": []any{}, "count": 0}, nil
	}

	var args historyArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("parse args: %w", err)
		}
	}

	var (
		entries []*history.Entry
		err     error
	)
	if args.Search != "" {
		entries, err = s.History.Search(args.Search, args.Limit)
	} else {
		entries, err = s.History.Recent(args.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

func (s *Service) searchExamples(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.Examples == nil {
		return map[string]any{"references": []any{}, "count": 0}, nil
	}

	var args keywordArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	found, err := s.Examples.Search(ctx, args.Keywords, args.Limit)
	if err != nil {
		// Community lookup is advisory; report the degradation instead
		// of failing the call.
		s.Logger.Warn("example search failed", "error", err)
		return map[string]any{"references": []any{}, "count": 0, "warning": err.Error()}, nil
	}
	return map[string]any{"references": found, "count": len(found)}, nil
}

func (s *Service) getCacheStats(_ context.Context, _ json.RawMessage) (any, error) {
	if s.Cache == nil {
		return map[string]any{"enabled": false}, nil
	}
	stats, err := s.Cache.Stats()
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return map[string]any{
		"enabled":    true,
		"entries":    stats.Entries,
		"size_bytes": stats.SizeBytes,
	}, nil
}

func (s *Service) clearCache(_ context.Context, _ json.RawMessage) (any, error) {
	if s.Cache == nil {
		return map[string]any{"enabled": false, "cleared": false}, nil
	}
	if err := s.Cache.Clear(); err != nil {
		return nil, fmt.Errorf("clear cache: %w", err)
	}
	return map[string]any{"enabled": true, "cleared": true}, nil
}

func (s *Service) cleanupCache(_ context.Context, _ json.RawMessage) (any, error) {
	if s.Cache == nil {
		return map[string]any{"enabled": false, "removed": 0}, nil
	}
	n, err := s.Cache.CleanupExpired()
	if err != nil {
		return nil, fmt.Errorf("cleanup cache: %w", err)
	}
	return map[string]any{"enabled": true, "removed": n}, nil
}
