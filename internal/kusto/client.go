// Package kusto executes read-only KQL queries against the Application
// Insights query API and maps the engine's failures onto a typed error
// taxonomy the protocol layer can translate.
package kusto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/waldo1001/bctb-mcp/internal/auth"
	"github.com/waldo1001/bctb-mcp/internal/httpkit"
)

// Client executes queries against one Application Insights application.
type Client struct {
	clusterURL string
	appID      string
	removePII  bool
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(k *Client) { k.httpClient = c }
}

// WithPIIScrubbing enables scrubbing of email addresses, IP addresses,
// and GUID-shaped identifiers from result cells.
func WithPIIScrubbing(on bool) Option {
	return func(k *Client) { k.removePII = on }
}

// NewClient creates a query client for the given cluster and app.
func NewClient(clusterURL, appID string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		clusterURL: strings.TrimSuffix(clusterURL, "/"),
		appID:      appID,
		logger:     logger.With("component", "kusto"),
	}
	c.httpClient = httpkit.NewClient(
		httpkit.WithTimeout(60*time.Second),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(c.logger),
	)
	for _, o := range opts {
		o(c)
	}
	return c
}

// wireResponse is the engine's tabular answer: zero or more named tables.
type wireResponse struct {
	Tables []wireTable `json:"tables"`
}

type wireTable struct {
	Name    string       `json:"name"`
	Columns []wireColumn `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

type wireColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// wireError is the engine's error envelope.
type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Inner   *struct {
			Message string `json:"message"`
		} `json:"innererror"`
	} `json:"error"`
}

// Result is the flattened primary table.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Summary string   `json:"summary"`

	// Cached is set by the caller when the result was served from the
	// cache layer rather than the engine.
	Cached bool `json:"cached"`
}

// Execute validates and runs a query with the given bearer token. The
// deny-list check happens before any network traffic; a rejected query
// never reaches the engine.
func (c *Client) Execute(ctx context.Context, kql string, token *auth.Token) (*Result, error) {
	if violations := ValidateQuery(kql); len(violations) > 0 {
		return nil, &InvalidQueryError{Violations: violations}
	}

	body, err := json.Marshal(map[string]string{"query": kql})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/apps/%s/query", c.clusterURL, c.appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.mapError(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &QueryExecutionError{
			StatusCode: resp.StatusCode,
			Message:    "malformed response from analytics engine: " + err.Error(),
		}
	}

	result := flatten(&wire)
	if c.removePII {
		scrubResult(result)
	}

	c.logger.Debug("query executed",
		"rows", len(result.Rows),
		"columns", len(result.Columns),
		"duration", time.Since(start),
	)
	return result, nil
}

// mapError translates a non-2xx engine response into the error taxonomy.
func (c *Client) mapError(resp *http.Response) error {
	msg := engineMessage(httpkit.ReadErrorBody(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &auth.AuthenticationError{
			Message: fmt.Sprintf("analytics engine returned HTTP %d: check credentials and permissions", resp.StatusCode),
		}
	case http.StatusBadRequest:
		// Echoed verbatim so the calling LLM can correct its KQL.
		return &InvalidQueryError{Message: msg}
	case http.StatusTooManyRequests:
		return &RateLimitError{
			Message: fmt.Sprintf("Rate limit exceeded: %s. Please try again later.", msg),
		}
	default:
		return &QueryExecutionError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// engineMessage extracts the human-readable message from an engine error
// body, falling back to the raw body when it is not the usual envelope.
func engineMessage(body string) string {
	var we wireError
	if err := json.Unmarshal([]byte(body), &we); err == nil {
		if we.Error.Inner != nil && we.Error.Inner.Message != "" {
			return we.Error.Inner.Message
		}
		if we.Error.Message != "" {
			return we.Error.Message
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "no detail provided"
	}
	return body
}

// flatten reduces the wire format to its first (primary) table. Shape is
// preserved verbatim; no type coercion beyond what JSON already did.
func flatten(wire *wireResponse) *Result {
	if len(wire.Tables) == 0 {
		return &Result{Summary: "No results returned"}
	}

	t := wire.Tables[0]
	r := &Result{Rows: t.Rows}
	for _, col := range t.Columns {
		r.Columns = append(r.Columns, col.Name)
	}
	if len(r.Rows) == 0 {
		r.Summary = "No results returned"
	} else {
		r.Summary = fmt.Sprintf("Returned %d row(s) with %d column(s)", len(r.Rows), len(r.Columns))
	}
	return r
}
