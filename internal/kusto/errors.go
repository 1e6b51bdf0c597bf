package kusto

import (
	"fmt"
	"strings"
)

// InvalidQueryError covers queries rejected locally by the deny-list
// check and 400 responses from the engine. The provider message is
// echoed verbatim so the calling LLM can self-correct.
type InvalidQueryError struct {
	Message    string
	Violations []string
}

func (e *InvalidQueryError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("invalid query: %s", strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("invalid query: %s", e.Message)
}

// RateLimitError is returned for HTTP 429. The caller decides whether
// and when to retry.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string { return e.Message }

// QueryExecutionError covers non-2xx statuses with no more specific
// mapping.
type QueryExecutionError struct {
	StatusCode int
	Message    string
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// NetworkError wraps transport-level failures (DNS, timeout, connection
// reset). The underlying error surfaces unchanged.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error contacting analytics engine: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
