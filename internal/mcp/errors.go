package mcp

import (
	"errors"

	"github.com/waldo1001/bctb-mcp/internal/auth"
	"github.com/waldo1001/bctb-mcp/internal/config"
	"github.com/waldo1001/bctb-mcp/internal/kusto"
)

// MapError translates domain errors into JSON-RPC error objects. Each
// mapping carries a stable "kind" discriminator in the data object;
// anything unrecognized becomes an internal error.
func MapError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return &RPCError{
			Code:    CodeConfiguration,
			Message: cfgErr.Error(),
			Data:    map[string]any{"kind": "configuration"},
		}
	}

	var authErr *auth.AuthenticationError
	if errors.As(err, &authErr) {
		data := map[string]any{"kind": "authentication"}
		if authErr.Flow != "" {
			data["flow"] = authErr.Flow
		}
		return &RPCError{
			Code:    CodeAuthentication,
			Message: authErr.Error(),
			Data:    data,
		}
	}

	var invalidErr *kusto.InvalidQueryError
	if errors.As(err, &invalidErr) {
		return &RPCError{
			Code:    CodeInvalidQuery,
			Message: invalidErr.Error(),
			Data: map[string]any{
				"kind":       "invalid_query",
				"violations": invalidErr.Violations,
			},
		}
	}

	var rateErr *kusto.RateLimitError
	if errors.As(err, &rateErr) {
		return &RPCError{
			Code:    CodeRateLimit,
			Message: rateErr.Error(),
			Data:    map[string]any{"kind": "rate_limit"},
		}
	}

	var netErr *kusto.NetworkError
	if errors.As(err, &netErr) {
		return &RPCError{
			Code:    CodeNetwork,
			Message: netErr.Error(),
			Data:    map[string]any{"kind": "network"},
		}
	}

	var execErr *kusto.QueryExecutionError
	if errors.As(err, &execErr) {
		return &RPCError{
			Code:    CodeQueryExecution,
			Message: execErr.Error(),
			Data: map[string]any{
				"kind":   "query_execution",
				"status": execErr.StatusCode,
			},
		}
	}

	return &RPCError{
		Code:    CodeInternal,
		Message: err.Error(),
		Data:    map[string]any{"kind": "internal"},
	}
}
