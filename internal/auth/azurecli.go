package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/waldo1001/bctb-mcp/internal/config"
)

// azTokenOutput mirrors `az account get-access-token` JSON. Older CLI
// versions emit expiresOn as a local-time string; newer ones add
// expires_on as a unix timestamp.
type azTokenOutput struct {
	AccessToken string `json:"accessToken"`
	ExpiresOn   string `json:"expiresOn"`
	ExpiresOnTS any    `json:"expires_on"`
	TokenType   string `json:"tokenType"`
}

// runAzCLI is the production azRunner. It shells out to the az CLI and
// returns its stdout.
func runAzCLI(ctx context.Context, resource string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "az", "account", "get-access-token",
		"--resource", resource,
		"--output", "json",
	)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("az exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

// acquireAzureCLI delegates to an already-authenticated local az
// session. It fails fast with an actionable message when no session
// exists — this flow never prompts.
func (m *Manager) acquireAzureCLI(ctx context.Context) (*Token, error) {
	out, err := m.runAz(ctx, m.resource())
	if err != nil {
		msg := err.Error()
		if errors.Is(err, exec.ErrNotFound) {
			msg = "the az CLI is not installed or not on PATH"
		} else if strings.Contains(msg, "az login") || strings.Contains(msg, "AADSTS") {
			msg = "no active Azure CLI session; run `az login` and try again"
		}
		return nil, &AuthenticationError{
			Flow:    config.FlowAzureCLI,
			Message: msg,
			Err:     err,
		}
	}

	var tok azTokenOutput
	if err := json.Unmarshal(out, &tok); err != nil {
		return nil, &AuthenticationError{
			Flow:    config.FlowAzureCLI,
			Message: "unexpected az CLI output: " + err.Error(),
			Err:     err,
		}
	}
	if tok.AccessToken == "" {
		return nil, &AuthenticationError{
			Flow:    config.FlowAzureCLI,
			Message: "az CLI returned no access token; run `az login` and try again",
		}
	}

	expiresAt, ok := parseAzExpiry(tok)
	if !ok {
		// Last resort: the access token itself carries an exp claim.
		expiresAt, ok = jwtExpiry(tok.AccessToken)
	}
	if !ok {
		// Short default keeps us safe: the token gets refreshed early
		// rather than handed out stale.
		expiresAt = time.Now().Add(5 * time.Minute)
	}

	return &Token{
		Value:     tok.AccessToken,
		ExpiresAt: expiresAt,
		Flow:      config.FlowAzureCLI,
	}, nil
}

// parseAzExpiry extracts the expiry from az CLI output, handling both
// the unix-timestamp and local-time string forms.
func parseAzExpiry(tok azTokenOutput) (time.Time, bool) {
	switch v := tok.ExpiresOnTS.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(n, 0), true
		}
	}

	if tok.ExpiresOn != "" {
		for _, layout := range []string{
			"2006-01-02 15:04:05.000000",
			"2006-01-02 15:04:05",
			time.RFC3339,
		} {
			if t, err := time.ParseInLocation(layout, tok.ExpiresOn, time.Local); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// jwtExpiry decodes the bearer token without verifying its signature
// and reads the exp claim. Verification belongs to the resource server;
// we only need the lifetime.
func jwtExpiry(raw string) (time.Time, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
