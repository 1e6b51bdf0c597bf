package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/waldo1001/bctb-mcp/internal/config"
	"github.com/waldo1001/bctb-mcp/internal/httpkit"
)

// tokenResponse is the identity provider's answer on the token endpoint,
// for both the client_credentials grant and device-code polling.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`

	// Error fields, populated on non-2xx responses.
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// deviceCodeResponse is the provider's answer to a device authorization
// request.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`

	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// postForm sends a form-encoded POST and decodes the JSON response into
// out. The HTTP status is returned so callers can distinguish provider
// errors (carried in the body) from transport failures.
func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode provider response: %w", err)
	}
	return resp.StatusCode, nil
}

// acquireClientCredentials performs the single-round-trip confidential
// client grant. Deterministic success or failure, no human involved.
func (m *Manager) acquireClientCredentials(ctx context.Context) (*Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.profile.ClientID},
		"client_secret": {m.profile.ClientSecret},
		"scope":         {m.resource() + "/.default"},
	}

	var tr tokenResponse
	status, err := m.postForm(ctx, m.tokenEndpoint(), form, &tr)
	if err != nil {
		return nil, &AuthenticationError{
			Flow:    config.FlowClientCredentials,
			Message: "token request failed: " + err.Error(),
			Err:     err,
		}
	}
	if status != http.StatusOK || tr.AccessToken == "" {
		return nil, &AuthenticationError{
			Flow:    config.FlowClientCredentials,
			Message: providerMessage(tr.ErrorCode, tr.ErrorDescription),
		}
	}

	return &Token{
		Value:     tr.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Flow:      config.FlowClientCredentials,
	}, nil
}

// acquireDeviceCode starts an out-of-band device authorization, surfaces
// the user code through the prompt side channel, and polls until the
// user completes sign-in or the provider's window lapses.
func (m *Manager) acquireDeviceCode(ctx context.Context) (*Token, error) {
	clientID := m.profile.ClientID
	if clientID == "" {
		clientID = deviceCodeClientID
	}

	form := url.Values{
		"client_id": {clientID},
		"scope":     {m.resource() + "/.default"},
	}

	var dc deviceCodeResponse
	status, err := m.postForm(ctx, m.deviceCodeEndpoint(), form, &dc)
	if err != nil {
		return nil, &AuthenticationError{
			Flow:    config.FlowDeviceCode,
			Message: "device authorization request failed: " + err.Error(),
			Err:     err,
		}
	}
	if status != http.StatusOK || dc.DeviceCode == "" {
		return nil, &AuthenticationError{
			Flow:    config.FlowDeviceCode,
			Message: providerMessage(dc.ErrorCode, dc.ErrorDescription),
		}
	}

	m.prompt(DeviceCodePrompt{
		UserCode:        dc.UserCode,
		VerificationURL: dc.VerificationURI,
		Message:         dc.Message,
		ExpiresIn:       dc.ExpiresIn,
	})

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	pollForm := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {clientID},
		"device_code": {dc.DeviceCode},
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &AuthenticationError{
				Flow:    config.FlowDeviceCode,
				Message: "sign-in cancelled: " + ctx.Err().Error(),
				Err:     ctx.Err(),
			}
		case <-time.After(interval):
		}

		if time.Now().After(deadline) {
			return nil, &AuthenticationError{
				Flow:    config.FlowDeviceCode,
				Message: "sign-in timed out before the device code was used",
			}
		}

		var tr tokenResponse
		status, err := m.postForm(ctx, m.tokenEndpoint(), pollForm, &tr)
		if err != nil {
			return nil, &AuthenticationError{
				Flow:    config.FlowDeviceCode,
				Message: "token poll failed: " + err.Error(),
				Err:     err,
			}
		}

		if status == http.StatusOK && tr.AccessToken != "" {
			return &Token{
				Value:     tr.AccessToken,
				ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
				Flow:      config.FlowDeviceCode,
			}, nil
		}

		switch tr.ErrorCode {
		case "authorization_pending":
			// User has not finished signing in yet.
			continue
		case "slow_down":
			interval += 5 * time.Second
			continue
		case "expired_token", "authorization_declined", "bad_verification_code":
			return nil, &AuthenticationError{
				Flow:    config.FlowDeviceCode,
				Message: providerMessage(tr.ErrorCode, tr.ErrorDescription),
			}
		default:
			return nil, &AuthenticationError{
				Flow:    config.FlowDeviceCode,
				Message: providerMessage(tr.ErrorCode, tr.ErrorDescription),
			}
		}
	}
}

// providerMessage builds a readable message from the provider's error
// code and description.
func providerMessage(code, description string) string {
	switch {
	case code != "" && description != "":
		return fmt.Sprintf("%s: %s", code, description)
	case code != "":
		return code
	case description != "":
		return description
	default:
		return "identity provider rejected the request"
	}
}
