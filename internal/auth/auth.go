// Package auth acquires and caches bearer tokens for the analytics
// engine. Three flows are supported: interactive device code,
// non-interactive client credentials, and delegation to an existing
// Azure CLI session. Tokens live in memory only and are replaced, never
// mutated, on refresh.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/waldo1001/bctb-mcp/internal/config"
	"github.com/waldo1001/bctb-mcp/internal/httpkit"
)

// refreshMargin is how much remaining lifetime a cached token must have
// to be handed out without a refresh.
const refreshMargin = 2 * time.Minute

// deviceCodeClientID is the Azure CLI public client, used for the
// device_code flow when the profile does not name its own application.
const deviceCodeClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"

// defaultLoginBase is the Microsoft identity platform endpoint.
const defaultLoginBase = "https://login.microsoftonline.com"

// Token is a bearer credential for the analytics engine.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Flow      config.Flow
}

// Valid reports whether the token still has more than the refresh
// margin of lifetime left.
func (t *Token) Valid() bool {
	return t != nil && time.Until(t.ExpiresAt) > refreshMargin
}

// State describes where the manager is in its acquisition lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAcquiring       State = "acquiring"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateFailed          State = "failed"
)

// AuthenticationError carries the flow name and the underlying provider
// message. It is never retried by this package — retry policy belongs
// to the caller.
type AuthenticationError struct {
	Flow    config.Flow
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Flow == "" {
		return "authentication failed: " + e.Message
	}
	return fmt.Sprintf("authentication failed (%s): %s", e.Flow, e.Message)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// DeviceCodePrompt is surfaced to a human through a side channel before
// the device_code flow can complete. It never travels inside an RPC
// result — the user must see it while the request is still pending.
type DeviceCodePrompt struct {
	UserCode        string
	VerificationURL string
	Message         string
	ExpiresIn       int
}

// PromptFunc receives the device-code prompt. The default implementation
// logs it to stderr.
type PromptFunc func(DeviceCodePrompt)

// azRunner executes `az account get-access-token` (or a test stand-in)
// and returns its JSON output.
type azRunner func(ctx context.Context, resource string) ([]byte, error)

// Manager owns the token for one profile. All methods are safe for
// concurrent use; concurrent acquisitions for the same profile collapse
// into a single in-flight attempt so a device-code prompt is never
// duplicated.
type Manager struct {
	profile    *config.Profile
	logger     *slog.Logger
	httpClient *http.Client
	prompt     PromptFunc
	loginBase  string
	runAz      azRunner

	group singleflight.Group

	mu    sync.Mutex
	token *Token
	state State
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrompt sets the device-code side channel.
func WithPrompt(f PromptFunc) Option {
	return func(m *Manager) { m.prompt = f }
}

// WithLoginBase overrides the identity provider endpoint (tests).
func WithLoginBase(base string) Option {
	return func(m *Manager) { m.loginBase = strings.TrimSuffix(base, "/") }
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithAzRunner overrides the az CLI invocation (tests).
func WithAzRunner(r azRunner) Option {
	return func(m *Manager) { m.runAz = r }
}

// NewManager creates a credential manager for the given profile.
func NewManager(p *config.Profile, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		profile:   p,
		logger:    logger.With("component", "auth"),
		loginBase: defaultLoginBase,
		state:     StateUnauthenticated,
		runAz:     runAzCLI,
	}
	m.httpClient = httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithLogger(m.logger),
	)
	m.prompt = func(p DeviceCodePrompt) {
		m.logger.Info("device code sign-in required",
			"user_code", p.UserCode,
			"verification_url", p.VerificationURL,
		)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// resource is the audience the token is requested for.
func (m *Manager) resource() string {
	return strings.TrimSuffix(m.profile.ClusterURL, "/")
}

// GetToken returns a token with more than the refresh margin of life
// left, acquiring or refreshing as needed. Concurrent callers share one
// underlying acquisition per connection.
func (m *Manager) GetToken(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	cached := m.token
	m.mu.Unlock()
	if cached.Valid() {
		return cached, nil
	}

	v, err, _ := m.group.Do(m.profile.ConnectionName, func() (any, error) {
		// A waiter that queued behind a completed acquisition sees the
		// fresh token here without another network round trip.
		m.mu.Lock()
		if m.token.Valid() {
			tok := m.token
			m.mu.Unlock()
			return tok, nil
		}
		if m.token == nil {
			m.state = StateAcquiring
		} else {
			m.state = StateRefreshing
		}
		m.mu.Unlock()

		tok, err := m.acquire(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.state = StateFailed
			return nil, err
		}
		m.token = tok
		m.state = StateAuthenticated
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// Invalidate drops the cached token. Called when the analytics engine
// answers 401 — the next GetToken reacquires.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.state = StateUnauthenticated
}

// acquire runs the flow selected by the profile.
func (m *Manager) acquire(ctx context.Context) (*Token, error) {
	m.logger.Debug("acquiring token", "flow", m.profile.AuthFlow)
	switch m.profile.AuthFlow {
	case config.FlowClientCredentials:
		return m.acquireClientCredentials(ctx)
	case config.FlowDeviceCode:
		return m.acquireDeviceCode(ctx)
	case config.FlowAzureCLI:
		return m.acquireAzureCLI(ctx)
	default:
		return nil, &AuthenticationError{
			Flow:    m.profile.AuthFlow,
			Message: fmt.Sprintf("unknown auth flow %q", m.profile.AuthFlow),
		}
	}
}

func (m *Manager) tokenEndpoint() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", m.loginBase, m.profile.TenantID)
}

func (m *Manager) deviceCodeEndpoint() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode", m.loginBase, m.profile.TenantID)
}
