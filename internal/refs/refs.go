// Package refs finds community KQL examples on GitHub via code search.
// Results are advisory context for the calling agent, never executed,
// so every failure here is best-effort: callers log and move on.
package refs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
	"golang.org/x/time/rate"
)

// Reference is one community example found by code search.
type Reference struct {
	Name       string `json:"name"`
	Repository string `json:"repository"`
	Path       string `json:"path"`
	URL        string `json:"url"`
}

// Service wraps the GitHub code-search API. The limiter spaces requests
// out because code search has a much lower quota than the core API
// (10/minute unauthenticated).
type Service struct {
	client  *gogithub.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewService builds a code-search client. token may be empty for
// anonymous access; baseURL overrides the API endpoint (tests,
// GitHub Enterprise) and defaults to github.com when empty.
func NewService(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*Service, error) {
	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("refs: invalid base URL %q: %w", baseURL, err)
		}
	}

	return &Service{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(6*time.Second), 1),
		logger:  logger.With("component", "refs"),
	}, nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (s *Service) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 5 {
		s.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// Search looks for KQL files matching the keywords. A limit of 0
// defaults to 10.
func (s *Service) Search(ctx context.Context, keywords []string, limit int) ([]Reference, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := strings.TrimSpace(strings.Join(keywords, " ")) + " extension:kql"
	opts := &gogithub.SearchOptions{
		ListOptions: gogithub.ListOptions{PerPage: limit},
	}

	results, resp, err := s.client.Search.Code(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("refs: code search: %w", err)
	}
	s.checkRateLimit(resp)

	refs := make([]Reference, 0, len(results.CodeResults))
	for _, r := range results.CodeResults {
		ref := Reference{
			Name: r.GetName(),
			Path: r.GetPath(),
			URL:  r.GetHTMLURL(),
		}
		if repo := r.GetRepository(); repo != nil {
			ref.Repository = repo.GetFullName()
		}
		refs = append(refs, ref)
		if len(refs) >= limit {
			break
		}
	}
	return refs, nil
}
