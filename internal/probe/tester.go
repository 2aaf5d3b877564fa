package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
)

// HTTPTester checks a token with an authenticated GET against each provider's test-url.
type HTTPTester struct {
	urls   map[string]string
	client *http.Client
}

// NewHTTPTester builds a tester over every provider with a test-url.
func NewHTTPTester(cfg *config.Config, client *http.Client) *HTTPTester {
	if client == nil {
		client = http.DefaultClient
	}
	urls := make(map[string]string)
	for name, p := range cfg.Providers {
		if p.TestURL != "" {
			urls[strings.ToLower(name)] = p.TestURL
		}
	}
	return &HTTPTester{urls: urls, client: client}
}

// TestProvider succeeds without a request when the provider has no test-url.
func (t *HTTPTester) TestProvider(ctx context.Context, provider, token string) error {
	target, ok := t.urls[strings.ToLower(provider)]
	if !ok {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build test request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.client.Do(req)
	if err != nil {
		return auth.NewError(auth.ErrNetwork, provider, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return auth.NewStatusError(auth.ErrTokenExpired, provider, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return auth.NewStatusError(auth.ErrQuotaExceeded, provider, resp.StatusCode)
	default:
		return auth.NewStatusError(auth.ErrNetwork, provider, resp.StatusCode)
	}
}
