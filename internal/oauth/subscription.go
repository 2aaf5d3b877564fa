package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	"github.com/tidwall/gjson"
)

const maxUsageBody = 1 << 20

// HTTPSubscriptionFetcher reads subscription metadata from each provider's usage endpoint.
type HTTPSubscriptionFetcher struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
	now       func() time.Time
}

// NewHTTPSubscriptionFetcher builds a fetcher for every provider with a usage-url.
func NewHTTPSubscriptionFetcher(cfg *config.Config, client *http.Client) *HTTPSubscriptionFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	providers := make(map[string]config.ProviderConfig)
	for name, p := range cfg.Providers {
		if p.UsageURL != "" {
			providers[strings.ToLower(name)] = p
		}
	}
	return &HTTPSubscriptionFetcher{providers: providers, client: client, now: time.Now}
}

// FetchSubscription returns nil without error when the provider has no usage endpoint.
func (f *HTTPSubscriptionFetcher) FetchSubscription(ctx context.Context, provider, accessToken string) (*auth.SubscriptionInfo, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	p, ok := f.providers[provider]
	if !ok {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UsageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, auth.NewError(auth.ErrNetwork, provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, auth.NewStatusError(auth.ErrTokenExpired, provider, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, auth.NewStatusError(auth.ErrNetwork, provider, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUsageBody))
	if err != nil {
		return nil, auth.NewError(auth.ErrNetwork, provider, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, auth.NewError(auth.ErrNetwork, provider, fmt.Errorf("usage response is not valid json"))
	}
	return parseUsage(body, p.UsagePaths, f.now()), nil
}

func parseUsage(body []byte, paths config.UsagePaths, now time.Time) *auth.SubscriptionInfo {
	info := &auth.SubscriptionInfo{
		Tier:         strings.ToLower(gjson.GetBytes(body, paths.Tier).String()),
		UsageLimit:   gjson.GetBytes(body, paths.Limit).Int(),
		UsageCurrent: gjson.GetBytes(body, paths.Current).Int(),
		FetchedAt:    now,
	}
	reset := gjson.GetBytes(body, paths.ResetAt)
	switch reset.Type {
	case gjson.Number:
		info.ResetAt = time.Unix(reset.Int(), 0).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, reset.String()); err == nil {
			info.ResetAt = t
		}
	}
	for _, feature := range gjson.GetBytes(body, paths.Features).Array() {
		if s := feature.String(); s != "" {
			info.Features = append(info.Features, s)
		}
	}
	return info
}
