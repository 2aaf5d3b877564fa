package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// TokenRefresher exchanges refresh tokens at each provider's token endpoint.
type TokenRefresher struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
	now       func() time.Time
}

// NewTokenRefresher builds a refresher over the OAuth-capable providers in cfg.
func NewTokenRefresher(cfg *config.Config, client *http.Client) *TokenRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenRefresher{providers: oauthProviders(cfg), client: client, now: time.Now}
}

// RefreshToken performs a refresh_token grant. A rejected token is reported as
// TokenExpired; transport failures, 429 and 5xx responses as Network errors.
func (r *TokenRefresher) RefreshToken(ctx context.Context, provider, refreshToken string) (*auth.TokenPair, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q has no oauth configuration", provider)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := oauthConfig(p, p.RedirectURL).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(provider, err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = r.now().Add(defaultTokenLifetime)
	}
	pair := &auth.TokenPair{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		ExpiresAt: expiresAt,
	}
	if pair.Refresh == "" {
		pair.Refresh = refreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		pair.Scope = scope
	}
	return pair, nil
}

func classifyTokenError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		log.WithFields(log.Fields{
			auth.FieldProvider:   provider,
			auth.FieldHTTPStatus: status,
		}).Debugf("token endpoint rejected refresh: %s", redactJSON(retrieveErr.Body))
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return auth.NewStatusError(auth.ErrNetwork, provider, status)
		}
		return auth.NewStatusError(auth.ErrTokenExpired, provider, status)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return auth.NewError(auth.ErrNetwork, provider, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return auth.NewError(auth.ErrNetwork, provider, urlErr.Err)
	}
	return auth.NewError(auth.ErrTokenExpired, provider, nil)
}
