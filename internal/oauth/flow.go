// Package oauth implements the authorization code flow with PKCE, token refresh
// and subscription lookups against configured provider endpoints.
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

const (
	defaultTokenLifetime = time.Hour
	exchangeBackoff      = 500 * time.Millisecond
	exchangeMaxBackoff   = 5 * time.Second
)

// Result is a completed authorization.
type Result struct {
	Provider     string
	Credential   *auth.OAuthCredential
	Subscription *auth.SubscriptionInfo
}

// FlowManager runs authorization sessions for the providers in its registry.
type FlowManager struct {
	providers map[string]config.ProviderConfig
	sessions  *SessionStore
	client    *http.Client
	fetcher   auth.SubscriptionFetcher
	retries   int
	now       func() time.Time
}

// NewFlowManager builds a manager over the OAuth-capable providers in cfg.
// fetcher may be nil, in which case no subscription data is attached to results.
func NewFlowManager(cfg *config.Config, client *http.Client, fetcher auth.SubscriptionFetcher) *FlowManager {
	if client == nil {
		client = http.DefaultClient
	}
	return &FlowManager{
		providers: oauthProviders(cfg),
		sessions:  NewSessionStore(cfg.OAuth.SessionTTL),
		client:    client,
		fetcher:   fetcher,
		retries:   cfg.OAuth.ExchangeRetries,
		now:       time.Now,
	}
}

func oauthProviders(cfg *config.Config) map[string]config.ProviderConfig {
	out := make(map[string]config.ProviderConfig)
	for name, p := range cfg.Providers {
		if p.SupportsOAuth() {
			out[strings.ToLower(name)] = p
		}
	}
	return out
}

// Sessions exposes the pending session store, mainly for sweeping.
func (m *FlowManager) Sessions() *SessionStore { return m.sessions }

// Providers lists the providers that support the authorization code flow.
func (m *FlowManager) Providers() []string {
	out := make([]string, 0, len(m.providers))
	for name := range m.providers {
		out = append(out, name)
	}
	return out
}

// BeginAuthorization starts a session using the provider's configured redirect URL.
func (m *FlowManager) BeginAuthorization(provider string) (*Session, error) {
	return m.BeginAuthorizationWithRedirect(provider, "")
}

// BeginAuthorizationWithRedirect starts a session whose callback lands on redirectURL,
// for example a local callback server. An empty redirectURL uses the configured one.
func (m *FlowManager) BeginAuthorizationWithRedirect(provider, redirectURL string) (*Session, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q does not support oauth login", provider)
	}
	if redirectURL == "" {
		redirectURL = p.RedirectURL
	}

	pkce, err := GeneratePKCECodes()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	authURL := oauthConfig(p, redirectURL).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	session := &Session{
		Provider:    provider,
		State:       state,
		AuthURL:     authURL,
		CreatedAt:   m.now(),
		verifier:    pkce.CodeVerifier,
		redirectURL: redirectURL,
		phase:       PhaseAwaitingAuthorization,
	}
	m.sessions.Put(session)
	log.WithField(auth.FieldProvider, provider).Debug("oauth authorization started")
	return session, nil
}

// CompleteAuthorization exchanges code for tokens on the session identified by state.
// The session is consumed whatever the outcome. No credential is produced on failure.
func (m *FlowManager) CompleteAuthorization(ctx context.Context, state, code string) (*Result, error) {
	session, ok := m.sessions.Take(state)
	if !ok {
		return nil, auth.NewError(auth.ErrInvalidState, "", nil)
	}
	provider := session.Provider
	if strings.TrimSpace(code) == "" {
		session.setPhase(PhaseFailed)
		return nil, auth.NewError(auth.ErrOAuthExchange, provider, errors.New("empty authorization code"))
	}
	session.setPhase(PhaseExchangingCode)

	tok, err := m.exchange(ctx, session, code)
	if err != nil {
		session.setPhase(PhaseFailed)
		return nil, err
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(defaultTokenLifetime)
	}
	scope, _ := tok.Extra("scope").(string)
	cred := &auth.OAuthCredential{
		Access:    tok.AccessToken,
		Refresh:   tok.RefreshToken,
		ExpiresAt: expiresAt,
		Scope:     scope,
	}

	var sub *auth.SubscriptionInfo
	if m.fetcher != nil {
		sub, err = m.fetcher.FetchSubscription(ctx, provider, cred.Access)
		if err != nil {
			session.setPhase(PhaseFailed)
			return nil, auth.NewError(auth.ErrOAuthExchange, provider, err)
		}
	}

	session.setPhase(PhaseComplete)
	log.WithFields(log.Fields{
		auth.FieldProvider:  provider,
		auth.FieldExpiresAt: expiresAt.Format(time.RFC3339),
	}).Info("oauth login completed")
	return &Result{Provider: provider, Credential: cred, Subscription: sub}, nil
}

func (m *FlowManager) exchange(ctx context.Context, session *Session, code string) (*oauth2.Token, error) {
	p := m.providers[session.Provider]
	cfg := oauthConfig(p, session.redirectURL)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(attempt)); err != nil {
				return nil, auth.NewError(auth.ErrOAuthExchange, session.Provider, err)
			}
		}
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(session.verifier))
		if err == nil {
			if tok.AccessToken == "" {
				return nil, auth.NewError(auth.ErrOAuthExchange, session.Provider, errors.New("token response has no access token"))
			}
			return tok, nil
		}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			log.WithFields(log.Fields{
				auth.FieldProvider:   session.Provider,
				auth.FieldHTTPStatus: status,
			}).Debugf("token endpoint rejected exchange: %s", redactJSON(retrieveErr.Body))
			if status < http.StatusInternalServerError {
				return nil, auth.NewStatusError(auth.ErrOAuthExchange, session.Provider, status)
			}
			lastErr = fmt.Errorf("token endpoint returned status %d", status)
			continue
		}
		var urlErr *url.Error
		if !errors.As(err, &urlErr) || ctx.Err() != nil {
			return nil, auth.NewError(auth.ErrOAuthExchange, session.Provider, err)
		}
		lastErr = urlErr.Err
		log.WithFields(log.Fields{
			auth.FieldProvider: session.Provider,
			auth.FieldAttempt:  attempt + 1,
		}).WithError(lastErr).Warn("token exchange transport failure")
	}
	return nil, auth.NewError(auth.ErrOAuthExchange, session.Provider, lastErr)
}

func oauthConfig(p config.ProviderConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func retryDelay(attempt int) time.Duration {
	d := exchangeBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= exchangeMaxBackoff {
			return exchangeMaxBackoff
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
