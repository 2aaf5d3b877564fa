package auth

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshThreshold = 5 * time.Minute
	defaultRefreshTimeout   = 30 * time.Second
	defaultRefreshRetries   = 2
	defaultRefreshBackoff   = 500 * time.Millisecond
)

// TokenPair is the result of an OAuth token request.
type TokenPair struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Scope     string
}

// Refresher exchanges a refresh token for a new token pair.
// A rejected refresh token must be reported as ErrTokenExpired and transport
// failures as ErrNetwork.
type Refresher interface {
	RefreshToken(ctx context.Context, provider, refreshToken string) (*TokenPair, error)
}

// LifecycleConfig tunes token refresh.
type LifecycleConfig struct {
	// Threshold refreshes tokens whose remaining validity is at or below it.
	Threshold time.Duration
	// Timeout bounds a single refresh request.
	Timeout time.Duration
	// Retries is the number of extra attempts after a network failure.
	Retries int
	// Backoff is the base delay between network retries.
	Backoff time.Duration
}

func (c LifecycleConfig) withDefaults() LifecycleConfig {
	if c.Threshold < 0 {
		c.Threshold = 0
	} else if c.Threshold == 0 {
		c.Threshold = defaultRefreshThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRefreshTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultRefreshBackoff
	}
	return c
}

// TokenLifecycle hands out usable tokens and refreshes OAuth credentials on demand.
type TokenLifecycle struct {
	store     *CredentialStore
	refresher Refresher
	hook      Hook
	cfg       LifecycleConfig
	group     singleflight.Group
	now       func() time.Time
}

// NewTokenLifecycle constructs a lifecycle over store.
func NewTokenLifecycle(store *CredentialStore, refresher Refresher, hook Hook, cfg LifecycleConfig) *TokenLifecycle {
	if hook == nil {
		hook = NoopHook{}
	}
	return &TokenLifecycle{
		store:     store,
		refresher: refresher,
		hook:      hook,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Threshold returns the effective refresh threshold.
func (l *TokenLifecycle) Threshold() time.Duration { return l.cfg.Threshold }

// NeedsRefresh reports whether an OAuth credential is expired or within threshold of expiry.
func NeedsRefresh(c *OAuthCredential, now time.Time, threshold time.Duration) bool {
	return c.TimeToExpiry(now) <= threshold
}

// GetValidToken returns a bearer value for provider that is not expired.
// API keys and well-known tokens are returned as is.
func (l *TokenLifecycle) GetValidToken(ctx context.Context, provider string) (string, error) {
	provider = normalizeProvider(provider)
	cred, ok := l.store.Get(provider)
	if !ok {
		return "", NewError(ErrNoCredentials, provider, nil)
	}
	switch v := cred.(type) {
	case *APIKeyCredential, *WellKnownCredential:
		value, _ := secretValue(v)
		return value, nil
	case *OAuthCredential:
		if !NeedsRefresh(v, l.now(), l.cfg.Threshold) {
			return v.Access, nil
		}
		return l.refresh(ctx, provider)
	default:
		return "", NewError(ErrNoCredentials, provider, nil)
	}
}

// Refresh refreshes the provider's OAuth credential if it is within the threshold,
// joining any refresh already in flight.
func (l *TokenLifecycle) Refresh(ctx context.Context, provider string) (string, error) {
	return l.refresh(ctx, normalizeProvider(provider))
}

// refresh collapses concurrent refreshes of the same provider into one request.
func (l *TokenLifecycle) refresh(ctx context.Context, provider string) (string, error) {
	// The shared flight outlives any single caller's cancellation.
	base := context.WithoutCancel(ctx)
	ch := l.group.DoChan(provider, func() (any, error) {
		return l.doRefresh(base, provider)
	})
	select {
	case <-ctx.Done():
		return "", NewError(ErrNetwork, provider, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (l *TokenLifecycle) doRefresh(ctx context.Context, provider string) (string, error) {
	cred, ok := l.store.Get(provider)
	if !ok {
		return "", NewError(ErrNoCredentials, provider, nil)
	}
	cur, ok := cred.(*OAuthCredential)
	if !ok {
		value, _ := secretValue(cred)
		return value, nil
	}
	// A flight that finished just before this one may already have refreshed it.
	if !NeedsRefresh(cur, l.now(), l.cfg.Threshold) {
		return cur.Access, nil
	}
	if !cur.HasRefreshToken() {
		return "", NewError(ErrNoRefreshToken, provider, nil)
	}
	if l.refresher == nil {
		return "", NewError(ErrTokenExpired, provider, nil)
	}

	var pair *TokenPair
	var lastErr error
	for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(l.cfg.Backoff, attempt-1, 10*time.Second)
			logTransientRetry(provider, attempt, wait, lastErr)
			if errWait := waitForCooldown(ctx, wait); errWait != nil {
				return "", NewError(ErrNetwork, provider, errWait)
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
		p, err := l.refresher.RefreshToken(reqCtx, provider, cur.Refresh)
		cancel()
		if err == nil {
			pair = p
			break
		}
		lastErr = classifyRefreshError(provider, err)
		if CodeOf(lastErr) != CodeNetwork {
			return "", lastErr
		}
	}
	if pair == nil {
		return "", lastErr
	}

	now := l.now()
	next := cur.WithTokens(pair.Access, pair.Refresh, pair.ExpiresAt)
	if pair.Scope != "" {
		next.Scope = pair.Scope
	}
	if next.Access == "" || !next.ExpiresAt.After(now) {
		return "", NewError(ErrTokenExpired, provider, nil)
	}
	swapped, err := l.store.CompareAndSet(ctx, provider, cur, next)
	if err != nil {
		return "", err
	}
	if !swapped {
		// Replaced by a login or removed by logout while the request was in flight.
		latest, ok := l.store.Get(provider)
		if !ok {
			return "", NewError(ErrNoCredentials, provider, nil)
		}
		if o, isOAuth := latest.(*OAuthCredential); isOAuth && !o.Expired(now) {
			return o.Access, nil
		}
		if value, plain := secretValue(latest); plain {
			return value, nil
		}
		return "", NewError(ErrTokenExpired, provider, nil)
	}
	l.hook.OnTokenRefreshed(ctx, TokenRefreshed{Provider: provider, ExpiresAt: next.ExpiresAt, At: now})
	log.WithFields(log.Fields{FieldProvider: provider, FieldExpiresAt: next.ExpiresAt}).Debug("credential refreshed and stored")
	return next.Access, nil
}

// classifyRefreshError maps refresher failures onto the taxonomy.
func classifyRefreshError(provider string, err error) error {
	switch CodeOf(err) {
	case CodeTokenExpired, CodeNetwork, CodeNoRefreshToken, CodeStorage:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(ErrNetwork, provider, err)
	}
	return NewError(ErrTokenExpired, provider, nil)
}
