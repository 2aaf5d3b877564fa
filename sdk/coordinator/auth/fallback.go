package auth

import (
	"context"
	"errors"
	"net"
	"time"
)

const (
	defaultTransientAttempts = 3
	defaultFallbackBackoff   = 500 * time.Millisecond
	defaultFallbackMaxWait   = 10 * time.Second
)

// FailureClass groups call failures by how the coordinator reacts to them.
type FailureClass int

const (
	// FailureFatal is surfaced to the caller without retry.
	FailureFatal FailureClass = iota
	// FailureAuth excludes the provider and falls back once.
	FailureAuth
	// FailureQuota excludes the provider and falls back once.
	FailureQuota
	// FailureTransient retries the same provider with backoff.
	FailureTransient
)

func (c FailureClass) String() string {
	switch c {
	case FailureAuth:
		return "auth_failure"
	case FailureQuota:
		return "quota_exceeded"
	case FailureTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classify maps an error returned by token acquisition or an outbound call onto a FailureClass.
// Outbound errors expose upstream HTTP statuses through a StatusCode() int method.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureFatal
	}
	switch CodeOf(err) {
	case CodeTokenExpired, CodeNoCredentials, CodeNoRefreshToken:
		return FailureAuth
	case CodeQuotaExceeded:
		return FailureQuota
	case CodeNetwork:
		return FailureTransient
	case CodeNoProviderAvailable, CodeInvalidState, CodeAllocationNotFound, CodeStorage, CodeOAuthExchange:
		return FailureFatal
	}
	switch status := statusCodeFromError(err); {
	case status == 401 || status == 403:
		return FailureAuth
	case status == 429:
		return FailureQuota
	case status == 408 || status >= 500:
		return FailureTransient
	case status != 0:
		return FailureFatal
	}
	if errors.Is(err, context.Canceled) {
		return FailureFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTransient
	}
	return FailureFatal
}

func statusCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	type statusCoder interface {
		StatusCode() int
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc != nil {
		return sc.StatusCode()
	}
	return 0
}

// CallFunc performs one outbound request with a valid bearer value for provider.
type CallFunc func(ctx context.Context, provider, token string) error

// TokenProvider hands out valid tokens.
type TokenProvider interface {
	GetValidToken(ctx context.Context, provider string) (string, error)
}

// ProviderView exposes the state the selector needs at decision time.
type ProviderView interface {
	Credentials() map[string]Credential
	States() map[string]ProviderState
	// QuotaResetAt returns when the provider's quota resets, or the zero time when unknown.
	QuotaResetAt(provider string) time.Time
}

// FallbackConfig tunes retries.
type FallbackConfig struct {
	// TransientAttempts is the total number of attempts on one provider for transient failures.
	TransientAttempts int
	// Backoff is the base delay between transient attempts.
	Backoff time.Duration
	// MaxBackoff caps the delay between transient attempts.
	MaxBackoff time.Duration
}

func (c FallbackConfig) withDefaults() FallbackConfig {
	if c.TransientAttempts <= 0 {
		c.TransientAttempts = defaultTransientAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultFallbackBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultFallbackMaxWait
	}
	return c
}

// FallbackController runs a call against the selected provider and falls back to
// another provider on authentication or quota failures. Exclusions apply to one
// Execute call only.
type FallbackController struct {
	selector *Selector
	tokens   TokenProvider
	health   *HealthTracker
	view     ProviderView
	hook     Hook
	cfg      FallbackConfig
	now      func() time.Time
}

// NewFallbackController wires a controller.
func NewFallbackController(selector *Selector, tokens TokenProvider, health *HealthTracker, view ProviderView, hook Hook, cfg FallbackConfig) *FallbackController {
	if hook == nil {
		hook = NoopHook{}
	}
	if health == nil {
		health = NewHealthTracker()
	}
	return &FallbackController{
		selector: selector,
		tokens:   tokens,
		health:   health,
		view:     view,
		hook:     hook,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Execute selects a provider for pref and runs call. It returns the provider that
// served the call, or the last provider tried together with its error.
func (f *FallbackController) Execute(ctx context.Context, pref Preference, call CallFunc) (string, error) {
	excluded := make(map[string]struct{})
	var (
		from     string
		reason   string
		lastErr  error
		switched bool
	)
	for {
		provider, errSelect := f.selector.Select(pref, f.view.Credentials(), f.view.States(), excluded)
		if errSelect != nil {
			if lastErr != nil {
				return from, &Error{
					Code:    CodeNoProviderAvailable,
					Message: ErrNoProviderAvailable.Message,
					Cause:   lastErr,
				}
			}
			return "", errSelect
		}
		if from != "" && provider != from {
			logProviderFallback(from, provider, reason)
			f.hook.OnProviderSwitched(ctx, ProviderSwitch{From: from, To: provider, Reason: reason, At: f.now()})
		}

		err := f.attempt(ctx, provider, call)
		if err == nil {
			f.health.MarkSuccess(provider)
			return provider, nil
		}
		if ctx.Err() != nil {
			return provider, err
		}

		class := Classify(err)
		f.health.MarkFailure(provider, class, err, f.view.QuotaResetAt(provider))
		switch class {
		case FailureAuth:
			f.hook.OnAuthenticationFailed(ctx, AuthenticationFailed{Provider: provider, Code: CodeOf(err), At: f.now()})
		case FailureQuota:
		default:
			return provider, err
		}
		if switched {
			return provider, err
		}
		switched = true
		excluded[provider] = struct{}{}
		from, reason, lastErr = provider, class.String(), err
	}
}

// attempt runs call on provider, retrying transient failures with exponential backoff.
func (f *FallbackController) attempt(ctx context.Context, provider string, call CallFunc) error {
	var lastErr error
	for attempt := 0; attempt < f.cfg.TransientAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(f.cfg.Backoff, attempt-1, f.cfg.MaxBackoff)
			logTransientRetry(provider, attempt, wait, lastErr)
			if errWait := waitForCooldown(ctx, wait); errWait != nil {
				return errWait
			}
		}
		token, err := f.tokens.GetValidToken(ctx, provider)
		if err == nil {
			err = call(ctx, provider, token)
		}
		if err == nil {
			return nil
		}
		if Classify(err) != FailureTransient || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}
