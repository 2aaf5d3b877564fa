package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	refreshCheckInterval       = 30 * time.Second
	subscriptionFetchTimeout   = 15 * time.Second
	subscriptionRefreshWorkers = 4
	providerTestTimeout        = 20 * time.Second
)

// ProviderSettings holds per-provider handoff and probe settings.
type ProviderSettings struct {
	// APIKeyEnv names the variable an API key is exported as.
	APIKeyEnv string
	// TokenEnv names the variable an OAuth access token is exported as.
	TokenEnv string
}

// ProviderTester performs a lightweight authenticated request against a provider.
type ProviderTester interface {
	TestProvider(ctx context.Context, provider, token string) error
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Persister     Persister
	Refresher     Refresher
	Subscriptions SubscriptionFetcher
	Tester        ProviderTester
	Hook          Hook

	Lifecycle       LifecycleConfig
	Quota           QuotaConfig
	Fallback        FallbackConfig
	SubscriptionTTL time.Duration

	ProviderOrder     []string
	DefaultPreference Preference
	Providers         map[string]ProviderSettings
}

// Coordinator is the entry point tying credentials, token lifecycle, quotas,
// selection and fallback together. Create one per process with New.
type Coordinator struct {
	store     *CredentialStore
	lifecycle *TokenLifecycle
	quota     *QuotaCoordinator
	subs      *SubscriptionCache
	health    *HealthTracker
	selector  *Selector
	fallback  *FallbackController
	fetcher   SubscriptionFetcher
	tester    ProviderTester
	hook      Hook
	providers map[string]ProviderSettings

	mu     sync.RWMutex
	pref   Preference
	active string

	refreshMu     sync.Mutex
	refreshCancel context.CancelFunc

	envOnce        sync.Once
	installationID string

	now func() time.Time
}

// New constructs a Coordinator. Call Load to read persisted credentials.
func New(opts Options) *Coordinator {
	hook := opts.Hook
	if hook == nil {
		hook = NoopHook{}
	}
	store := NewCredentialStore(opts.Persister)
	c := &Coordinator{
		store:     store,
		quota:     NewQuotaCoordinator(opts.Quota, hook),
		subs:      NewSubscriptionCache(opts.SubscriptionTTL),
		health:    NewHealthTracker(),
		selector:  &Selector{ProviderOrder: append([]string(nil), opts.ProviderOrder...)},
		fetcher:   opts.Subscriptions,
		tester:    opts.Tester,
		hook:      hook,
		providers: make(map[string]ProviderSettings, len(opts.Providers)),
		pref:      opts.DefaultPreference,
		now:       time.Now,
	}
	for name, settings := range opts.Providers {
		c.providers[normalizeProvider(name)] = settings
	}
	c.lifecycle = NewTokenLifecycle(store, opts.Refresher, hook, opts.Lifecycle)
	c.fallback = NewFallbackController(c.selector, c.lifecycle, c.health, c, hook, opts.Fallback)
	return c
}

// Store exposes the credential store.
func (c *Coordinator) Store() *CredentialStore { return c.store }

// Lifecycle exposes the token lifecycle.
func (c *Coordinator) Lifecycle() *TokenLifecycle { return c.lifecycle }

// QuotaCoordinator exposes the quota ledgers.
func (c *Coordinator) QuotaCoordinator() *QuotaCoordinator { return c.quota }

// Health exposes provider health.
func (c *Coordinator) Health() *HealthTracker { return c.health }

// Load reads persisted credentials into memory.
func (c *Coordinator) Load(ctx context.Context) error {
	return c.store.Load(ctx)
}

// SetCredential stores cred for provider and clears any failure state.
func (c *Coordinator) SetCredential(ctx context.Context, provider string, cred Credential) error {
	provider = normalizeProvider(provider)
	if err := c.store.Set(ctx, provider, cred); err != nil {
		return err
	}
	c.subs.Delete(provider)
	c.health.Clear(provider)
	return nil
}

// CompleteLogin stores a freshly issued OAuth credential with its subscription info.
func (c *Coordinator) CompleteLogin(ctx context.Context, provider string, cred *OAuthCredential, sub *SubscriptionInfo) error {
	if err := c.SetCredential(ctx, provider, cred); err != nil {
		return err
	}
	c.applySubscription(ctx, normalizeProvider(provider), sub)
	return nil
}

// Logout removes the provider's credential and cached state.
func (c *Coordinator) Logout(ctx context.Context, provider string) error {
	provider = normalizeProvider(provider)
	if _, ok := c.store.Get(provider); !ok {
		return NewError(ErrNoCredentials, provider, nil)
	}
	if err := c.store.Remove(ctx, provider); err != nil {
		return err
	}
	c.subs.Delete(provider)
	c.health.Clear(provider)
	c.mu.Lock()
	if c.active == provider {
		c.active = ""
	}
	c.mu.Unlock()
	return nil
}

// GetValidToken returns a usable token for provider.
func (c *Coordinator) GetValidToken(ctx context.Context, provider string) (string, error) {
	return c.lifecycle.GetValidToken(ctx, provider)
}

// Preference returns the process-wide default preference.
func (c *Coordinator) Preference() Preference {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pref
}

// SwitchProvider changes the default preference to a provider name or "auto".
func (c *Coordinator) SwitchProvider(ctx context.Context, name string) error {
	next := ParsePreference(name)
	if !next.IsAuto() {
		if _, ok := c.store.Get(next.Provider()); !ok {
			return NewError(ErrNoCredentials, next.Provider(), nil)
		}
	}
	c.mu.Lock()
	prev := c.pref
	c.pref = next
	c.mu.Unlock()
	if prev != next {
		c.hook.OnProviderSwitched(ctx, ProviderSwitch{From: prev.String(), To: next.String(), Reason: "manual", At: c.now()})
	}
	return nil
}

// Execute runs call with the default preference, falling back between providers.
func (c *Coordinator) Execute(ctx context.Context, call CallFunc) (string, error) {
	return c.ExecuteWith(ctx, c.Preference(), call)
}

// ExecuteWith runs call with a per-call preference override.
func (c *Coordinator) ExecuteWith(ctx context.Context, pref Preference, call CallFunc) (string, error) {
	provider, err := c.fallback.Execute(ctx, pref, call)
	if err == nil {
		c.mu.Lock()
		c.active = provider
		c.mu.Unlock()
	}
	return provider, err
}

// SelectProvider returns the provider a call with pref would start on.
func (c *Coordinator) SelectProvider(pref Preference) (string, error) {
	return c.selector.Select(pref, c.Credentials(), c.States(), nil)
}

// Credentials implements ProviderView.
func (c *Coordinator) Credentials() map[string]Credential {
	return c.store.All()
}

// States implements ProviderView.
func (c *Coordinator) States() map[string]ProviderState {
	creds := c.store.All()
	states := make(map[string]ProviderState, len(creds))
	for provider := range creds {
		states[provider] = ProviderState{
			Subscription:  c.subs.Get(provider),
			QuotaExceeded: c.quota.Exceeded(provider),
			Unavailable:   !c.health.Available(provider),
		}
	}
	return states
}

// QuotaResetAt implements ProviderView.
func (c *Coordinator) QuotaResetAt(provider string) time.Time {
	if sub := c.subs.Get(provider); sub != nil {
		return sub.ResetAt
	}
	return time.Time{}
}

// Subscription returns cached subscription info for provider, fetching it when stale.
// Providers without an OAuth credential have no subscription.
func (c *Coordinator) Subscription(ctx context.Context, provider string) (*SubscriptionInfo, error) {
	provider = normalizeProvider(provider)
	if info := c.subs.Get(provider); info != nil {
		return info, nil
	}
	cred, ok := c.store.Get(provider)
	if !ok {
		return nil, NewError(ErrNoCredentials, provider, nil)
	}
	if cred.Kind() != KindOAuth || c.fetcher == nil {
		return nil, nil
	}
	token, err := c.lifecycle.GetValidToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, subscriptionFetchTimeout)
	defer cancel()
	info, err := c.fetcher.FetchSubscription(fetchCtx, provider, token)
	if err != nil {
		return nil, err
	}
	c.applySubscription(ctx, provider, info)
	return info.Clone(), nil
}

// RefreshSubscriptions refetches subscription info for every OAuth provider concurrently.
// Failures are logged per provider; the first error is returned.
func (c *Coordinator) RefreshSubscriptions(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subscriptionRefreshWorkers)
	for provider, cred := range c.store.All() {
		if cred.Kind() != KindOAuth {
			continue
		}
		provider := provider
		g.Go(func() error {
			c.subs.Delete(provider)
			if _, err := c.Subscription(gctx, provider); err != nil {
				log.WithFields(log.Fields{
					FieldProvider:  provider,
					FieldErrorCode: string(CodeOf(err)),
				}).Warn("subscription refresh failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) applySubscription(ctx context.Context, provider string, info *SubscriptionInfo) {
	if info == nil {
		return
	}
	c.subs.Set(provider, info)
	if info.UsageLimit > 0 {
		c.quota.SetLimit(ctx, provider, info.UsageLimit)
	}
}

// QuotaReport describes a provider's usage against its limit.
type QuotaReport struct {
	Provider string    `json:"provider"`
	Used     int64     `json:"used"`
	Limit    int64     `json:"limit"`
	ResetAt  time.Time `json:"reset_at,omitempty"`
}

// Quota reports usage for provider. Coordinator ledgers win over provider-reported usage.
func (c *Coordinator) Quota(provider string) QuotaReport {
	provider = normalizeProvider(provider)
	report := QuotaReport{Provider: provider}
	sub := c.subs.Get(provider)
	if sub != nil {
		report.Used = sub.UsageCurrent
		report.Limit = sub.UsageLimit
		report.ResetAt = sub.ResetAt
	}
	if usage := c.quota.Usage(provider); usage.Limit > 0 {
		report.Used = usage.Committed
		report.Limit = usage.Limit
	}
	return report
}

// ProviderStatus describes one provider for status output. It carries no credential values.
type ProviderStatus struct {
	Name          string       `json:"name"`
	Kind          Kind         `json:"kind"`
	Authenticated bool         `json:"authenticated"`
	Available     bool         `json:"available"`
	Reason        string       `json:"reason,omitempty"`
	Tier          string       `json:"tier,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	Quota         *QuotaReport `json:"quota,omitempty"`
}

// Status is a snapshot of every configured provider.
type Status struct {
	Providers      []ProviderStatus `json:"providers"`
	ActiveProvider string           `json:"active_provider,omitempty"`
	Preference     string           `json:"preference"`
}

// Status reports provider state without network calls.
func (c *Coordinator) Status(ctx context.Context) Status {
	now := c.now()
	creds := c.store.All()
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)

	out := Status{Providers: make([]ProviderStatus, 0, len(names)), Preference: c.Preference().String()}
	for _, name := range names {
		cred := creds[name]
		ps := ProviderStatus{Name: name, Kind: cred.Kind(), Authenticated: true, Available: c.health.Available(name)}
		if o, ok := cred.(*OAuthCredential); ok {
			exp := o.ExpiresAt
			ps.ExpiresAt = &exp
			ps.Authenticated = !o.Expired(now) || o.HasRefreshToken()
		}
		if h := c.health.Get(name); h != nil && h.Unavailable {
			ps.Reason = h.Reason
			if h.Reason == "unauthorized" {
				ps.Authenticated = false
			}
		}
		if sub := c.subs.Get(name); sub != nil {
			ps.Tier = sub.Tier
		}
		if report := c.Quota(name); report.Limit > 0 {
			ps.Quota = &report
		}
		out.Providers = append(out.Providers, ps)
	}

	c.mu.RLock()
	out.ActiveProvider = c.active
	pref := c.pref
	c.mu.RUnlock()
	if out.ActiveProvider == "" {
		if provider, err := c.SelectProvider(pref); err == nil {
			out.ActiveProvider = provider
		}
	}
	return out
}

// TestResult is the outcome of TestProvider.
type TestResult struct {
	Provider  string    `json:"provider"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	Code      ErrorCode `json:"error_code,omitempty"`
	Status    int       `json:"http_status,omitempty"`
}

// TestProvider acquires a token for provider and, when a tester is configured,
// performs an authenticated request. The outcome updates provider health.
func (c *Coordinator) TestProvider(ctx context.Context, provider string) TestResult {
	provider = normalizeProvider(provider)
	ctx, cancel := context.WithTimeout(ctx, providerTestTimeout)
	defer cancel()

	start := time.Now()
	token, err := c.lifecycle.GetValidToken(ctx, provider)
	if err == nil && c.tester != nil {
		err = c.tester.TestProvider(ctx, provider, token)
	}
	result := TestResult{Provider: provider, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Code = CodeOf(err)
		result.Status = statusCodeFromError(err)
		class := Classify(err)
		c.health.MarkFailure(provider, class, err, c.QuotaResetAt(provider))
		if class == FailureAuth {
			c.hook.OnAuthenticationFailed(ctx, AuthenticationFailed{Provider: provider, Code: result.Code, At: c.now()})
		}
		return result
	}
	c.health.MarkSuccess(provider)
	result.Success = true
	return result
}

// StartAutoRefresh launches a background loop that refreshes OAuth credentials
// nearing expiry. Only one loop is kept alive; starting a new one cancels the previous run.
func (c *Coordinator) StartAutoRefresh(parent context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = refreshCheckInterval
	}
	c.refreshMu.Lock()
	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	c.refreshCancel = cancel
	c.refreshMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.checkRefreshes(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.checkRefreshes(ctx)
			}
		}
	}()
}

// StopAutoRefresh cancels the background refresh loop, if running.
func (c *Coordinator) StopAutoRefresh() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
}

func (c *Coordinator) checkRefreshes(ctx context.Context) {
	now := c.now()
	threshold := c.lifecycle.Threshold()
	for provider, cred := range c.store.All() {
		o, ok := cred.(*OAuthCredential)
		if !ok || !o.HasRefreshToken() || !NeedsRefresh(o, now, threshold) {
			continue
		}
		go func(provider string) {
			if _, err := c.lifecycle.Refresh(ctx, provider); err != nil {
				log.WithFields(log.Fields{
					FieldProvider:  provider,
					FieldErrorCode: string(CodeOf(err)),
				}).Warn("background refresh failed")
			}
		}(provider)
	}
}
