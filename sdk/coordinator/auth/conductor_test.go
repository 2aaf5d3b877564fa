package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type stubFetcher struct {
	calls atomic.Int32
	info  SubscriptionInfo
	err   error
}

func (f *stubFetcher) FetchSubscription(_ context.Context, _, _ string) (*SubscriptionInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	info := f.info
	return &info, nil
}

type stubTester struct{ err error }

func (s *stubTester) TestProvider(context.Context, string, string) error { return s.err }

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c := New(opts)
	ctx := context.Background()
	if err := c.SetCredential(ctx, "openai", &APIKeyCredential{Key: "sk-secret"}); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
	if err := c.SetCredential(ctx, "claude", &OAuthCredential{Access: "at-secret", Refresh: "rt-secret", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
	return c
}

func TestCoordinator_SwitchProvider(t *testing.T) {
	t.Parallel()

	hook := &recordingHook{}
	c := newTestCoordinator(t, Options{Hook: hook})
	ctx := context.Background()

	if err := c.SwitchProvider(ctx, "missing"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("SwitchProvider(missing) error = %v, want ErrNoCredentials", err)
	}
	if err := c.SwitchProvider(ctx, "claude"); err != nil {
		t.Fatalf("SwitchProvider(claude) error = %v", err)
	}
	if got := c.Preference().String(); got != "claude" {
		t.Errorf("Preference() = %q, want claude", got)
	}
	if err := c.SwitchProvider(ctx, "auto"); err != nil {
		t.Fatalf("SwitchProvider(auto) error = %v", err)
	}
	if !c.Preference().IsAuto() {
		t.Error("preference should be auto")
	}
	sw := hook.switched()
	if len(sw) != 2 || sw[0].To != "claude" || sw[1].From != "claude" || sw[1].Reason != "manual" {
		t.Errorf("switch events = %+v", sw)
	}
}

func TestCoordinator_StatusHasNoSecrets(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	c.applySubscription(context.Background(), "claude", &SubscriptionInfo{Tier: "max", UsageLimit: 1000, UsageCurrent: 10})

	st := c.Status(context.Background())
	if len(st.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(st.Providers))
	}
	if st.ActiveProvider != "claude" {
		t.Errorf("ActiveProvider = %q, want claude (top tier oauth)", st.ActiveProvider)
	}
	claude := st.Providers[0]
	if claude.Name != "claude" || claude.Tier != "max" || !claude.Authenticated || claude.Quota == nil || claude.Quota.Limit != 1000 {
		t.Errorf("claude status = %+v", claude)
	}
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("json.Marshal(Status) error = %v", err)
	}
	for _, secret := range []string{"sk-secret", "at-secret", "rt-secret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("status output leaks %q", secret)
		}
	}
}

func TestCoordinator_Environment(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{Providers: map[string]ProviderSettings{
		"claude": {TokenEnv: "CLAUDE_CODE_OAUTH_TOKEN"},
	}})
	ctx := context.Background()
	if _, err := c.QuotaCoordinator().Allocate(ctx, "agent-1", "claude", 500); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	env, err := c.Environment(ctx, "agent-1", "claude")
	if err != nil {
		t.Fatalf("Environment() error = %v", err)
	}
	if env["CLAUDE_CODE_OAUTH_TOKEN"] != "at-secret" {
		t.Errorf("token variable = %q", env["CLAUDE_CODE_OAUTH_TOKEN"])
	}
	if env[EnvProvider] != "claude" || env[EnvAgentID] != "agent-1" || env[EnvQuotaAllocated] != "500" {
		t.Errorf("env = %v", redactEnv(env))
	}
	if env[EnvSessionID] == "" {
		t.Error("session id missing")
	}
	for k, v := range env {
		if strings.Contains(v, "rt-secret") {
			t.Errorf("variable %s carries the refresh token", k)
		}
	}

	env, err = c.Environment(ctx, "agent-2", "openai")
	if err != nil {
		t.Fatalf("Environment(openai) error = %v", err)
	}
	if env["OPENAI_API_KEY"] != "sk-secret" {
		t.Error("api key not exported under the default variable name")
	}
}

func redactEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if strings.Contains(v, "secret") {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func TestCoordinator_CompleteLoginRegistersLimit(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	ctx := context.Background()
	reset := time.Now().Add(5 * time.Hour).UTC().Truncate(time.Second)
	cred := &OAuthCredential{Access: "a", Refresh: "r", ExpiresAt: time.Now().Add(time.Hour)}
	if err := c.CompleteLogin(ctx, "claude", cred, &SubscriptionInfo{Tier: "pro", UsageLimit: 1000, UsageCurrent: 200, ResetAt: reset}); err != nil {
		t.Fatalf("CompleteLogin() error = %v", err)
	}
	if got := c.QuotaCoordinator().Limit("claude"); got != 1000 {
		t.Errorf("Limit() = %d, want 1000", got)
	}
	report := c.Quota("claude")
	if report.Limit != 1000 || !report.ResetAt.Equal(reset) {
		t.Errorf("Quota() = %+v", report)
	}

	if err := c.Logout(ctx, "claude"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, ok := c.Store().Get("claude"); ok {
		t.Error("credential present after logout")
	}
	if err := c.Logout(ctx, "claude"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("second Logout() error = %v, want ErrNoCredentials", err)
	}
}

func TestCoordinator_RefreshSubscriptions(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{info: SubscriptionInfo{Tier: "team", UsageLimit: 5000}}
	c := newTestCoordinator(t, Options{Subscriptions: fetcher})

	if err := c.RefreshSubscriptions(context.Background()); err != nil {
		t.Fatalf("RefreshSubscriptions() error = %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (oauth providers only)", got)
	}
	sub, err := c.Subscription(context.Background(), "claude")
	if err != nil || sub == nil || sub.Tier != "team" {
		t.Fatalf("Subscription() = %+v, %v", sub, err)
	}
	if fetcher.calls.Load() != 1 {
		t.Error("cached subscription was refetched")
	}
	if c.QuotaCoordinator().Limit("claude") != 5000 {
		t.Error("subscription limit not registered with the quota coordinator")
	}
}

func TestCoordinator_TestProviderUpdatesHealth(t *testing.T) {
	t.Parallel()

	tester := &stubTester{err: statusErr{401}}
	hook := &recordingHook{}
	c := newTestCoordinator(t, Options{Tester: tester, Hook: hook})
	ctx := context.Background()

	res := c.TestProvider(ctx, "openai")
	if res.Success || res.Status != 401 {
		t.Fatalf("TestProvider() = %+v, want failure with status 401", res)
	}
	if c.Health().Available("openai") {
		t.Error("provider should be unavailable after an auth failure")
	}
	if hook.count("auth_failed") != 1 {
		t.Errorf("auth failed events = %d, want 1", hook.count("auth_failed"))
	}

	tester.err = nil
	if res := c.TestProvider(ctx, "openai"); !res.Success {
		t.Fatalf("TestProvider() = %+v, want success", res)
	}
	if !c.Health().Available("openai") {
		t.Error("provider should recover after a successful test")
	}
}

func TestCoordinator_ExecuteRecordsActiveProvider(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, Options{})
	provider, err := c.ExecuteWith(context.Background(), Specific("openai"), func(_ context.Context, p, token string) error {
		if token != "sk-secret" {
			return errors.New("unexpected token")
		}
		return nil
	})
	if err != nil || provider != "openai" {
		t.Fatalf("ExecuteWith() = %q, %v", provider, err)
	}
	if got := c.Status(context.Background()).ActiveProvider; got != "openai" {
		t.Errorf("ActiveProvider = %q, want openai", got)
	}
}

func TestCoordinator_AutoRefresh(t *testing.T) {
	t.Parallel()

	r := &stubRefresher{ttl: time.Hour}
	c := New(Options{Refresher: r})
	ctx := context.Background()
	_ = c.SetCredential(ctx, "claude", &OAuthCredential{Access: "old", Refresh: "rt", ExpiresAt: time.Now().Add(time.Minute)})

	c.StartAutoRefresh(ctx, time.Hour)
	defer c.StopAutoRefresh()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cred, _ := c.Store().Get("claude"); cred.(*OAuthCredential).Access == "refreshed-access" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background refresh did not replace the credential")
}
