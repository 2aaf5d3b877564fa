package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubRefresher struct {
	calls   atomic.Int32
	delay   time.Duration
	errs    []error
	ttl     time.Duration
	access  string
	refresh string
}

func (r *stubRefresher) RefreshToken(ctx context.Context, provider, refreshToken string) (*TokenPair, error) {
	n := int(r.calls.Add(1))
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, NewError(ErrNetwork, provider, ctx.Err())
		}
	}
	if n <= len(r.errs) && r.errs[n-1] != nil {
		return nil, r.errs[n-1]
	}
	access := r.access
	if access == "" {
		access = "refreshed-access"
	}
	return &TokenPair{Access: access, Refresh: r.refresh, ExpiresAt: time.Now().Add(r.ttl)}, nil
}

func newOAuthStore(t *testing.T, provider string, cred *OAuthCredential) *CredentialStore {
	t.Helper()
	store := NewCredentialStore(nil)
	if err := store.Set(context.Background(), provider, cred); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	return store
}

func TestGetValidToken_Threshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		threshold   time.Duration
		wantRefresh bool
	}{
		{"outside one minute threshold", time.Minute, false},
		{"inside five minute threshold", 5 * time.Minute, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newOAuthStore(t, "claude", &OAuthCredential{
				Access:    "original",
				Refresh:   "rt",
				ExpiresAt: time.Now().Add(3 * time.Minute),
			})
			r := &stubRefresher{ttl: time.Hour}
			l := NewTokenLifecycle(store, r, nil, LifecycleConfig{Threshold: tt.threshold})

			token, err := l.GetValidToken(context.Background(), "claude")
			if err != nil {
				t.Fatalf("GetValidToken() error = %v", err)
			}
			refreshed := r.calls.Load() > 0
			if refreshed != tt.wantRefresh {
				t.Fatalf("refreshed = %v, want %v", refreshed, tt.wantRefresh)
			}
			if tt.wantRefresh && token != "refreshed-access" {
				t.Errorf("token = %q, want refreshed-access", token)
			}
			if !tt.wantRefresh && token != "original" {
				t.Errorf("token = %q, want original", token)
			}
		})
	}
}

func TestGetValidToken_RefreshUpdatesStore(t *testing.T) {
	t.Parallel()

	store := newOAuthStore(t, "claude", &OAuthCredential{Access: "old", Refresh: "rt-old", ExpiresAt: time.Now().Add(-time.Minute)})
	hook := &recordingHook{}
	l := NewTokenLifecycle(store, &stubRefresher{ttl: time.Hour, refresh: "rt-new"}, hook, LifecycleConfig{})

	if _, err := l.GetValidToken(context.Background(), "claude"); err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	cred, _ := store.Get("claude")
	o := cred.(*OAuthCredential)
	if o.Access != "refreshed-access" || o.Refresh != "rt-new" {
		t.Errorf("stored credential not replaced: access=%q refresh=%q", o.Access, o.Refresh)
	}
	if o.Expired(time.Now()) {
		t.Error("stored credential is expired after refresh")
	}
	if got := hook.count("refreshed"); got != 1 {
		t.Errorf("token refreshed events = %d, want 1", got)
	}
}

func TestGetValidToken_SingleFlight(t *testing.T) {
	t.Parallel()

	store := newOAuthStore(t, "claude", &OAuthCredential{Access: "old", Refresh: "rt", ExpiresAt: time.Now().Add(-time.Second)})
	r := &stubRefresher{ttl: time.Hour, delay: 50 * time.Millisecond}
	l := NewTokenLifecycle(store, r, nil, LifecycleConfig{})

	const callers = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = l.GetValidToken(context.Background(), "claude")
		}(i)
	}
	close(start)
	wg.Wait()

	if got := r.calls.Load(); got != 1 {
		t.Fatalf("refresh requests = %d, want 1", got)
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if tokens[i] != "refreshed-access" {
			t.Fatalf("caller %d token = %q, want refreshed-access", i, tokens[i])
		}
	}
}

func TestGetValidToken_Failures(t *testing.T) {
	t.Parallel()

	expired := func() *OAuthCredential {
		return &OAuthCredential{Access: "old", Refresh: "rt", ExpiresAt: time.Now().Add(-time.Minute)}
	}
	tests := []struct {
		name      string
		cred      Credential
		refresher *stubRefresher
		want      *Error
		wantCalls int32
	}{
		{
			name:      "no refresh token",
			cred:      &OAuthCredential{Access: "old", ExpiresAt: time.Now().Add(-time.Minute)},
			refresher: &stubRefresher{ttl: time.Hour},
			want:      ErrNoRefreshToken,
		},
		{
			name:      "refresh rejected",
			cred:      expired(),
			refresher: &stubRefresher{errs: []error{NewStatusError(ErrTokenExpired, "claude", 400)}},
			want:      ErrTokenExpired,
			wantCalls: 1,
		},
		{
			name:      "refreshed token already expired",
			cred:      expired(),
			refresher: &stubRefresher{ttl: -time.Minute},
			want:      ErrTokenExpired,
			wantCalls: 1,
		},
		{
			name: "network failures exhaust retries",
			cred: expired(),
			refresher: &stubRefresher{errs: []error{
				NewError(ErrNetwork, "claude", nil),
				NewError(ErrNetwork, "claude", nil),
				NewError(ErrNetwork, "claude", nil),
			}},
			want:      ErrNetwork,
			wantCalls: 3,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := NewCredentialStore(nil)
			_ = store.Set(context.Background(), "claude", tt.cred)
			l := NewTokenLifecycle(store, tt.refresher, nil, LifecycleConfig{Backoff: time.Millisecond})

			token, err := l.GetValidToken(context.Background(), "claude")
			if !errors.Is(err, tt.want) {
				t.Fatalf("GetValidToken() error = %v, want %v", err, tt.want)
			}
			if token != "" {
				t.Errorf("token = %q, want empty on failure", token)
			}
			if got := tt.refresher.calls.Load(); got != tt.wantCalls {
				t.Errorf("refresh calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestGetValidToken_NetworkRetrySucceeds(t *testing.T) {
	t.Parallel()

	store := newOAuthStore(t, "claude", &OAuthCredential{Access: "old", Refresh: "rt", ExpiresAt: time.Now().Add(-time.Minute)})
	r := &stubRefresher{ttl: time.Hour, errs: []error{NewError(ErrNetwork, "claude", nil)}}
	l := NewTokenLifecycle(store, r, nil, LifecycleConfig{Backoff: time.Millisecond})

	token, err := l.GetValidToken(context.Background(), "claude")
	if err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	if token != "refreshed-access" || r.calls.Load() != 2 {
		t.Errorf("token = %q after %d calls, want refreshed-access after 2", token, r.calls.Load())
	}
}

func TestGetValidToken_StaticCredentials(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore(nil)
	ctx := context.Background()
	_ = store.Set(ctx, "openai", &APIKeyCredential{Key: "sk-1"})
	_ = store.Set(ctx, "copilot", &WellKnownCredential{EnvVar: "GH_TOKEN", Token: "gh-1"})
	l := NewTokenLifecycle(store, nil, nil, LifecycleConfig{})

	if tok, err := l.GetValidToken(ctx, "openai"); err != nil || tok != "sk-1" {
		t.Errorf("api key token = %q, %v", tok, err)
	}
	if tok, err := l.GetValidToken(ctx, "copilot"); err != nil || tok != "gh-1" {
		t.Errorf("well known token = %q, %v", tok, err)
	}
	if _, err := l.GetValidToken(ctx, "missing"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("missing provider error = %v, want ErrNoCredentials", err)
	}
}

func TestNeedsRefresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := &OAuthCredential{Access: "a", ExpiresAt: now.Add(2 * time.Minute)}
	if NeedsRefresh(c, now, time.Minute) {
		t.Error("token with two minutes left should not need refresh at a one minute threshold")
	}
	if !NeedsRefresh(c, now, 2*time.Minute) {
		t.Error("token at the threshold should need refresh")
	}
	if !NeedsRefresh(c, now.Add(3*time.Minute), 0) {
		t.Error("expired token should need refresh with zero threshold")
	}
}

// recordPersister stores persisted records, so every Load decodes fresh credential values.
type recordPersister struct {
	mu      sync.Mutex
	records map[string]Record
}

func (p *recordPersister) Load(context.Context) (map[string]Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Credential, len(p.records))
	for k, rec := range p.records {
		cred, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		out[k] = cred
	}
	return out, nil
}

func (p *recordPersister) Save(_ context.Context, provider string, cred Credential) error {
	rec, err := EncodeRecord(cred)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[provider] = rec
	return nil
}

func (p *recordPersister) Delete(_ context.Context, provider string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, provider)
	return nil
}

type refresherFunc func(ctx context.Context, provider, refreshToken string) (*TokenPair, error)

func (f refresherFunc) RefreshToken(ctx context.Context, provider, refreshToken string) (*TokenPair, error) {
	return f(ctx, provider, refreshToken)
}

func TestGetValidToken_ReloadDuringRefreshKeepsRotatedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore(&recordPersister{records: make(map[string]Record)})
	if err := store.Set(ctx, "claude", &OAuthCredential{
		Access:    "old-access",
		Refresh:   "old-rt",
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	r := refresherFunc(func(ctx context.Context, _, refreshToken string) (*TokenPair, error) {
		if refreshToken != "old-rt" {
			t.Errorf("refresh token = %q, want old-rt", refreshToken)
		}
		// A file watcher reload lands while the request is in flight.
		if err := store.Load(ctx); err != nil {
			t.Errorf("Load() error = %v", err)
		}
		return &TokenPair{Access: "new-access", Refresh: "rotated-rt", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	l := NewTokenLifecycle(store, r, nil, LifecycleConfig{Threshold: 5 * time.Minute})

	token, err := l.GetValidToken(ctx, "claude")
	if err != nil {
		t.Fatalf("GetValidToken() error = %v", err)
	}
	if token != "new-access" {
		t.Fatalf("token = %q, want new-access", token)
	}
	cred, _ := store.Get("claude")
	if got := cred.(*OAuthCredential).Refresh; got != "rotated-rt" {
		t.Fatalf("stored refresh = %q, want rotated-rt", got)
	}
}

func TestCredentialStore_LoadKeepsUnchangedCredential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore(&recordPersister{records: make(map[string]Record)})
	if err := store.Set(ctx, "openai", &APIKeyCredential{Key: "sk"}); err != nil {
		t.Fatal(err)
	}
	before, _ := store.Get("openai")
	if err := store.Load(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := store.Get("openai")
	if before != after {
		t.Fatal("reload of unchanged data should keep the existing credential")
	}
	swapped, err := store.CompareAndSet(ctx, "openai", &APIKeyCredential{Key: "other"}, &APIKeyCredential{Key: "next"})
	if err != nil || swapped {
		t.Fatalf("CompareAndSet() with different values = %v, %v; want no swap", swapped, err)
	}
}
