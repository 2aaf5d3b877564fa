package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
)

func TestTokenRefresher(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   int
		wantCode auth.ErrorCode
	}{
		{name: "success", status: http.StatusOK},
		{name: "rejected", status: http.StatusBadRequest, wantCode: auth.CodeTokenExpired},
		{name: "unauthorized", status: http.StatusUnauthorized, wantCode: auth.CodeTokenExpired},
		{name: "rate limited", status: http.StatusTooManyRequests, wantCode: auth.CodeNetwork},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantCode: auth.CodeNetwork},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ps := newProviderServer(t)
			ps.setTokenStatus(tt.status)
			refresher := NewTokenRefresher(testConfig(ps), ps.Client())

			pair, err := refresher.RefreshToken(context.Background(), "claude", "rt-old")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("RefreshToken() error = %v", err)
				}
				if pair.Access != "at-new" || pair.Refresh != "rt-new" || pair.Scope != "user:inference" {
					t.Errorf("pair = %+v", pair)
				}
				if !pair.ExpiresAt.After(time.Now()) {
					t.Errorf("ExpiresAt = %v, want future", pair.ExpiresAt)
				}
				if grants := ps.seenGrants(); len(grants) != 1 || grants[0] != "refresh_token" {
					t.Errorf("grants = %v, want [refresh_token]", grants)
				}
				return
			}
			if got := auth.CodeOf(err); got != tt.wantCode {
				t.Fatalf("CodeOf(err) = %q, want %q (err=%v)", got, tt.wantCode, err)
			}
			if err != nil && strings.Contains(err.Error(), "leak") {
				t.Errorf("error leaks response body: %v", err)
			}
		})
	}
}

func TestTokenRefresher_TransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL + "/token"
	srv.Close()

	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"claude": {AuthURL: "https://example.invalid/authorize", TokenURL: tokenURL, ClientID: "c"},
	}
	_, err := NewTokenRefresher(cfg, nil).RefreshToken(context.Background(), "claude", "rt")
	if !errors.Is(err, auth.ErrNetwork) {
		t.Fatalf("RefreshToken() error = %v, want Network", err)
	}
}
