package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.CredentialStore.Backend != StoreBackendFile {
		t.Errorf("Backend = %q, want file", cfg.CredentialStore.Backend)
	}
	if cfg.Refresh.Threshold != 5*time.Minute {
		t.Errorf("Refresh.Threshold = %v, want 5m", cfg.Refresh.Threshold)
	}
	if cfg.DefaultProvider != "auto" {
		t.Errorf("DefaultProvider = %q, want auto", cfg.DefaultProvider)
	}
	if cfg.Fallback.MaxBackoff != 10*time.Second {
		t.Errorf("Fallback.MaxBackoff = %v, want 10s", cfg.Fallback.MaxBackoff)
	}
	if len(cfg.Quota.WarningThresholds) != 2 {
		t.Errorf("WarningThresholds = %v, want [80 95]", cfg.Quota.WarningThresholds)
	}
}

func TestLoadConfig_ParsesKebabCase(t *testing.T) {
	path := writeConfig(t, `
auth-dir: /tmp/authcoord
default-provider: Claude
provider-order: [claude, openai]
refresh:
  threshold: 1m
fallback:
  max-backoff: 30s
providers:
  Claude:
    auth-url: https://claude.example/oauth/authorize
    token-url: https://claude.example/oauth/token
    client-id: abc
    scopes: [user:inference]
    token-env: CLAUDE_CODE_OAUTH_TOKEN
    usage-paths:
      tier: subscription.plan
  openai:
    api-key-env: OPENAI_API_KEY
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Refresh.Threshold != time.Minute {
		t.Errorf("Refresh.Threshold = %v, want 1m", cfg.Refresh.Threshold)
	}
	if cfg.Fallback.MaxBackoff != 30*time.Second {
		t.Errorf("Fallback.MaxBackoff = %v, want 30s", cfg.Fallback.MaxBackoff)
	}
	claude, ok := cfg.Providers["claude"]
	if !ok {
		t.Fatal("provider names should be normalized to lower case")
	}
	if !claude.SupportsOAuth() || claude.TokenEnv != "CLAUDE_CODE_OAUTH_TOKEN" {
		t.Errorf("claude = %+v", claude)
	}
	if claude.UsagePaths.Tier != "subscription.plan" || claude.UsagePaths.Limit != "usage.limit" {
		t.Errorf("usage paths = %+v, want configured tier with default limit", claude.UsagePaths)
	}
	if cfg.Providers["openai"].SupportsOAuth() {
		t.Error("api key provider should not support oauth")
	}
}

func TestLoadConfig_LoadsDotEnv(t *testing.T) {
	path := writeConfig(t, "auth-dir: /tmp/x\n")
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("AUTHCOORD_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHCOORD_TEST_DOTENV", "")
	os.Unsetenv("AUTHCOORD_TEST_DOTENV")

	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := os.Getenv("AUTHCOORD_TEST_DOTENV"); got != "loaded" {
		t.Errorf("AUTHCOORD_TEST_DOTENV = %q, want loaded", got)
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := writeConfig(t, "providers: [unterminated\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.CredentialStore.Backend = "redis" }, "unknown credential-store backend"},
		{"postgres without dsn", func(c *Config) { c.CredentialStore.Backend = StoreBackendPostgres }, "dsn is required"},
		{"object without bucket", func(c *Config) {
			c.CredentialStore.Backend = StoreBackendObject
			c.CredentialStore.Object.Endpoint = "localhost:9000"
		}, "endpoint and bucket"},
		{"negative duration", func(c *Config) { c.Refresh.Threshold = -time.Second }, "refresh.threshold must not be negative"},
		{"negative max backoff", func(c *Config) { c.Fallback.MaxBackoff = -time.Second }, "fallback.max-backoff must not be negative"},
		{"duplicate order", func(c *Config) { c.ProviderOrder = []string{"claude", "Claude"} }, "more than once"},
		{"threshold above 100", func(c *Config) { c.Quota.WarningThresholds = []float64{80, 120} }, "(0,100]"},
		{"threshold zero", func(c *Config) { c.Quota.WarningThresholds = []float64{0} }, "(0,100]"},
		{"partial oauth", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"claude": {AuthURL: "https://a"}}
		}, "required for oauth"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad callback port", func(c *Config) { c.OAuth.CallbackPort = 70000 }, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandHome("~/.authcoord")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, ".authcoord") {
		t.Errorf("ExpandHome() = %q", got)
	}
	if got, _ := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(abs) = %q", got)
	}
}
