// Package config loads the coordinator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
	StoreBackendObject   = "object"
)

const (
	defaultAuthDir       = "~/.authcoord"
	defaultCredentialsFn = "credentials.json"
)

// Config is the root configuration document.
type Config struct {
	// AuthDir holds the credentials file for the file backend.
	AuthDir string `yaml:"auth-dir"`
	// CredentialStore selects and configures the persistence backend.
	CredentialStore StoreConfig `yaml:"credential-store"`
	// ProxyURL routes provider traffic through an HTTP(S) or SOCKS5 proxy.
	ProxyURL string `yaml:"proxy-url"`
	// DefaultProvider is a provider name or "auto".
	DefaultProvider string `yaml:"default-provider"`
	// ProviderOrder breaks selection ties.
	ProviderOrder []string `yaml:"provider-order"`
	// Providers configures each provider by name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	Refresh      RefreshConfig      `yaml:"refresh"`
	Quota        QuotaConfig        `yaml:"quota"`
	Fallback     FallbackConfig     `yaml:"fallback"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	OAuth        OAuthConfig        `yaml:"oauth"`
	Probe        ProbeConfig        `yaml:"probe"`
	Logging      LoggingConfig      `yaml:"logging"`
	Management   ManagementConfig   `yaml:"management"`
}

// StoreConfig configures credential persistence.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Watch reloads the file backend when another process replaces it.
	Watch    bool           `yaml:"watch"`
	Postgres PostgresConfig `yaml:"postgres"`
	Object   ObjectConfig   `yaml:"object"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// ObjectConfig configures the S3-compatible backend.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	UseSSL    bool   `yaml:"use-ssl"`
	// EncryptionKeyEnv names a variable holding a 32-byte hex key used to seal payloads.
	EncryptionKeyEnv string `yaml:"encryption-key-env"`
}

// ProviderConfig configures one provider.
type ProviderConfig struct {
	AuthURL      string     `yaml:"auth-url"`
	TokenURL     string     `yaml:"token-url"`
	ClientID     string     `yaml:"client-id"`
	ClientSecret string     `yaml:"client-secret"`
	RedirectURL  string     `yaml:"redirect-url"`
	Scopes       []string   `yaml:"scopes"`
	UsageURL     string     `yaml:"usage-url"`
	UsagePaths   UsagePaths `yaml:"usage-paths"`
	// APIKeyEnv is read at startup to seed an API key and names the variable it is exported as.
	APIKeyEnv string `yaml:"api-key-env"`
	// TokenEnv names the variable an OAuth access token is exported as.
	TokenEnv string `yaml:"token-env"`
	// WellKnownEnv is read at startup to seed a well-known token.
	WellKnownEnv string `yaml:"well-known-env"`
	// TestURL receives an authenticated GET when the provider is tested.
	TestURL string `yaml:"test-url"`
}

// SupportsOAuth reports whether the provider has enough configuration for the authorization code flow.
func (p ProviderConfig) SupportsOAuth() bool {
	return p.AuthURL != "" && p.TokenURL != "" && p.ClientID != ""
}

// UsagePaths are gjson paths into the provider's usage response.
type UsagePaths struct {
	Tier     string `yaml:"tier"`
	Limit    string `yaml:"limit"`
	Current  string `yaml:"current"`
	ResetAt  string `yaml:"reset-at"`
	Features string `yaml:"features"`
}

// RefreshConfig tunes OAuth refresh.
type RefreshConfig struct {
	Threshold time.Duration `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
	Retries   int           `yaml:"retries"`
	Timeout   time.Duration `yaml:"timeout"`
}

// QuotaConfig tunes quota coordination.
type QuotaConfig struct {
	SweepInterval     time.Duration `yaml:"sweep-interval"`
	OrphanTimeout     time.Duration `yaml:"orphan-timeout"`
	WarningThresholds []float64     `yaml:"warning-thresholds"`
}

// FallbackConfig tunes transient retries.
type FallbackConfig struct {
	TransientAttempts int           `yaml:"transient-attempts"`
	Backoff           time.Duration `yaml:"backoff"`
	// MaxBackoff caps the delay between transient attempts.
	MaxBackoff        time.Duration `yaml:"max-backoff"`
}

// SubscriptionConfig tunes subscription caching.
type SubscriptionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// OAuthConfig tunes the authorization flow.
type OAuthConfig struct {
	SessionTTL      time.Duration `yaml:"session-ttl"`
	CallbackPort    int           `yaml:"callback-port"`
	CallbackTimeout time.Duration `yaml:"callback-timeout"`
	ExchangeRetries int           `yaml:"exchange-retries"`
}

// ProbeConfig tunes the background provider probe.
type ProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// File enables rotated file logging when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// ManagementConfig configures the status/control HTTP surface.
type ManagementConfig struct {
	Listen string `yaml:"listen"`
	// SecretKeyEnv names a variable holding the bearer secret required by the API.
	SecretKeyEnv string `yaml:"secret-key-env"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the YAML file at path, loads a .env file next to it if present,
// and applies defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.WithField("path", path).Info("no config file found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if errEnv := godotenv.Load(envPath); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
		log.WithError(errEnv).Warn("failed to load .env file")
	}

	cfg.applyDefaults()
	if err = ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = defaultAuthDir
	}
	if c.CredentialStore.Backend == "" {
		c.CredentialStore.Backend = StoreBackendFile
	}
	if c.CredentialStore.Postgres.Table == "" {
		c.CredentialStore.Postgres.Table = "coordinator_credentials"
	}
	if c.CredentialStore.Object.Prefix == "" {
		c.CredentialStore.Object.Prefix = "credentials/"
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "auto"
	}
	if c.Refresh.Threshold == 0 {
		c.Refresh.Threshold = 5 * time.Minute
	}
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = 30 * time.Second
	}
	if c.Refresh.Retries == 0 {
		c.Refresh.Retries = 2
	}
	if c.Refresh.Timeout == 0 {
		c.Refresh.Timeout = 30 * time.Second
	}
	if c.Quota.SweepInterval == 0 {
		c.Quota.SweepInterval = time.Minute
	}
	if c.Quota.OrphanTimeout == 0 {
		c.Quota.OrphanTimeout = 30 * time.Minute
	}
	if len(c.Quota.WarningThresholds) == 0 {
		c.Quota.WarningThresholds = []float64{80, 95}
	}
	if c.Fallback.TransientAttempts == 0 {
		c.Fallback.TransientAttempts = 3
	}
	if c.Fallback.Backoff == 0 {
		c.Fallback.Backoff = 500 * time.Millisecond
	}
	if c.Fallback.MaxBackoff == 0 {
		c.Fallback.MaxBackoff = 10 * time.Second
	}
	if c.Subscription.TTL == 0 {
		c.Subscription.TTL = time.Hour
	}
	if c.OAuth.SessionTTL == 0 {
		c.OAuth.SessionTTL = 10 * time.Minute
	}
	if c.OAuth.CallbackTimeout == 0 {
		c.OAuth.CallbackTimeout = 5 * time.Minute
	}
	if c.OAuth.ExchangeRetries == 0 {
		c.OAuth.ExchangeRetries = 2
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 20
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}
	if c.Management.Listen == "" {
		c.Management.Listen = "127.0.0.1:8317"
	}
	normalized := make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		normalized[strings.ToLower(strings.TrimSpace(name))] = p.withDefaults()
	}
	c.Providers = normalized
}

func (p ProviderConfig) withDefaults() ProviderConfig {
	if p.UsagePaths.Tier == "" {
		p.UsagePaths.Tier = "tier"
	}
	if p.UsagePaths.Limit == "" {
		p.UsagePaths.Limit = "usage.limit"
	}
	if p.UsagePaths.Current == "" {
		p.UsagePaths.Current = "usage.current"
	}
	if p.UsagePaths.ResetAt == "" {
		p.UsagePaths.ResetAt = "usage.reset_at"
	}
	if p.UsagePaths.Features == "" {
		p.UsagePaths.Features = "features"
	}
	return p
}

// CredentialsPath returns the credentials file of the file backend with "~" expanded.
func (c *Config) CredentialsPath() (string, error) {
	dir, err := ExpandHome(c.AuthDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultCredentialsFn), nil
}

// ExpandHome resolves a leading "~" to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ValidateConfig rejects configurations the coordinator cannot run with.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	switch cfg.CredentialStore.Backend {
	case StoreBackendFile:
	case StoreBackendPostgres:
		if cfg.CredentialStore.Postgres.DSN == "" {
			return errors.New("credential-store.postgres.dsn is required for the postgres backend")
		}
	case StoreBackendObject:
		o := cfg.CredentialStore.Object
		if o.Endpoint == "" || o.Bucket == "" {
			return errors.New("credential-store.object endpoint and bucket are required for the object backend")
		}
	default:
		return fmt.Errorf("unknown credential-store backend %q", cfg.CredentialStore.Backend)
	}

	durations := map[string]time.Duration{
		"refresh.threshold":      cfg.Refresh.Threshold,
		"refresh.interval":       cfg.Refresh.Interval,
		"refresh.timeout":        cfg.Refresh.Timeout,
		"quota.sweep-interval":   cfg.Quota.SweepInterval,
		"quota.orphan-timeout":   cfg.Quota.OrphanTimeout,
		"fallback.backoff":       cfg.Fallback.Backoff,
		"fallback.max-backoff":   cfg.Fallback.MaxBackoff,
		"subscription.ttl":       cfg.Subscription.TTL,
		"oauth.session-ttl":      cfg.OAuth.SessionTTL,
		"oauth.callback-timeout": cfg.OAuth.CallbackTimeout,
		"probe.interval":         cfg.Probe.Interval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.Refresh.Retries < 0 || cfg.Fallback.TransientAttempts < 0 || cfg.OAuth.ExchangeRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	if cfg.OAuth.CallbackPort < 0 || cfg.OAuth.CallbackPort > 65535 {
		return fmt.Errorf("oauth.callback-port %d out of range", cfg.OAuth.CallbackPort)
	}
	for _, th := range cfg.Quota.WarningThresholds {
		if th <= 0 || th > 100 {
			return fmt.Errorf("quota warning threshold %v must be in (0,100]", th)
		}
	}

	seen := make(map[string]struct{}, len(cfg.ProviderOrder))
	for _, p := range cfg.ProviderOrder {
		key := strings.ToLower(strings.TrimSpace(p))
		if key == "" {
			return errors.New("provider-order contains an empty entry")
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("provider-order lists %q more than once", key)
		}
		seen[key] = struct{}{}
	}
	for name, p := range cfg.Providers {
		if name == "" || name == "auto" {
			return fmt.Errorf("invalid provider name %q", name)
		}
		if (p.AuthURL != "" || p.TokenURL != "") && !p.SupportsOAuth() {
			return fmt.Errorf("provider %s: auth-url, token-url and client-id are all required for oauth", name)
		}
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", cfg.Logging.Format)
	}
	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
