// Package cmd wires configuration into a running coordinator and implements the CLI commands.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/api/handlers/management"
	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/internal/oauth"
	"github.com/KingInYellow18/code-sub001/internal/probe"
	"github.com/KingInYellow18/code-sub001/internal/store"
	"github.com/KingInYellow18/code-sub001/internal/util"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	log "github.com/sirupsen/logrus"
)

const providerHTTPTimeout = 60 * time.Second

// App bundles the components built from one configuration.
type App struct {
	Config      *config.Config
	Coordinator *auth.Coordinator
	Flow        *oauth.FlowManager
	Events      *management.EventHub
	HTTPClient  *http.Client

	fileStore *store.FileStore
	closers   []func()
}

// NewApp builds the coordinator and its backends, loads persisted credentials and
// seeds credentials named by api-key-env and well-known-env.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	client, err := util.NewHTTPClient(cfg.ProxyURL, providerHTTPTimeout)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, HTTPClient: client, Events: management.NewEventHub()}

	persister, err := app.buildPersister(ctx)
	if err != nil {
		return nil, err
	}

	fetcher := oauth.NewHTTPSubscriptionFetcher(cfg, client)
	providers := make(map[string]auth.ProviderSettings, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = auth.ProviderSettings{APIKeyEnv: p.APIKeyEnv, TokenEnv: p.TokenEnv}
	}

	app.Coordinator = auth.New(auth.Options{
		Persister:     persister,
		Refresher:     oauth.NewTokenRefresher(cfg, client),
		Subscriptions: fetcher,
		Tester:        probe.NewHTTPTester(cfg, client),
		Hook:          auth.MultiHook{auth.LogHook{}, app.Events},
		Lifecycle: auth.LifecycleConfig{
			Threshold: cfg.Refresh.Threshold,
			Timeout:   cfg.Refresh.Timeout,
			Retries:   cfg.Refresh.Retries,
		},
		Quota: auth.QuotaConfig{
			OrphanTimeout:     cfg.Quota.OrphanTimeout,
			SweepInterval:     cfg.Quota.SweepInterval,
			WarningThresholds: cfg.Quota.WarningThresholds,
		},
		Fallback: auth.FallbackConfig{
			TransientAttempts: cfg.Fallback.TransientAttempts,
			Backoff:           cfg.Fallback.Backoff,
			MaxBackoff:        cfg.Fallback.MaxBackoff,
		},
		SubscriptionTTL:   cfg.Subscription.TTL,
		ProviderOrder:     cfg.ProviderOrder,
		DefaultPreference: auth.ParsePreference(cfg.DefaultProvider),
		Providers:         providers,
	})
	app.Flow = oauth.NewFlowManager(cfg, client, fetcher)

	if err = app.Coordinator.Load(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err = app.seedFromEnv(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) buildPersister(ctx context.Context) (auth.Persister, error) {
	sc := a.Config.CredentialStore
	switch sc.Backend {
	case config.StoreBackendPostgres:
		pg, err := store.NewPostgresStore(ctx, sc.Postgres.DSN, sc.Postgres.Table)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	case config.StoreBackendObject:
		objCfg := store.ObjectConfig{
			Endpoint:  sc.Object.Endpoint,
			Bucket:    sc.Object.Bucket,
			Prefix:    sc.Object.Prefix,
			AccessKey: sc.Object.AccessKey,
			SecretKey: sc.Object.SecretKey,
			UseSSL:    sc.Object.UseSSL,
		}
		if sc.Object.EncryptionKeyEnv != "" {
			raw := os.Getenv(sc.Object.EncryptionKeyEnv)
			if raw == "" {
				return nil, fmt.Errorf("encryption key variable %s is not set", sc.Object.EncryptionKeyEnv)
			}
			key, err := store.ParseEncryptionKey(raw)
			if err != nil {
				return nil, err
			}
			objCfg.EncryptionKey = key
		}
		return store.NewObjectStore(ctx, objCfg)
	default:
		path, err := a.Config.CredentialsPath()
		if err != nil {
			return nil, err
		}
		a.fileStore = store.NewFileStore(path)
		return a.fileStore, nil
	}
}

// seedFromEnv stores API keys and well-known tokens found in the environment for
// providers that have no credential yet.
func (a *App) seedFromEnv(ctx context.Context) error {
	for name, p := range a.Config.Providers {
		if _, ok := a.Coordinator.Store().Get(name); ok {
			continue
		}
		var cred auth.Credential
		if p.WellKnownEnv != "" {
			if token := strings.TrimSpace(os.Getenv(p.WellKnownEnv)); token != "" {
				cred = &auth.WellKnownCredential{EnvVar: p.WellKnownEnv, Token: token}
			}
		}
		if cred == nil && p.APIKeyEnv != "" {
			if key := strings.TrimSpace(os.Getenv(p.APIKeyEnv)); key != "" {
				cred = &auth.APIKeyCredential{Key: key}
			}
		}
		if cred == nil {
			continue
		}
		if err := a.Coordinator.SetCredential(ctx, name, cred); err != nil {
			return err
		}
		log.WithFields(log.Fields{auth.FieldProvider: name, auth.FieldKind: cred.Kind()}).Info("credential seeded from environment")
	}
	return nil
}

// Close releases backend resources.
func (a *App) Close() {
	a.Events.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
