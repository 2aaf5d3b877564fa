package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/api/handlers/management"
	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/internal/logging"
	"github.com/KingInYellow18/code-sub001/internal/probe"
	"github.com/KingInYellow18/code-sub001/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// DoServe runs the coordinator with its background loops and the management API until ctx is done.
func DoServe(ctx context.Context, cfg *config.Config) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	coord := app.Coordinator
	coord.StartAutoRefresh(ctx, cfg.Refresh.Interval)
	defer coord.StopAutoRefresh()
	coord.QuotaCoordinator().StartSweeper(ctx)
	app.Flow.Sessions().StartSweeper(ctx, time.Minute)

	go func() {
		if errRefresh := coord.RefreshSubscriptions(ctx); errRefresh != nil {
			log.WithError(errRefresh).Warn("initial subscription refresh failed")
		}
	}()

	prober := probe.NewManager(coord)
	prober.Start(ctx, cfg.Probe)
	defer prober.Stop()

	if cfg.CredentialStore.Watch && app.fileStore != nil {
		watcher, errWatch := store.NewWatcher(app.fileStore.Path(), coord)
		if errWatch != nil {
			log.WithError(errWatch).Warn("credentials watcher disabled")
		} else {
			watcher.Start(ctx)
			defer func() { _ = watcher.Stop() }()
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	management.NewHandler(coord, app.Flow, os.Getenv(cfg.Management.SecretKeyEnv)).WithEvents(app.Events).Register(engine)

	server := &http.Server{
		Addr:              cfg.Management.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("management API listening on %s", cfg.Management.Listen)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		if errServe != nil {
			return fmt.Errorf("management server: %w", errServe)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Events.Close()
	if err = server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown management server: %w", err)
	}
	log.Info("coordinator stopped")
	return nil
}
