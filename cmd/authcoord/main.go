// Command authcoord runs the multi-provider authentication coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KingInYellow18/code-sub001/internal/cmd"
	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/internal/logging"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath string
		login      string
		setKey     string
		logout     string
		status     bool
		refresh    bool
		noBrowser  bool
		version    bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&login, "login", "", "Run the OAuth login flow for a provider")
	flag.StringVar(&setKey, "set-key", "", "Store an API key for a provider (read from stdin)")
	flag.StringVar(&logout, "logout", "", "Remove the stored credential for a provider")
	flag.BoolVar(&status, "status", false, "Print provider status as JSON and exit")
	flag.BoolVar(&refresh, "refresh", false, "Refresh subscription info before printing status")
	flag.BoolVar(&noBrowser, "no-browser", false, "Do not open the browser automatically during login")
	flag.BoolVar(&version, "version", false, "Print version and exit")
	flag.Parse()

	if version {
		fmt.Printf("authcoord %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case login != "":
		err = cmd.DoLogin(ctx, cfg, login, &cmd.LoginOptions{NoBrowser: noBrowser})
	case setKey != "":
		err = cmd.DoSetKey(ctx, cfg, setKey, os.Stdin)
	case logout != "":
		err = cmd.DoLogout(ctx, cfg, logout)
	case status:
		err = cmd.DoStatus(ctx, cfg, refresh, os.Stdout)
	default:
		err = cmd.DoServe(ctx, cfg)
	}
	if err != nil {
		log.Errorf("authcoord: %v", err)
		stop()
		_ = closer.Close()
		os.Exit(1)
	}
}
