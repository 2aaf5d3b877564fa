package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/KingInYellow18/code-sub001/internal/config"
	sdkAuth "github.com/KingInYellow18/code-sub001/sdk/auth"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// LoginOptions configures the interactive login command.
type LoginOptions struct {
	NoBrowser bool
}

// DoLogin runs the browser OAuth flow for provider and stores the credential.
func DoLogin(ctx context.Context, cfg *config.Config, provider string, options *LoginOptions) error {
	if options == nil {
		options = &LoginOptions{}
	}
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	authenticator := sdkAuth.NewOAuthAuthenticator(app.Flow, app.Coordinator)
	result, err := authenticator.Login(ctx, provider, &sdkAuth.LoginOptions{
		NoBrowser:    options.NoBrowser,
		CallbackPort: cfg.OAuth.CallbackPort,
		Timeout:      cfg.OAuth.CallbackTimeout,
	})
	if err != nil {
		fmt.Printf("%s authentication failed: %v\n", provider, err)
		return err
	}
	if result.Subscription != nil && result.Subscription.Tier != "" {
		fmt.Printf("Subscription tier: %s\n", result.Subscription.Tier)
	}
	return nil
}

// DoSetKey stores an API key for provider. The key is read from the terminal without
// echo, or from stdin when it is not a terminal.
func DoSetKey(ctx context.Context, cfg *config.Config, provider string, in *os.File) error {
	key, err := readSecret(in, fmt.Sprintf("Enter API key for %s: ", provider))
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("empty api key")
	}
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	if err = app.Coordinator.SetCredential(ctx, provider, &auth.APIKeyCredential{Key: key}); err != nil {
		return err
	}
	fmt.Printf("API key stored for %s\n", provider)
	return nil
}

func readSecret(in *os.File, prompt string) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read api key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read api key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// DoLogout removes the credential for provider.
func DoLogout(ctx context.Context, cfg *config.Config, provider string) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	if err = app.Coordinator.Logout(ctx, provider); err != nil {
		return err
	}
	log.WithField(auth.FieldProvider, provider).Info("logged out")
	fmt.Printf("Logged out of %s\n", provider)
	return nil
}

// DoStatus prints the coordinator status as JSON. Subscriptions are refreshed first
// when refresh is true.
func DoStatus(ctx context.Context, cfg *config.Config, refresh bool, out io.Writer) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	if refresh {
		if errRefresh := app.Coordinator.RefreshSubscriptions(ctx); errRefresh != nil {
			log.WithError(errRefresh).Warn("subscription refresh failed")
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(app.Coordinator.Status(ctx))
}
