// Package auth provides interactive login flows that feed the coordinator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/oauth"
	coreauth "github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	"github.com/atotto/clipboard"
	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
)

const defaultLoginTimeout = 5 * time.Minute

// Flow is the authorization session manager used by the authenticator.
type Flow interface {
	BeginAuthorizationWithRedirect(provider, redirectURL string) (*oauth.Session, error)
	CompleteAuthorization(ctx context.Context, state, code string) (*oauth.Result, error)
}

// LoginTarget receives the completed login.
type LoginTarget interface {
	CompleteLogin(ctx context.Context, provider string, cred *coreauth.OAuthCredential, sub *coreauth.SubscriptionInfo) error
}

// LoginOptions tunes a single login.
type LoginOptions struct {
	// NoBrowser prints the URL instead of opening it.
	NoBrowser bool
	// CallbackPort binds the local callback server. Zero picks a free port.
	CallbackPort int
	// Timeout bounds the wait for the browser redirect.
	Timeout time.Duration
}

// OAuthAuthenticator runs a browser login against a local callback server.
type OAuthAuthenticator struct {
	flow   Flow
	target LoginTarget
	out    io.Writer

	openURL func(string) error
	copyURL func(string) error
}

// NewOAuthAuthenticator creates an authenticator that prints instructions to stdout.
func NewOAuthAuthenticator(flow Flow, target LoginTarget) *OAuthAuthenticator {
	return &OAuthAuthenticator{
		flow:    flow,
		target:  target,
		out:     os.Stdout,
		openURL: browser.OpenURL,
		copyURL: clipboard.WriteAll,
	}
}

// Login authorizes provider and hands the credential to the target.
func (a *OAuthAuthenticator) Login(ctx context.Context, provider string, opts *LoginOptions) (*oauth.Result, error) {
	if opts == nil {
		opts = &LoginOptions{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}

	server, err := oauth.StartCallbackServer(opts.CallbackPort)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to start callback server: %w", provider, err)
	}
	defer func() {
		_ = server.Stop(context.Background())
	}()

	session, err := a.flow.BeginAuthorizationWithRedirect(provider, server.RedirectURL())
	if err != nil {
		return nil, err
	}
	a.present(provider, session.AuthURL, opts.NoBrowser)

	_, _ = fmt.Fprintf(a.out, "Waiting for %s authentication...\n", provider)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callback, err := server.WaitForCallback(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("%s: authentication timeout or error: %w", provider, err)
	}
	if callback.Error != "" {
		return nil, fmt.Errorf("%s: oauth error: %s", provider, callback.Error)
	}
	if callback.State != session.State {
		return nil, coreauth.NewError(coreauth.ErrInvalidState, provider, errors.New("callback state does not match"))
	}

	result, err := a.flow.CompleteAuthorization(ctx, callback.State, callback.Code)
	if err != nil {
		return nil, err
	}
	if err = a.target.CompleteLogin(ctx, result.Provider, result.Credential, result.Subscription); err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(a.out, "%s authentication successful\n", provider)
	return result, nil
}

func (a *OAuthAuthenticator) present(provider, authURL string, noBrowser bool) {
	if !noBrowser {
		_, _ = fmt.Fprintf(a.out, "Opening browser for %s authentication\n", provider)
		errOpen := a.openURL(authURL)
		if errOpen == nil {
			return
		}
		log.Warnf("Failed to open browser automatically: %v", errOpen)
	}
	if a.copyURL != nil {
		if errCopy := a.copyURL(authURL); errCopy == nil {
			_, _ = fmt.Fprintln(a.out, "The authorization URL was copied to your clipboard.")
		} else {
			log.Debugf("clipboard unavailable: %v", errCopy)
		}
	}
	_, _ = fmt.Fprintf(a.out, "Visit the following URL to continue authentication:\n%s\n", authURL)
}
