package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/cookies"
)

// CredentialAuthenticator signs in with email and password, answering a 2FA
// challenge with the supplied code and asking the portal to remember the
// device so later refreshes can skip it.
type CredentialAuthenticator struct {
	settings Settings
	creds    Credentials
	logger   *zap.Logger
}

var _ Authenticator = (*CredentialAuthenticator)(nil)

func NewCredentialAuthenticator(s Settings, creds Credentials, logger *zap.Logger) *CredentialAuthenticator {
	return &CredentialAuthenticator{settings: s, creds: creds, logger: logger.Named("credential_auth")}
}

func (a *CredentialAuthenticator) SignIn(ctx context.Context, page browser.Page) ([]cookies.Cookie, error) {
	if !a.creds.Complete() {
		return nil, apperr.Configuration("sign_in", "email and password are required", apperr.ErrNoCredentials)
	}
	m := newLoginMachine("sign_in", page, a.settings, a.creds, true, a.logger)
	if err := m.run(ctx); err != nil {
		return nil, err
	}
	return collect(ctx, page, a.settings, a.logger)
}

// ManualAuthenticator opens the login page and waits for a person to finish
// signing in, however the identity provider asks them to.
type ManualAuthenticator struct {
	settings Settings
	logger   *zap.Logger
}

var _ Authenticator = (*ManualAuthenticator)(nil)

func NewManualAuthenticator(s Settings, logger *zap.Logger) *ManualAuthenticator {
	return &ManualAuthenticator{settings: s, logger: logger.Named("manual_auth")}
}

func (a *ManualAuthenticator) SignIn(ctx context.Context, page browser.Page) ([]cookies.Cookie, error) {
	if err := navigate(ctx, page, a.settings.Portal.LoginURL, a.settings.NavigationTimeout); err != nil {
		return nil, err
	}
	a.logger.Info("Waiting for manual login. Complete sign-in in the browser window.",
		zap.Duration("timeout", a.settings.Auth.ManualTimeout))

	last, ok, err := pollLocation(ctx, page, a.settings.Auth.ManualPollInterval, a.settings.Auth.ManualTimeout, a.reached)
	if err != nil {
		return nil, apperr.FromContext("manual_login", err)
	}
	if !ok {
		a.logger.Warn("Manual login did not complete.", zap.String("last_url", last))
		return nil, apperr.Timeout("manual_login", context.DeadlineExceeded)
	}
	a.logger.Info("Login detected.", zap.String("url", last))
	return collect(ctx, page, a.settings, a.logger)
}

func (a *ManualAuthenticator) reached(loc string) bool {
	if !a.settings.IsAuthenticated(loc) {
		return false
	}
	marker := a.settings.Portal.TargetMarker
	return marker == "" || containsAny(loc, []string{marker})
}
