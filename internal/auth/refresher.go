package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/cookies"
)

// Refresher renews the session half of a cookie set by logging in again,
// relying on the preserved device-trust cookies to skip 2FA.
type Refresher struct {
	settings Settings
	logger   *zap.Logger
}

func NewRefresher(s Settings, logger *zap.Logger) *Refresher {
	return &Refresher{settings: s, logger: logger.Named("refresher")}
}

// Refresh logs in on page and returns device-trust ∪ (fresh − trust names).
// preserver must already hold the device-trust bucket. A 2FA challenge means
// device trust was not honored and fails with apperr.ErrTwoFactorRequired.
// On success the merged set is loaded into page and the data page is open;
// landing anywhere else is an authentication failure.
func (r *Refresher) Refresh(ctx context.Context, page browser.Page, creds Credentials, preserver *cookies.Preserver) ([]cookies.Cookie, error) {
	if !creds.Complete() {
		return nil, apperr.Configuration("refresh", "set auth.email and auth.password (HIYA_EMAIL, HIYA_PASSWORD) to enable automatic refresh", apperr.ErrNoCredentials)
	}
	trusted := preserver.Trusted()
	r.logger.Info("Refreshing session.", zap.Int("device_trust_cookies", len(trusted)))

	// The refresh path never answers a 2FA challenge.
	creds.TwoFactorCode = ""
	m := newLoginMachine("refresh", page, r.settings, creds, false, r.logger)
	if err := m.run(ctx); err != nil {
		if apperr.KindOf(err) == apperr.KindAuthentication && len(trusted) == 0 {
			r.logger.Warn("No device-trust cookies were available; capture cookies again with remember-device enabled.")
		}
		return nil, err
	}

	fresh, err := page.Cookies(ctx, r.settings.Portal.BaseURL, r.settings.Portal.LoginURL)
	if err != nil {
		return nil, apperr.Internal("refresh.capture", err)
	}
	merged := preserver.MergeInto(fresh)
	if err := page.SetCookies(ctx, merged); err != nil {
		return nil, apperr.Internal("refresh.load", err)
	}
	r.logger.Info("Session cookies renewed.", zap.Int("fresh", len(fresh)), zap.Int("merged", len(merged)))

	if err := navigate(ctx, page, r.settings.Portal.DataURL(), r.settings.NavigationTimeout); err != nil {
		return nil, err
	}
	loc, err := page.Location(ctx)
	if err != nil {
		return nil, apperr.Internal("refresh.location", err)
	}
	if !r.settings.IsAuthenticated(loc) {
		return nil, apperr.Authentication("refresh", fmt.Sprintf("refreshed session was rejected, data page ended at %q", loc), apperr.ErrLoginRedirect)
	}
	return merged, nil
}
