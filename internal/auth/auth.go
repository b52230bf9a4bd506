// Package auth signs into the portal and renews its session.
package auth

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/cookies"
)

// originPollInterval is how often the location is sampled while waiting for
// the post-login redirect to land.
const originPollInterval = 500 * time.Millisecond

// Credentials live for one authentication attempt.
type Credentials struct {
	Email         string
	Password      string
	TwoFactorCode string
}

// Complete reports whether both email and password are present.
func (c Credentials) Complete() bool {
	return c.Email != "" && c.Password != ""
}

// Authenticator completes a first-time sign-in on page and returns the
// resulting cookies, filtered to the portal's domains.
type Authenticator interface {
	SignIn(ctx context.Context, page browser.Page) ([]cookies.Cookie, error)
}

// Settings gathers the configuration the login flows read.
type Settings struct {
	Portal            config.PortalConfig
	Auth              config.AuthConfig
	NavigationTimeout time.Duration
}

// SettingsFrom extracts Settings from the application config.
func SettingsFrom(cfg config.Interface) Settings {
	return Settings{
		Portal:            cfg.Portal(),
		Auth:              cfg.Auth(),
		NavigationTimeout: cfg.Scrape().NavigationTimeout,
	}
}

// Classes returns the cookie name classes configured for the portal.
func (s Settings) Classes() cookies.Classes {
	return cookies.Classes{Session: s.Auth.SessionCookies, DeviceTrust: s.Auth.DeviceTrustCookies}
}

// IsAuthenticated reports whether raw is on the authenticated host and not on
// a login path.
func (s Settings) IsAuthenticated(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Hostname(), s.Portal.AuthenticatedHost) {
		return false
	}
	return !containsAny(u.Path, s.Portal.LoginMarkers)
}

// IsVerification reports whether raw points at a 2FA step.
func (s Settings) IsVerification(raw string) bool {
	return containsAny(raw, s.Portal.VerificationMarkers)
}

// IsLogin reports whether raw points at a sign-in page.
func (s Settings) IsLogin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return containsAny(raw, s.Portal.LoginMarkers)
	}
	if !strings.EqualFold(u.Hostname(), s.Portal.AuthenticatedHost) {
		return true
	}
	return containsAny(u.Path, s.Portal.LoginMarkers)
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// navigate loads url within the navigation timeout.
func navigate(ctx context.Context, page browser.Page, url string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return apperr.FromContext("navigate "+url, page.Navigate(ctx, url))
}

// pollLocation samples the page location every interval until match accepts
// it or within elapses. matched is false when the window ran out; err is only
// set for page failures and cancellation of ctx itself.
func pollLocation(ctx context.Context, page browser.Page, interval, within time.Duration, match func(string) bool) (last string, matched bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(pctx); err != nil {
			if ctx.Err() != nil {
				return last, false, ctx.Err()
			}
			return last, false, nil
		}
		loc, err := page.Location(pctx)
		if err != nil {
			if ctx.Err() == nil && pctx.Err() != nil {
				return last, false, nil
			}
			return last, false, err
		}
		last = loc
		if match(loc) {
			return loc, true, nil
		}
	}
}

// collect reads the cookies for the portal and drops unrelated domains.
func collect(ctx context.Context, page browser.Page, s Settings, logger *zap.Logger) ([]cookies.Cookie, error) {
	all, err := page.Cookies(ctx, s.Portal.BaseURL, s.Portal.LoginURL)
	if err != nil {
		return nil, apperr.Internal("collect cookies", err)
	}
	kept := cookies.FilterDomains(all, s.Portal.CookieDomains)
	logger.Info("Captured cookies.", zap.Int("total", len(all)), zap.Int("kept", len(kept)))
	return kept, nil
}
