package scraper

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/cookies"
)

// Capture runs a first-time sign-in with a and returns the portal cookies.
// The browser is released before Capture returns.
func (s *Scraper) Capture(ctx context.Context, a auth.Authenticator) (set []cookies.Cookie, err error) {
	b, err := s.launch(ctx)
	if err != nil {
		return nil, apperr.Internal("launch browser", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(browser.Detach(ctx), cleanupTimeout)
		defer cancel()
		if serr := b.Shutdown(sctx); serr != nil {
			s.logger.Warn("Browser shutdown failed.", zap.Error(serr))
		}
	}()

	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, apperr.Internal("open page", err)
	}
	defer page.Close()

	set, err = a.SignIn(ctx, page)
	if err != nil {
		s.logger.Warn("Cookie capture failed.", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
		return nil, err
	}
	health := cookies.Evaluate(set, auth.SettingsFrom(s.cfg).Classes(), s.now())
	s.logger.Info("Captured cookies.",
		zap.Int("count", len(set)),
		zap.String("health", string(health.Status)),
		zap.Bool("device_trust", health.DeviceTrustValid))
	return set, nil
}
