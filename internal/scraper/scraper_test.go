package scraper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/browser/browsertest"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/export"
	"github.com/xkilldash9x/regscrape/internal/store"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	runs []store.RunRecord
}

func (r *recorder) RecordRun(ctx context.Context, rec store.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.AuthCfg.SubmitSettle = 0
	cfg.AuthCfg.FormTimeout = 10 * time.Millisecond
	cfg.AuthCfg.OriginTimeout = 50 * time.Millisecond
	cfg.ScrapeCfg.PageSettle = 0
	return cfg
}

func expiringIn(name string, d time.Duration) cookies.Cookie {
	return cookies.Cookie{Name: name, Value: name + "-v", Domain: ".hiya.com", Path: "/", Expires: float64(fixedNow.Add(d).Unix())}
}

func healthyCookies() []cookies.Cookie {
	return []cookies.Cookie{expiringIn("appSession.0", 48*time.Hour), expiringIn("did", 30*24*time.Hour)}
}

func rows(page, n int) []browser.Row {
	out := make([]browser.Row, n)
	for i := range out {
		out[i] = browsertest.Row("", fmt.Sprintf("+1555%02d%04d", page, i), "", "job", "b", "s", "c", "ok")
	}
	return out
}

// portal scripts a page whose login lands on the data page. redirectToLogin
// sends the first data page visit back to the identity provider.
func portal(cfg *config.Config, redirectToLogin bool) *browsertest.Page {
	p := browsertest.New("about:blank")
	data := cfg.Portal().DataURL()
	sel := cfg.Portal().Selectors
	p.Redirects = map[string]string{cfg.Portal().LoginURL: "https://auth.hiya.com/u/login"}
	if redirectToLogin {
		p.Redirects[data] = "https://auth.hiya.com/u/login?returnTo=phones"
	}
	p.Pages = [][]browser.Row{rows(1, 10), rows(2, 8), nil}
	p.NextSelector = sel.NextButton
	p.Jar = []cookies.Cookie{expiringIn("appSession.0", 24*time.Hour)}
	linked := sel.TableBody + " " + sel.DataLink
	p.VisibleFunc = func(p *browsertest.Page, s string) bool {
		switch s {
		case sel.LoginForm, sel.EmailInput, sel.PasswordInput, sel.TableBody:
			return true
		case linked:
			return len(p.CurrentRows()) > 0
		}
		return false
	}
	p.OnClick = func(p *browsertest.Page, s string) error {
		if s == sel.SubmitButton {
			delete(p.Redirects, data)
			p.URL = data
		}
		return nil
	}
	return p
}

func newScraper(t *testing.T, cfg *config.Config, page *browsertest.Page, calls *int, opts ...Option) (*Scraper, *browsertest.Browser) {
	b := &browsertest.Browser{PageFunc: func() *browsertest.Page { return page }}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(cfg, b.Launcher(calls), zaptest.NewLogger(t), opts...), b
}

func TestRun_NoCookiesNoCredentials(t *testing.T) {
	cfg := testConfig()
	calls := 0
	rec := &recorder{}
	s, _ := newScraper(t, cfg, portal(cfg, false), &calls, WithRecorder(rec))

	run, err := s.Run(context.Background(), Request{Source: "api"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.ErrorIs(t, err, apperr.ErrNoCookies)
	assert.Contains(t, err.Error(), "HIYA_COOKIES")
	assert.Equal(t, 0, calls, "no browser may be opened")
	assert.Equal(t, StatusFailed, run.Status)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, "failed", rec.runs[0].Status)
}

func TestRun_HealthyCookies(t *testing.T) {
	cfg := testConfig()
	page := portal(cfg, false)
	calls := 0
	rec := &recorder{}
	s, b := newScraper(t, cfg, page, &calls, WithRecorder(rec))

	run, err := s.Run(context.Background(), Request{Cookies: healthyCookies(), Source: "cli"})
	require.NoError(t, err)

	assert.Len(t, run.Records, 18)
	assert.Equal(t, 3, run.PagesVisited)
	assert.Equal(t, 20, run.PagesTarget, "default budget")
	assert.False(t, run.Refreshed)
	assert.Equal(t, cookies.StatusHealthy, run.Health.Status)
	assert.Equal(t, []string{cfg.Portal().DataURL()}, page.Navigations)
	assert.True(t, page.IsClosed())
	assert.True(t, b.ShutDown)
	assert.Equal(t, 1, calls)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, 18, rec.runs[0].RecordCount)
	assert.Equal(t, "empty_page", rec.runs[0].StopReason)
}

func TestRun_ExpiredWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	page := portal(cfg, false)
	s, b := newScraper(t, cfg, page, nil)
	expired := []cookies.Cookie{expiringIn("appSession.0", -time.Hour), expiringIn("did", -time.Hour)}

	_, err := s.Run(context.Background(), Request{Cookies: expired})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "no credentials available for auto-refresh")
	assert.True(t, page.IsClosed(), "page released on the error path")
	assert.True(t, b.ShutDown)
}

func TestRun_AutoRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.SetAuthCredentials("ops@example.com", "secret")
	page := portal(cfg, false)
	s, _ := newScraper(t, cfg, page, nil)
	set := []cookies.Cookie{expiringIn("appSession.0", -time.Minute), expiringIn("did", 30*24*time.Hour)}

	run, err := s.Run(context.Background(), Request{Cookies: set, Pages: 2})
	require.NoError(t, err)

	assert.True(t, run.Refreshed)
	assert.Equal(t, cookies.StatusAutoRefresh, run.Health.Status)
	assert.Len(t, run.Records, 18)
	assert.Equal(t, 2, run.PagesVisited)
	assert.Contains(t, cookies.Names(run.Cookies), "did", "device trust survives the refresh")
	assert.Equal(t, "secret", page.Filled[cfg.Portal().Selectors.PasswordInput])
}

func TestRun_ProactiveRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.SetAuthCredentials("ops@example.com", "secret")
	page := portal(cfg, false)
	s, _ := newScraper(t, cfg, page, nil)
	set := []cookies.Cookie{expiringIn("appSession.0", 10*time.Minute), expiringIn("did", 30*24*time.Hour)}

	run, err := s.Run(context.Background(), Request{Cookies: set, Pages: 1})
	require.NoError(t, err)
	assert.Equal(t, cookies.StatusHealthy, run.Health.Status)
	assert.True(t, run.Refreshed, "session expiring inside the window is renewed")
}

func TestRun_ProactiveRefreshFailureKeepsValidSession(t *testing.T) {
	cfg := testConfig()
	cfg.SetAuthCredentials("ops@example.com", "secret")
	page := portal(cfg, false)
	page.OnClick = func(p *browsertest.Page, s string) error {
		if s == cfg.Portal().Selectors.SubmitButton {
			p.URL = "https://auth.hiya.com/u/mfa-otp-challenge?state=abc"
		}
		return nil
	}
	s, _ := newScraper(t, cfg, page, nil)
	set := []cookies.Cookie{expiringIn("appSession.0", 30*time.Minute)}

	run, err := s.Run(context.Background(), Request{Cookies: set, Pages: 2})
	require.NoError(t, err)
	assert.Equal(t, cookies.StatusWarning, run.Health.Status)
	assert.False(t, run.Refreshed)
	assert.Len(t, run.Records, 18)
	assert.Equal(t, cfg.Portal().DataURL(), page.Navigations[len(page.Navigations)-1])
}

func TestRun_LoginRedirect(t *testing.T) {
	t.Run("refreshes once with credentials", func(t *testing.T) {
		cfg := testConfig()
		cfg.SetAuthCredentials("ops@example.com", "secret")
		page := portal(cfg, true)
		s, _ := newScraper(t, cfg, page, nil)

		run, err := s.Run(context.Background(), Request{Cookies: healthyCookies()})
		require.NoError(t, err)
		assert.True(t, run.Refreshed)
		assert.Len(t, run.Records, 18)
	})

	t.Run("fails without credentials", func(t *testing.T) {
		cfg := testConfig()
		page := portal(cfg, true)
		s, _ := newScraper(t, cfg, page, nil)

		_, err := s.Run(context.Background(), Request{Cookies: healthyCookies()})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrLoginRedirect)
		assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	})
}

func TestRun_CredentialSignInWithoutCookies(t *testing.T) {
	cfg := testConfig()
	cfg.SetAuthCredentials("ops@example.com", "secret")
	page := portal(cfg, false)
	s, _ := newScraper(t, cfg, page, nil)

	run, err := s.Run(context.Background(), Request{Pages: 5})
	require.NoError(t, err)
	assert.Len(t, run.Records, 18)
	assert.Nil(t, run.Health)
	assert.Equal(t, cfg.Portal().DataURL(), page.Navigations[len(page.Navigations)-1])
}

func TestRun_SinkReceivesEvents(t *testing.T) {
	cfg := testConfig()
	s, _ := newScraper(t, cfg, portal(cfg, false), nil)

	var mu sync.Mutex
	var events []Event
	sink := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	run, err := s.Run(context.Background(), Request{Cookies: healthyCookies(), Sink: sink})
	require.NoError(t, err)

	var statuses []string
	var logs int
	for _, e := range events {
		assert.Equal(t, run.ID.String(), e.RunID)
		switch e.Kind {
		case EventStatus:
			statuses = append(statuses, e.Message)
		case EventLog:
			logs++
		}
	}
	assert.Contains(t, statuses, "Extracted page 1 of 20.")
	assert.Contains(t, statuses, "Extracted page 2 of 20.")
	assert.Positive(t, logs, "extractor logs are mirrored")
}

func TestRun_FailureScreenshot(t *testing.T) {
	cfg := testConfig()
	cfg.BrowserCfg.DebugScreenshots = true
	page := portal(cfg, true)
	page.ScreenshotData = []byte("png")
	fs := afero.NewMemMapFs()
	s, _ := newScraper(t, cfg, page, nil, WithFiles(export.NewFiles(fs, "/shots")))

	run, err := s.Run(context.Background(), Request{Cookies: healthyCookies()})
	require.Error(t, err)
	require.NotEmpty(t, run.Screenshot)

	data, err := afero.ReadFile(fs, run.Screenshot)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestCapture(t *testing.T) {
	cfg := testConfig()
	page := portal(cfg, false)
	page.Jar = append(page.Jar,
		expiringIn("did", 30*24*time.Hour),
		cookies.Cookie{Name: "_ga", Domain: ".google.com", Expires: cookies.SessionOnly})
	s, b := newScraper(t, cfg, page, nil)

	a := auth.NewCredentialAuthenticator(auth.SettingsFrom(cfg), auth.Credentials{Email: "a@b.c", Password: "pw"}, zaptest.NewLogger(t))
	set, err := s.Capture(context.Background(), a)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"appSession.0", "did"}, cookies.Names(set))
	assert.True(t, page.IsClosed())
	assert.True(t, b.ShutDown)
}
