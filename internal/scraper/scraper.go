// Package scraper orchestrates one scrape run: browser, session, pagination.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/export"
	"github.com/xkilldash9x/regscrape/internal/extract"
	"github.com/xkilldash9x/regscrape/internal/store"
)

const cleanupTimeout = 15 * time.Second

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// Request describes one scrape invocation.
type Request struct {
	// Cookies is the prior session. Empty means sign in with credentials.
	Cookies []cookies.Cookie
	// Pages is the page budget; non-positive uses the configured default.
	Pages int
	// Source labels the caller in run history, e.g. "api" or "cli".
	Source string
	Sink   LogSink
}

// Run is the record of one scrape invocation.
type Run struct {
	ID           uuid.UUID
	Source       string
	PagesTarget  int
	PagesVisited int
	Stop         extract.StopReason
	Records      []extract.Record
	Status       RunStatus
	Health       *cookies.Health
	Refreshed    bool
	// Cookies is the working set at the end of the run, including any
	// refreshed session cookies.
	Cookies    []cookies.Cookie
	Screenshot string
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// RunRecorder persists run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, r store.RunRecord) error
}

// Scraper runs scrapes against the portal. It is safe for concurrent use;
// every run gets its own page and cookie working set.
type Scraper struct {
	cfg      config.Interface
	launch   browser.Launcher
	logger   *zap.Logger
	recorder RunRecorder
	files    *export.Files
	now      func() time.Time
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithRecorder stores a summary of every run.
func WithRecorder(r RunRecorder) Option {
	return func(s *Scraper) { s.recorder = r }
}

// WithFiles is where failure screenshots go when enabled.
func WithFiles(f *export.Files) Option {
	return func(s *Scraper) { s.files = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scraper) { s.now = now }
}

func New(cfg config.Interface, launch browser.Launcher, logger *zap.Logger, opts ...Option) *Scraper {
	s := &Scraper{
		cfg:    cfg,
		launch: launch,
		logger: logger.Named("scraper"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credentials returns the configured auto-refresh credentials.
func (s *Scraper) Credentials() auth.Credentials {
	a := s.cfg.Auth()
	return auth.Credentials{Email: a.Email, Password: a.Password}
}

// Run executes one scrape. The returned Run is never nil; on failure its Err
// matches the returned error. The browser is released before Run returns.
func (s *Scraper) Run(ctx context.Context, req Request) (*Run, error) {
	run := &Run{
		ID:          uuid.New(),
		Source:      req.Source,
		PagesTarget: req.Pages,
		Status:      StatusRunning,
		StartedAt:   s.now(),
	}
	if run.PagesTarget <= 0 {
		run.PagesTarget = s.cfg.Scrape().DefaultPages
	}
	id := run.ID.String()
	plain := s.logger.With(zap.String("run_id", id))
	logger := attachSink(s.logger, id, req.Sink).With(zap.String("run_id", id))
	rc := &runContext{Scraper: s, run: run, req: req, logger: logger, plain: plain}

	err := rc.execute(ctx)

	run.FinishedAt = s.now()
	if err != nil {
		run.Status = StatusFailed
		run.Err = err
		logger.Error("Scrape failed.", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
	} else {
		run.Status = StatusSucceeded
		logger.Info("Scrape complete.", zap.Int("records", len(run.Records)), zap.Int("pages", run.PagesVisited))
	}
	s.record(ctx, run, logger)
	return run, err
}

func (s *Scraper) record(ctx context.Context, run *Run, logger *zap.Logger) {
	if s.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(browser.Detach(ctx), cleanupTimeout)
	defer cancel()
	rec := store.RunRecord{
		ID:           run.ID,
		Source:       run.Source,
		Status:       string(run.Status),
		PagesTarget:  run.PagesTarget,
		PagesVisited: run.PagesVisited,
		RecordCount:  len(run.Records),
		StopReason:   string(run.Stop),
		Refreshed:    run.Refreshed,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	if run.Err != nil {
		rec.Error = run.Err.Error()
	}
	if err := s.recorder.RecordRun(rctx, rec); err != nil {
		logger.Warn("Failed to record run history.", zap.Error(err))
	}
}

// runContext carries the per-run state through the orchestration steps.
type runContext struct {
	*Scraper
	run    *Run
	req    Request
	logger *zap.Logger
	// plain skips the sink; status milestones reach it as status events.
	plain    *zap.Logger
	settings auth.Settings
	creds    auth.Credentials
}

func (rc *runContext) status(msg string, fields ...zap.Field) {
	rc.plain.Info(msg, fields...)
	if rc.req.Sink != nil {
		rc.req.Sink(Event{Kind: EventStatus, RunID: rc.run.ID.String(), Time: rc.now(), Message: msg})
	}
}

func (rc *runContext) execute(ctx context.Context) (err error) {
	rc.settings = auth.SettingsFrom(rc.cfg)
	rc.creds = rc.Credentials()
	hasCookies := len(rc.req.Cookies) > 0

	if !hasCookies && !rc.creds.Complete() {
		return apperr.Configuration("scrape",
			"no cookies supplied and no credentials configured; send cookies in the request, set HIYA_COOKIES, or set HIYA_EMAIL and HIYA_PASSWORD",
			apperr.ErrNoCookies)
	}

	rc.status("Launching browser.")
	b, err := rc.launch(ctx)
	if err != nil {
		return apperr.Internal("launch browser", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(browser.Detach(ctx), cleanupTimeout)
		defer cancel()
		if serr := b.Shutdown(sctx); serr != nil {
			rc.logger.Warn("Browser shutdown failed.", zap.Error(serr))
		}
	}()

	page, err := b.NewPage(ctx)
	if err != nil {
		return apperr.Internal("open page", err)
	}
	defer func() {
		if err != nil {
			rc.captureFailure(ctx, page)
		}
		if cerr := page.Close(); cerr != nil {
			rc.logger.Warn("Page close failed.", zap.Error(cerr))
		}
	}()

	if hasCookies {
		err = rc.resumeSession(ctx, page)
	} else {
		err = rc.signIn(ctx, page)
	}
	if err != nil {
		return err
	}

	rc.status("Extracting registrations.", zap.Int("pages", rc.run.PagesTarget))
	opts := extract.OptionsFrom(rc.cfg)
	opts.OnPage = func(n, records, total int) {
		rc.status(fmt.Sprintf("Extracted page %d of %d.", n, rc.run.PagesTarget),
			zap.Int("records", records), zap.Int("total", total))
	}
	res, err := extract.New(opts, rc.logger).Walk(ctx, page, rc.run.PagesTarget)
	if err != nil {
		return err
	}
	rc.run.Records = res.Records
	rc.run.PagesVisited = res.PagesVisited
	rc.run.Stop = res.Stop

	if final, cerr := page.Cookies(ctx, rc.settings.Portal.BaseURL, rc.settings.Portal.LoginURL); cerr == nil {
		rc.run.Cookies = cookies.FilterDomains(final, rc.settings.Portal.CookieDomains)
	} else {
		rc.logger.Debug("Could not read final cookies.", zap.Error(cerr))
	}
	return nil
}

// resumeSession loads the supplied cookies, refreshes them if needed, and
// leaves page on the data page.
func (rc *runContext) resumeSession(ctx context.Context, page browser.Page) error {
	set := rc.req.Cookies
	classes := rc.settings.Classes()
	now := rc.now()

	health := cookies.Evaluate(set, classes, now)
	rc.run.Health = &health
	rc.status("Checked cookie health.", zap.String("status", string(health.Status)), zap.Int("cookies", len(set)))

	preserver := cookies.NewPreserver(classes)
	trust, _ := preserver.Capture(set)
	rc.logger.Info("Preserved device-trust cookies.", zap.Int("count", len(trust)))
	rc.run.Cookies = set

	if err := page.SetCookies(ctx, set); err != nil {
		return apperr.Internal("load cookies", err)
	}

	refresh := health.NeedsRefresh()
	if !refresh && rc.cfg.Auth().RefreshAhead > 0 {
		if soon := cookies.ExpiringWithin(set, classes, now, rc.cfg.Auth().RefreshAhead); len(soon) > 0 {
			rc.logger.Warn("Session cookies expire soon.", zap.Strings("cookies", cookies.Names(soon)))
			refresh = rc.cfg.Auth().ProactiveRefresh && rc.creds.Complete()
		}
	}

	if refresh {
		if !rc.creds.Complete() {
			return apperr.Authentication("scrape",
				"cookies expired and no credentials available for auto-refresh; capture new cookies or set HIYA_EMAIL and HIYA_PASSWORD",
				apperr.ErrNoCredentials)
		}
		err := rc.refresh(ctx, page, preserver)
		if err == nil || health.NeedsRefresh() || ctx.Err() != nil {
			return err
		}
		// The supplied session is still valid; use it as it is.
		rc.logger.Warn("Proactive refresh failed; continuing with supplied cookies.", zap.Error(err))
		if err := page.SetCookies(ctx, set); err != nil {
			return apperr.Internal("load cookies", err)
		}
	}

	rc.status("Opening data page with supplied cookies.")
	if err := rc.navigate(ctx, page); err != nil {
		return err
	}
	loc, err := page.Location(ctx)
	if err != nil {
		return apperr.Internal("location", err)
	}
	if rc.settings.IsLogin(loc) {
		rc.logger.Warn("Redirected to login; cookies may be invalid.", zap.String("url", loc))
		if !rc.creds.Complete() {
			return apperr.Authentication("scrape", "cookies expired or invalid; capture new cookies", apperr.ErrLoginRedirect)
		}
		return rc.refresh(ctx, page, preserver)
	}
	if !rc.settings.IsAuthenticated(loc) {
		return apperr.Authentication("scrape", fmt.Sprintf("failed to access the portal, ended at %q", loc), nil)
	}
	rc.logger.Info("Authenticated with cookies.")
	return nil
}

func (rc *runContext) refresh(ctx context.Context, page browser.Page, preserver *cookies.Preserver) error {
	rc.status("Refreshing session.")
	merged, err := auth.NewRefresher(rc.settings, rc.logger).Refresh(ctx, page, rc.creds, preserver)
	if err != nil {
		return err
	}
	rc.run.Refreshed = true
	rc.run.Cookies = merged
	return nil
}

// signIn performs a credential login when no cookies were supplied.
func (rc *runContext) signIn(ctx context.Context, page browser.Page) error {
	rc.status("No cookies supplied; signing in with credentials.")
	set, err := auth.NewCredentialAuthenticator(rc.settings, rc.creds, rc.logger).SignIn(ctx, page)
	if err != nil {
		return err
	}
	rc.run.Cookies = set
	return rc.navigate(ctx, page)
}

func (rc *runContext) navigate(ctx context.Context, page browser.Page) error {
	nctx, cancel := context.WithTimeout(ctx, rc.cfg.Scrape().NavigationTimeout)
	defer cancel()
	url := rc.settings.Portal.DataURL()
	return apperr.FromContext("navigate "+url, page.Navigate(nctx, url))
}

// captureFailure saves a screenshot of page when debug screenshots are on.
func (rc *runContext) captureFailure(ctx context.Context, page browser.Page) {
	if !rc.cfg.Browser().DebugScreenshots || rc.files == nil {
		return
	}
	sctx, cancel := context.WithTimeout(browser.Detach(ctx), cleanupTimeout)
	defer cancel()
	shot, err := page.Screenshot(sctx)
	if err != nil {
		rc.logger.Warn("Failed to capture failure screenshot.", zap.Error(err))
		return
	}
	path, err := rc.files.WriteBytes(fmt.Sprintf("error_%s.png", rc.run.ID), shot)
	if err != nil {
		rc.logger.Warn("Failed to save failure screenshot.", zap.Error(err))
		return
	}
	rc.run.Screenshot = path
	rc.logger.Info("Saved failure screenshot.", zap.String("path", path))
}
