// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/regscrape/internal/config"
)

const (
	defaultStartupTimeout = 30 * time.Second
	shutdownGracePeriod   = 15 * time.Second
)

// Manager owns one Chrome process and hands out isolated pages. Every page
// lives in its own browser context, so concurrent runs never share cookies.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx      context.Context
	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // open pages
}

// NewLauncher returns a Launcher that starts a Manager per call.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) Launcher {
	return func(ctx context.Context) (Browser, error) {
		return NewManager(ctx, cfg, logger)
	}
}

// NewManager launches Chrome and waits for it to accept connections.
// ctx bounds the startup only; the process lives until Shutdown.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
	}

	opts := buildAllocatorOptions(cfg, runtime.GOOS)
	m.allocCtx, m.cancelAlloc = chromedp.NewExecAllocator(Detach(ctx), opts...)
	m.browserCtx, m.cancelBrowser = chromedp.NewContext(m.allocCtx,
		chromedp.WithLogf(m.logf(zap.DebugLevel)),
		chromedp.WithErrorf(m.logf(zap.WarnLevel)),
	)

	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(m.browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			m.teardown()
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	case <-startCtx.Done():
		m.teardown()
		return nil, fmt.Errorf("browser did not start within %s: %w", timeout, startCtx.Err())
	}

	m.logger.Info("Browser launched.", zap.Bool("headless", cfg.Headless))
	return m, nil
}

func (m *Manager) logf(level zapcore.Level) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		if ce := m.logger.Check(level, "chromedp"); ce != nil {
			ce.Write(zap.String("detail", fmt.Sprintf(format, args...)))
		}
	}
}

// NewPage opens a tab in a fresh incognito browser context.
func (m *Manager) NewPage(ctx context.Context) (Page, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser manager is shut down")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithNewBrowserContext())
	// The first Run creates the browser context and target.
	var actions []chromedp.Action
	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(m.cfg.ViewportWidth), int64(m.cfg.ViewportHeight)))
	}
	if m.cfg.Stealth {
		actions = append(actions, applyPersona(PersonaFrom(m.cfg), m.logger))
	}
	if err := runWithin(ctx, tabCtx, actions...); err != nil {
		cancel()
		m.wg.Done()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	s := newSession(tabCtx, cancel, m.logger)
	s.onClose = m.wg.Done
	m.logger.Debug("Page opened.", zap.String("page_id", s.ID()))
	return s, nil
}

// Shutdown waits for open pages to close, then stops Chrome. Pages still open
// once ctx is done or the grace period elapses are torn down with the process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(shutdownGracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown context ended with pages still open.")
	case <-grace.C:
		m.logger.Warn("Pages did not close within the grace period.")
	}

	err := chromedp.Cancel(m.browserCtx)
	m.teardown()
	m.logger.Info("Browser shut down.")
	if err != nil && err != context.Canceled {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

func (m *Manager) teardown() {
	m.cancelBrowser()
	m.cancelAlloc()
}

// buildAllocatorOptions layers the configured flags over chromedp's defaults.
// Later flags win, so overrides only need appending.
func buildAllocatorOptions(cfg config.BrowserConfig, goos string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range allocatorFlags(cfg, goos) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// allocatorFlags computes the command line switches for cfg. Custom args of
// the form "--name=value" or "--name" are folded in last.
func allocatorFlags(cfg config.BrowserConfig, goos string) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                               cfg.Headless,
		"enable-automation":                      false,
		"disable-blink-features":                 "AutomationControlled",
		"disable-features":                       "IsolateOrigins,site-per-process",
		"password-store":                         "basic",
		"use-mock-keychain":                      true,
		"hide-scrollbars":                        true,
		"mute-audio":                             true,
		"disable-background-timer-throttling":    true,
		"disable-backgrounding-occluded-windows": true,
		"disable-renderer-backgrounding":         true,
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	// Containers on linux run without a usable sandbox or a large /dev/shm.
	if goos == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-gpu"] = true
	}
	for _, arg := range cfg.Args {
		name, value := parseArg(arg)
		if name != "" {
			flags[name] = value
		}
	}
	return flags
}

func parseArg(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}

// runWithin runs actions against the chromedp target in tabCtx, bounded by
// the caller's ctx.
func runWithin(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}
