package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/export"
	"github.com/xkilldash9x/regscrape/internal/scraper"
	"github.com/xkilldash9x/regscrape/internal/store"
)

// Overridable in tests.
var (
	newLauncher = browser.NewLauncher
	appFs       = afero.NewOsFs()
)

// components holds the services a command needs.
type components struct {
	Store   *store.Store
	Browser *browser.Shared
	Scraper *scraper.Scraper

	closeDB func()
}

// Shutdown stops the browser and closes the database pool.
func (c *components) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := zap.L()
	if c.Browser != nil {
		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser shutdown", zap.Error(err))
		}
	}
	if c.closeDB != nil {
		c.closeDB()
	}
}

// initializeComponents wires the scraper. Run history is recorded only when a
// database URL is configured; a database that cannot be reached is an error.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}
	opts := []scraper.Option{
		scraper.WithFiles(export.NewFiles(appFs, cfg.Browser().ScreenshotDir)),
	}

	if url := cfg.Database().URL; url != "" {
		s, closeDB, err := store.Connect(ctx, url, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize run history: %w", err)
		}
		c.Store, c.closeDB = s, closeDB
		if err := s.EnsureSchema(ctx); err != nil {
			return c, fmt.Errorf("failed to prepare run history schema: %w", err)
		}
		opts = append(opts, scraper.WithRecorder(s))
	}

	c.Browser = browser.NewShared(newLauncher(cfg.Browser(), logger))
	c.Scraper = scraper.New(cfg, c.Browser.Launch, logger, opts...)
	return c, nil
}
