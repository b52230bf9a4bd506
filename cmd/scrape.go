package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/export"
	"github.com/xkilldash9x/regscrape/internal/observability"
	"github.com/xkilldash9x/regscrape/internal/scraper"
)

func newScrapeCmd() *cobra.Command {
	var (
		pages      int
		cookieBlob string
		outPath    string
		headful    bool
	)

	scrapeCmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape the registration table once and write a CSV",
		Long: `Resumes the session from a cookie blob (--cookies, or the configured
HIYA_COOKIES) and walks the table. Expired sessions are refreshed with the
configured credentials. Without any cookies, the configured credentials are
used to sign in.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if headful {
				cfg.SetBrowserHeadless(false)
			}
			if cookieBlob == "" {
				cookieBlob = cfg.Scrape().Cookies
			}
			set, err := cookies.Decode(cookieBlob)
			if err != nil {
				return err
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if comps != nil {
				defer comps.Shutdown()
			}
			if err != nil {
				return err
			}

			// Non-positive budgets fall back to scrape.default_pages.
			run, err := comps.Scraper.Run(ctx, scraper.Request{Cookies: set, Pages: pages, Source: "cli"})
			if err != nil {
				return err
			}

			files := export.NewFiles(appFs, cfg.Scrape().OutputDir)
			var path string
			if outPath != "" {
				path, err = files.SaveAs(outPath, run.Records)
			} else {
				path, err = files.Save(run.Records, run.FinishedAt)
			}
			if err != nil {
				return fmt.Errorf("failed to write CSV: %w", err)
			}

			logger.Info("Scrape saved",
				zap.String("path", path),
				zap.Int("records", len(run.Records)),
				zap.Int("pages", run.PagesVisited),
				zap.String("stop", string(run.Stop)),
			)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Saved %d records from %d pages to %s\n", len(run.Records), run.PagesVisited, path)
			if run.Refreshed {
				blob, err := cookies.Encode(run.Cookies)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Session was refreshed. Updated cookie blob:\n%s\n", blob)
			}
			return nil
		},
	}

	scrapeCmd.Flags().IntVarP(&pages, "pages", "n", 0, "Maximum pages to scrape. (Defaults to scrape.default_pages)")
	scrapeCmd.Flags().StringVar(&cookieBlob, "cookies", "", "Base64 cookie blob. (Overrides config/env)")
	scrapeCmd.Flags().StringVarP(&outPath, "out", "o", "", "CSV output path. Defaults to a timestamped file in scrape.output_dir.")
	scrapeCmd.Flags().BoolVar(&headful, "headful", false, "Show the browser window.")
	return scrapeCmd
}
