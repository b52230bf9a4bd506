package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/config"
	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/observability"
	"github.com/xkilldash9x/regscrape/internal/store"
)

// runLister is the read side of run history.
type runLister interface {
	RecentRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
}

// storeProvider creates the run history store. Tests inject a fake instead
// of a live database.
type storeProvider interface {
	// Create returns nil without error when no database is configured.
	Create(ctx context.Context, cfg config.Interface) (runLister, func(), error)
}

type defaultStoreProvider struct{}

func (defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (runLister, func(), error) {
	if cfg.Database().URL == "" {
		return nil, nil, nil
	}
	s, closeDB, err := store.Connect(ctx, cfg.Database().URL, observability.GetLogger())
	if err != nil {
		return nil, nil, err
	}
	return s, closeDB, nil
}

type healthReport struct {
	Cookies               cookies.Health    `json:"cookie_health"`
	CookieCount           int               `json:"cookie_count"`
	AutoRefreshConfigured bool              `json:"auto_refresh_configured"`
	RecentRuns            []store.RunRecord `json:"recent_runs,omitempty"`
}

func newHealthCmd(provider storeProvider) *cobra.Command {
	var (
		cookieBlob string
		runs       int
	)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Report cookie health and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cookieBlob == "" {
				cookieBlob = cfg.Scrape().Cookies
			}
			return runHealth(ctx, cmd, cfg, cookieBlob, runs, provider, time.Now())
		},
	}

	healthCmd.Flags().StringVar(&cookieBlob, "cookies", "", "Base64 cookie blob to check. (Defaults to config/env)")
	healthCmd.Flags().IntVar(&runs, "runs", 10, "Number of recent runs to list when run history is configured.")
	return healthCmd
}

func runHealth(ctx context.Context, cmd *cobra.Command, cfg config.Interface, blob string, runs int, provider storeProvider, now time.Time) error {
	set, err := cookies.Decode(blob)
	if err != nil {
		return err
	}
	report := healthReport{
		Cookies:               cookies.Evaluate(set, auth.SettingsFrom(cfg).Classes(), now),
		CookieCount:           len(set),
		AutoRefreshConfigured: cfg.Auth().HasCredentials(),
	}

	if runs > 0 {
		lister, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		if cleanup != nil {
			defer cleanup()
		}
		if lister != nil {
			report.RecentRuns, err = lister.RecentRuns(ctx, runs)
			if err != nil {
				return err
			}
		}
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize health report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
