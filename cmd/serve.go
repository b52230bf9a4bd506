package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/api"
	"github.com/xkilldash9x/regscrape/internal/observability"
)

func newServeCmd() *cobra.Command {
	var port int

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.ServerCfg.Port = port
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if comps != nil {
				defer comps.Shutdown()
			}
			if err != nil {
				return err
			}

			logger.Info("Starting API server",
				zap.String("address", cfg.Server().Addr()),
				zap.Bool("cookies_configured", cfg.Scrape().Cookies != ""),
				zap.Bool("auto_refresh_configured", cfg.Auth().HasCredentials()),
				zap.Bool("run_history", comps.Store != nil),
			)
			srv := api.NewServer(cfg, comps.Scraper, logger, Version)
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api server failed: %w", err)
			}
			return nil
		},
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port. (Overrides config/env)")
	return serveCmd
}
