package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/auth"
	"github.com/xkilldash9x/regscrape/internal/cookies"
	"github.com/xkilldash9x/regscrape/internal/observability"
)

func newCaptureCmd() *cobra.Command {
	var (
		manual       bool
		email        string
		password     string
		code         string
		savePassword bool
	)

	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Sign in once and print a cookie blob for later scrapes",
		Long: `Signs in to the portal and prints the session and device-trust cookies as
a base64 blob. With --manual a browser window opens and the sign-in is done by
hand, 2FA included. Otherwise the credentials come from the flags or config;
pass --code when the identity provider asks for a verification code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			settings := auth.SettingsFrom(cfg)
			var a auth.Authenticator
			if manual {
				cfg.SetBrowserHeadless(false)
				a = auth.NewManualAuthenticator(settings, logger)
			} else {
				creds := auth.Credentials{Email: cfg.Auth().Email, Password: cfg.Auth().Password, TwoFactorCode: code}
				if email != "" {
					creds.Email = email
				}
				if password != "" {
					creds.Password = password
				}
				if !creds.Complete() {
					return fmt.Errorf("email and password are required (flags, config, or HIYA_EMAIL/HIYA_PASSWORD); use --manual to sign in by hand")
				}
				a = auth.NewCredentialAuthenticator(settings, creds, logger)

				if savePassword {
					cfg.SetAuthCredentials(creds.Email, creds.Password)
					if err := cfg.StorePassword(creds.Password); err != nil {
						return err
					}
					logger.Info("Password stored in keyring", zap.String("service", cfg.Auth().KeyringService))
				}
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if comps != nil {
				defer comps.Shutdown()
			}
			if err != nil {
				return err
			}

			set, err := comps.Scraper.Capture(ctx, a)
			if err != nil {
				return err
			}
			blob, err := cookies.Encode(set)
			if err != nil {
				return err
			}

			health := cookies.Evaluate(set, settings.Classes(), time.Now())
			fmt.Fprintf(cmd.ErrOrStderr(), "Captured %d cookies (health: %s, device trust: %t)\n",
				len(set), health.Status, health.DeviceTrustValid)
			fmt.Fprintln(cmd.OutOrStdout(), blob)
			return nil
		},
	}

	captureCmd.Flags().BoolVar(&manual, "manual", false, "Open a browser window and sign in by hand.")
	captureCmd.Flags().StringVar(&email, "email", "", "Portal account email. (Overrides config/env)")
	captureCmd.Flags().StringVar(&password, "password", "", "Portal account password. (Overrides config/env)")
	captureCmd.Flags().StringVar(&code, "code", "", "Verification code for 2FA, if prompted.")
	captureCmd.Flags().BoolVar(&savePassword, "save-password", false, "Store the password in the OS keyring under auth.keyring_service.")
	captureCmd.MarkFlagsMutuallyExclusive("manual", "email")
	captureCmd.MarkFlagsMutuallyExclusive("manual", "password")
	return captureCmd
}
