// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "regscrape", cfg.Logger().ServiceName)
	assert.True(t, cfg.Browser().Headless)
	assert.False(t, cfg.Browser().DebugScreenshots)
	assert.Equal(t, 20, cfg.Scrape().DefaultPages)
	assert.Equal(t, 60*time.Second, cfg.Scrape().NavigationTimeout)
	assert.Equal(t, 300*time.Second, cfg.Auth().ManualTimeout)
	assert.Equal(t, 2*time.Second, cfg.Auth().ManualPollInterval)
	assert.Equal(t, time.Hour, cfg.Auth().RefreshAhead)
	assert.Equal(t, []string{"mfa", "verify"}, cfg.Portal().VerificationMarkers)
	assert.Contains(t, cfg.Auth().DeviceTrustCookies, "auth0-mf")
	assert.Equal(t, `button[data-id="pagination-next-button"]`, cfg.Portal().Selectors.NextButton)
	assert.Equal(t, 8000, cfg.Server().Port)
	assert.Equal(t, int64(1), cfg.Server().MaxConcurrentScrapes)
	assert.False(t, cfg.Auth().HasCredentials())
	assert.NoError(t, cfg.Validate())
}

func TestPortalDataURL(t *testing.T) {
	p := PortalConfig{BaseURL: "https://example.test/", DataPath: "/registration/phones"}
	assert.Equal(t, "https://example.test/registration/phones", p.DataURL())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		badPages := *cfg
		badPages.ScrapeCfg.DefaultPages = 0
		assert.ErrorContains(t, badPages.Validate(), "scrape.default_pages must be a positive integer")

		badPort := *cfg
		badPort.ServerCfg.Port = 70000
		assert.ErrorContains(t, badPort.Validate(), "server.port")

		badConcurrency := *cfg
		badConcurrency.ServerCfg.MaxConcurrentScrapes = 0
		assert.ErrorContains(t, badConcurrency.Validate(), "server.max_concurrent_scrapes")

		noHost := *cfg
		noHost.PortalCfg.AuthenticatedHost = ""
		assert.ErrorContains(t, noHost.Validate(), "portal.authenticated_host")
	})

	t.Run("Auth Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Auth()
		assert.NoError(t, valid.Validate())

		halfCreds := valid
		halfCreds.Email = "ops@example.test"
		assert.ErrorContains(t, halfCreds.Validate(), "email and password must be configured together")

		halfCreds.KeyringService = "regscrape"
		assert.NoError(t, halfCreds.Validate(), "a keyring service may supply the password")

		badPoll := valid
		badPoll.ManualPollInterval = 10 * time.Minute
		assert.ErrorContains(t, badPoll.Validate(), "manual_poll_interval must not exceed")

		noClasses := valid
		noClasses.SessionCookies = nil
		assert.ErrorContains(t, noClasses.Validate(), "must not be empty")
	})
}

// -- Viper Loading Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Setenv("HIYA_EMAIL", "ops@example.test")
	t.Setenv("HIYA_PASSWORD", "hunter2")
	t.Setenv("HIYA_COOKIES", "W10=")
	t.Setenv("PORT", "9090")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	yamlCfg := []byte(`
logger:
  level: debug
scrape:
  default_pages: 5
browser:
  headless: false
`)
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlCfg)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, 5, cfg.Scrape().DefaultPages)
	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, "ops@example.test", cfg.Auth().Email)
	assert.Equal(t, "hunter2", cfg.Auth().Password)
	assert.Equal(t, "W10=", cfg.Scrape().Cookies)
	assert.Equal(t, 9090, cfg.Server().Port)
	assert.True(t, cfg.Auth().HasCredentials())
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("scrape.default_pages", -1)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetBrowserHeadless(false)
	cfg.SetScrapePages(3)
	cfg.SetScrapeCookies("blob")
	cfg.SetAuthCredentials("a@b.c", "pw")

	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, 3, cfg.Scrape().DefaultPages)
	assert.Equal(t, "blob", cfg.Scrape().Cookies)
	assert.True(t, cfg.Auth().HasCredentials())
}

// -- Credential Resolution Tests --

func TestResolveCredentials(t *testing.T) {
	keyring.MockInit()

	cfg := NewDefaultConfig()
	cfg.AuthCfg.Email = "ops@example.test"
	cfg.AuthCfg.KeyringService = "regscrape-test"

	// Nothing stored yet: not an error, still no credentials.
	require.NoError(t, cfg.ResolveCredentials())
	assert.False(t, cfg.Auth().HasCredentials())

	require.NoError(t, cfg.StorePassword("from-keyring"))
	require.NoError(t, cfg.ResolveCredentials())
	assert.Equal(t, "from-keyring", cfg.Auth().Password)

	// An explicit password is never overridden.
	cfg.AuthCfg.Password = "explicit"
	require.NoError(t, cfg.ResolveCredentials())
	assert.Equal(t, "explicit", cfg.Auth().Password)
}

func TestStorePassword_RequiresService(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.ErrorContains(t, cfg.StorePassword("pw"), "auth.keyring_service")
}
