// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Portal() PortalConfig
	Auth() AuthConfig
	Scrape() ScrapeConfig
	Server() ServerConfig
	Database() DatabaseConfig

	SetBrowserHeadless(bool)
	SetScrapePages(int)
	SetScrapeCookies(string)
	SetAuthCredentials(email, password string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	PortalCfg   PortalConfig   `mapstructure:"portal" yaml:"portal"`
	AuthCfg     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	ScrapeCfg   ScrapeConfig   `mapstructure:"scrape" yaml:"scrape"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Portal() PortalConfig     { return c.PortalCfg }
func (c *Config) Auth() AuthConfig         { return c.AuthCfg }
func (c *Config) Scrape() ScrapeConfig     { return c.ScrapeCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetScrapePages(n int)      { c.ScrapeCfg.DefaultPages = n }
func (c *Config) SetScrapeCookies(s string) { c.ScrapeCfg.Cookies = s }
func (c *Config) SetAuthCredentials(email, password string) {
	c.AuthCfg.Email = email
	c.AuthCfg.Password = password
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser process.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth   int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int      `mapstructure:"viewport_height" yaml:"viewport_height"`
	Args            []string `mapstructure:"args" yaml:"args"`
	// Stealth installs the persona below on every page.
	Stealth   bool     `mapstructure:"stealth" yaml:"stealth"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
	// DebugScreenshots saves a PNG of the page on failure. Off in production.
	DebugScreenshots bool          `mapstructure:"debug_screenshots" yaml:"debug_screenshots"`
	ScreenshotDir    string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
}

// PortalConfig describes the third-party portal being scraped.
type PortalConfig struct {
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	LoginURL string `mapstructure:"login_url" yaml:"login_url"`
	DataPath string `mapstructure:"data_path" yaml:"data_path"`
	// AuthenticatedHost is the host that signals a signed-in session.
	AuthenticatedHost string `mapstructure:"authenticated_host" yaml:"authenticated_host"`
	// TargetMarker must appear in the URL before a manual login counts as done.
	TargetMarker        string         `mapstructure:"target_marker" yaml:"target_marker"`
	VerificationMarkers []string       `mapstructure:"verification_markers" yaml:"verification_markers"`
	LoginMarkers        []string       `mapstructure:"login_markers" yaml:"login_markers"`
	CookieDomains       []string       `mapstructure:"cookie_domains" yaml:"cookie_domains"`
	Selectors           SelectorConfig `mapstructure:"selectors" yaml:"selectors"`
}

// DataURL is the absolute URL of the results table.
func (p PortalConfig) DataURL() string {
	return strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(p.DataPath, "/")
}

// SelectorConfig holds the CSS selectors used against the portal UI.
type SelectorConfig struct {
	LoginForm      string   `mapstructure:"login_form" yaml:"login_form"`
	EmailInput     string   `mapstructure:"email_input" yaml:"email_input"`
	PasswordInput  string   `mapstructure:"password_input" yaml:"password_input"`
	SubmitButton   string   `mapstructure:"submit_button" yaml:"submit_button"`
	CodeInput      string   `mapstructure:"code_input" yaml:"code_input"`
	RememberDevice []string `mapstructure:"remember_device" yaml:"remember_device"`
	TableBody      string   `mapstructure:"table_body" yaml:"table_body"`
	TableRow       string   `mapstructure:"table_row" yaml:"table_row"`
	TableCell      string   `mapstructure:"table_cell" yaml:"table_cell"`
	DataLink       string   `mapstructure:"data_link" yaml:"data_link"`
	NextButton     string   `mapstructure:"next_button" yaml:"next_button"`
}

// AuthConfig holds credentials and the timing of the login flows.
type AuthConfig struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"-"`
	// KeyringService, when set, is consulted for the password of Email if no
	// password was configured directly.
	KeyringService     string        `mapstructure:"keyring_service" yaml:"keyring_service"`
	SessionCookies     []string      `mapstructure:"session_cookies" yaml:"session_cookies"`
	DeviceTrustCookies []string      `mapstructure:"device_trust_cookies" yaml:"device_trust_cookies"`
	RefreshAhead       time.Duration `mapstructure:"refresh_ahead" yaml:"refresh_ahead"`
	ProactiveRefresh   bool          `mapstructure:"proactive_refresh" yaml:"proactive_refresh"`
	FormTimeout        time.Duration `mapstructure:"form_timeout" yaml:"form_timeout"`
	SubmitSettle       time.Duration `mapstructure:"submit_settle" yaml:"submit_settle"`
	OriginTimeout      time.Duration `mapstructure:"origin_timeout" yaml:"origin_timeout"`
	ManualTimeout      time.Duration `mapstructure:"manual_timeout" yaml:"manual_timeout"`
	ManualPollInterval time.Duration `mapstructure:"manual_poll_interval" yaml:"manual_poll_interval"`
}

// HasCredentials reports whether automatic refresh is possible.
func (a AuthConfig) HasCredentials() bool {
	return a.Email != "" && a.Password != ""
}

// ScrapeConfig tunes the extraction run.
type ScrapeConfig struct {
	DefaultPages int `mapstructure:"default_pages" yaml:"default_pages"`
	// Cookies is the base64 JSON cookie blob used when a request carries none.
	Cookies           string        `mapstructure:"cookies" yaml:"-"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	TableTimeout      time.Duration `mapstructure:"table_timeout" yaml:"table_timeout"`
	RowTimeout        time.Duration `mapstructure:"row_timeout" yaml:"row_timeout"`
	AdvanceTimeout    time.Duration `mapstructure:"advance_timeout" yaml:"advance_timeout"`
	PageSettle        time.Duration `mapstructure:"page_settle" yaml:"page_settle"`
	DetectStalls      bool          `mapstructure:"detect_stalls" yaml:"detect_stalls"`
	OutputDir         string        `mapstructure:"output_dir" yaml:"output_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host                 string        `mapstructure:"host" yaml:"host"`
	Port                 int           `mapstructure:"port" yaml:"port"`
	MaxConcurrentScrapes int64         `mapstructure:"max_concurrent_scrapes" yaml:"max_concurrent_scrapes"`
	ReadHeaderTimeout    time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the database connection details. An empty URL disables
// run history.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "regscrape")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.languages", []string{"en-US", "en"})
	v.SetDefault("browser.timezone", "America/Los_Angeles")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.debug_screenshots", false)
	v.SetDefault("browser.screenshot_dir", ".")
	v.SetDefault("browser.startup_timeout", "30s")

	// -- Portal --
	v.SetDefault("portal.base_url", "https://business.hiya.com")
	v.SetDefault("portal.login_url", "https://business.hiya.com/login")
	v.SetDefault("portal.data_path", "/registration/cross-carrier-registration/phones")
	v.SetDefault("portal.authenticated_host", "business.hiya.com")
	v.SetDefault("portal.target_marker", "registration")
	v.SetDefault("portal.verification_markers", []string{"mfa", "verify"})
	v.SetDefault("portal.login_markers", []string{"login", "auth"})
	v.SetDefault("portal.cookie_domains", []string{"hiya.com"})
	v.SetDefault("portal.selectors.login_form", `input[type="email"], input[type="text"]`)
	v.SetDefault("portal.selectors.email_input", `input[type="email"], input[name="username"], input[name="email"]`)
	v.SetDefault("portal.selectors.password_input", `input[type="password"], input[name="password"]`)
	v.SetDefault("portal.selectors.submit_button", `button[type="submit"]`)
	v.SetDefault("portal.selectors.code_input", `input[name="code"], input[autocomplete="one-time-code"]`)
	v.SetDefault("portal.selectors.remember_device", []string{
		`input[type="checkbox"][name*="remember"]`,
		`button[value*="remember"]`,
		`button[name*="trust"]`,
	})
	v.SetDefault("portal.selectors.table_body", "tbody.MuiTableBody-root")
	v.SetDefault("portal.selectors.table_row", "tr.MuiTableRow-root")
	v.SetDefault("portal.selectors.table_cell", "td.MuiTableCell-root")
	v.SetDefault("portal.selectors.data_link", `a[href*="/phones/"]`)
	v.SetDefault("portal.selectors.next_button", `button[data-id="pagination-next-button"]`)

	// -- Auth --
	v.SetDefault("auth.session_cookies", []string{"auth0", "auth0_compat", "appSession.0", "appSession.1"})
	v.SetDefault("auth.device_trust_cookies", []string{"did", "did_compat", "auth0-mf", "auth0-mf_compat", "_cfuvid", "hubspotutk", "__hstc", "_lfa"})
	v.SetDefault("auth.refresh_ahead", "1h")
	v.SetDefault("auth.proactive_refresh", true)
	v.SetDefault("auth.form_timeout", "10s")
	v.SetDefault("auth.submit_settle", "5s")
	v.SetDefault("auth.origin_timeout", "15s")
	v.SetDefault("auth.manual_timeout", "300s")
	v.SetDefault("auth.manual_poll_interval", "2s")

	// -- Scrape --
	v.SetDefault("scrape.default_pages", 20)
	v.SetDefault("scrape.navigation_timeout", "60s")
	v.SetDefault("scrape.table_timeout", "30s")
	v.SetDefault("scrape.row_timeout", "10s")
	v.SetDefault("scrape.advance_timeout", "10s")
	v.SetDefault("scrape.page_settle", "2s")
	v.SetDefault("scrape.detect_stalls", true)
	v.SetDefault("scrape.output_dir", ".")

	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_concurrent_scrapes", 1)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
}

// BindEnv wires the secret-bearing and platform-provided environment
// variables. The HIYA_* and PORT names are the ones deployments already use.
func BindEnv(v *viper.Viper) {
	v.BindEnv("auth.email", "REGSCRAPE_AUTH_EMAIL", "HIYA_EMAIL")
	v.BindEnv("auth.password", "REGSCRAPE_AUTH_PASSWORD", "HIYA_PASSWORD")
	v.BindEnv("scrape.cookies", "REGSCRAPE_SCRAPE_COOKIES", "HIYA_COOKIES")
	v.BindEnv("server.port", "REGSCRAPE_SERVER_PORT", "PORT")
	v.BindEnv("database.url", "REGSCRAPE_DATABASE_URL", "DATABASE_URL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	BindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.ScrapeCfg.OutputDir, &c.BrowserCfg.ScreenshotDir, &c.BrowserCfg.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ScrapeCfg.DefaultPages <= 0 {
		return fmt.Errorf("scrape.default_pages must be a positive integer")
	}
	if c.PortalCfg.BaseURL == "" || c.PortalCfg.LoginURL == "" {
		return fmt.Errorf("portal.base_url and portal.login_url are required")
	}
	if c.PortalCfg.AuthenticatedHost == "" {
		return fmt.Errorf("portal.authenticated_host is required")
	}
	if c.ServerCfg.Port <= 0 || c.ServerCfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.ServerCfg.MaxConcurrentScrapes <= 0 {
		return fmt.Errorf("server.max_concurrent_scrapes must be a positive integer")
	}
	if err := c.AuthCfg.Validate(); err != nil {
		return fmt.Errorf("auth configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the auth timing and cookie classes.
func (a *AuthConfig) Validate() error {
	if len(a.SessionCookies) == 0 || len(a.DeviceTrustCookies) == 0 {
		return fmt.Errorf("session_cookies and device_trust_cookies must not be empty")
	}
	if a.ManualPollInterval <= 0 || a.ManualTimeout <= 0 {
		return fmt.Errorf("manual_timeout and manual_poll_interval must be positive durations")
	}
	if a.ManualPollInterval > a.ManualTimeout {
		return fmt.Errorf("manual_poll_interval must not exceed manual_timeout")
	}
	if (a.Email == "") != (a.Password == "") && a.KeyringService == "" {
		return fmt.Errorf("email and password must be configured together")
	}
	return nil
}
