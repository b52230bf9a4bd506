package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/config"
)

// Persona is the browser profile a page presents to the portal.
type Persona struct {
	UserAgent string
	Languages []string
	Timezone  string
	Locale    string
}

// PersonaFrom reads the persona out of the browser config.
func PersonaFrom(cfg config.BrowserConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
}

// evasionsScript runs before any page script. The identity provider's bot
// checks look at navigator.webdriver and an empty plugin list.
const evasionsScript = `(() => {
  Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined });
  const langs = %s;
  if (langs.length) {
    Object.defineProperty(Navigator.prototype, 'languages', { get: () => langs.slice() });
  }
  if (navigator.plugins.length === 0) {
    Object.defineProperty(Navigator.prototype, 'plugins', { get: () => [1, 2, 3] });
  }
  window.chrome = window.chrome || { runtime: {} };
})();`

func stealthScript(p Persona) string {
	langs := p.Languages
	if langs == nil {
		langs = []string{}
	}
	return fmt.Sprintf(evasionsScript, quote(langs))
}

// acceptLanguage builds the header value for languages, weighting every
// language after the first.
func acceptLanguage(languages []string) string {
	parts := make([]string, 0, len(languages))
	for i, l := range languages {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}

// applyPersona returns the actions that install p on a fresh tab.
func applyPersona(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("user_agent", p.UserAgent),
		zap.Strings("languages", p.Languages),
		zap.String("timezone", p.Timezone),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript(p)).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if len(p.Languages) > 0 {
			ua = ua.WithAcceptLanguage(acceptLanguage(p.Languages))
		}
		tasks = append(tasks, ua)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": acceptLanguage(p.Languages),
		}))
	}
	return tasks
}
