// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/cookies"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session is a single tab backed by chromedp. It implements Page.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ Page = (*Session)(nil)

func newSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("page_id", id)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.isClosed
	s.mu.Unlock()
	if closed {
		return apperr.Internal(op, errors.New("page is closed"))
	}
	if err := runWithin(ctx, s.ctx, actions...); err != nil {
		return apperr.FromContext(op, err)
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	return s.run(ctx, "navigate", chromedp.Navigate(url))
}

func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, "location", chromedp.Location(&loc))
	return loc, err
}

func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.run(ctx, "wait for "+selector, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, quote(selector))
	err := s.run(ctx, "query "+selector, chromedp.Evaluate(expr, &found))
	return found, err
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx, "fill "+selector,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, "click "+selector, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

const isDisabledJS = `(() => {
	const el = document.querySelector(%s);
	if (!el) return true;
	return el.disabled === true || el.getAttribute('aria-disabled') === 'true';
})()`

func (s *Session) IsDisabled(ctx context.Context, selector string) (bool, error) {
	var disabled bool
	err := s.run(ctx, "inspect "+selector, chromedp.Evaluate(fmt.Sprintf(isDisabledJS, quote(selector)), &disabled))
	return disabled, err
}

// rowsJS snapshots a table in one round trip. Arguments are the body, row and
// cell selectors. Empty spans stay in parts so sub-values keep their position.
const rowsJS = `(() => {
	const body = document.querySelector(%s);
	if (!body) return [];
	const text = (el) => (el && el.innerText ? el.innerText.trim() : '');
	return Array.from(body.querySelectorAll(%s)).map((row) => ({
		links: row.querySelectorAll('a').length,
		cells: Array.from(row.querySelectorAll(%s)).map((cell) => {
			const svg = cell.querySelector('svg[title], svg');
			return {
				text: text(cell),
				linkText: text(cell.querySelector('a')),
				parts: Array.from(cell.querySelectorAll('span')).map(text),
				iconTitle: svg ? (svg.getAttribute('title') || (svg.querySelector('title') ? svg.querySelector('title').textContent : '') || '').trim() : '',
			};
		}),
	}));
})()`

func (s *Session) Rows(ctx context.Context, q RowQuery) ([]Row, error) {
	var rows []Row
	expr := fmt.Sprintf(rowsJS, quote(q.Body), quote(q.Row), quote(q.Cell))
	if err := s.run(ctx, "read rows", chromedp.Evaluate(expr, &rows)); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Session) Cookies(ctx context.Context, urls ...string) ([]cookies.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, "read cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.GetCookies()
		if len(urls) > 0 {
			params = params.WithURLs(urls)
		}
		var err error
		raw, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make([]cookies.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

func (s *Session) SetCookies(ctx context.Context, set []cookies.Cookie) error {
	if len(set) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(set))
	for _, c := range set {
		params = append(params, toCookieParam(c))
	}
	return s.run(ctx, "set cookies", network.SetCookies(params))
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, "screenshot", chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

// Close closes the tab and disposes its browser context. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if s.onClose != nil {
		s.onClose()
	}
	s.logger.Debug("Page closed.")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

func fromNetworkCookie(c *network.Cookie) cookies.Cookie {
	out := cookies.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite.String(),
	}
	if c.Session || out.Expires <= 0 {
		out.Expires = cookies.SessionOnly
	}
	return out
}

func toCookieParam(c cookies.Cookie) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if p.Path == "" {
		p.Path = "/"
	}
	if exp, ok := c.ExpiresAt(); ok {
		t := cdp.TimeSinceEpoch(exp)
		p.Expires = &t
	}
	switch strings.ToLower(c.SameSite) {
	case "strict":
		p.SameSite = network.CookieSameSiteStrict
	case "lax":
		p.SameSite = network.CookieSameSiteLax
	case "none", "no_restriction":
		p.SameSite = network.CookieSameSiteNone
	}
	return p
}

// quote renders v as a JavaScript literal.
func quote(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
