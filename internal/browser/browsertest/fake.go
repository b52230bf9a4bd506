// Package browsertest provides a scriptable in-memory browser.Page for tests
// of code that drives the portal.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/cookies"
)

// Page is a fake browser.Page. Zero values are usable; fields may be set
// before the page is handed to the code under test.
type Page struct {
	mu sync.Mutex

	URL string
	// Redirects maps a navigated URL to where the page ends up.
	Redirects map[string]string
	// Visible lists selectors that WaitVisible and Exists find.
	Visible map[string]bool
	// VisibleFunc overrides Visible when set.
	VisibleFunc func(p *Page, selector string) bool
	// OnClick runs after a click is recorded. It may change URL.
	OnClick func(p *Page, selector string) error
	// Disabled lists selectors that IsDisabled reports as disabled.
	Disabled map[string]bool
	// NavigateErr, when set, is returned by every Navigate.
	NavigateErr error

	// Pages backs Rows. Clicking NextSelector moves to the next entry and
	// the control reports disabled on the last one.
	Pages        [][]browser.Row
	NextSelector string
	Index        int

	Jar            []cookies.Cookie
	ScreenshotData []byte

	Filled      map[string]string
	Clicks      []string
	Navigations []string
	CookieCalls int
	Closed      bool
}

var _ browser.Page = (*Page)(nil)

// New returns a page positioned at url.
func New(url string) *Page {
	return &Page{URL: url, Visible: map[string]bool{}, Disabled: map[string]bool{}}
}

// Browser hands out fake pages and counts them.
type Browser struct {
	mu       sync.Mutex
	NewPages []*Page
	// PageFunc builds each page. Defaults to New("about:blank").
	PageFunc func() *Page
	Err      error
	ShutDown bool
}

var _ browser.Browser = (*Browser)(nil)

func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	p := New("about:blank")
	if b.PageFunc != nil {
		p = b.PageFunc()
	}
	b.NewPages = append(b.NewPages, p)
	return p, nil
}

func (b *Browser) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.ShutDown = true
	b.mu.Unlock()
	return nil
}

// Launcher returns a browser.Launcher that always yields b and counts calls.
func (b *Browser) Launcher(calls *int) browser.Launcher {
	return func(ctx context.Context) (browser.Browser, error) {
		if calls != nil {
			*calls++
		}
		return b, nil
	}
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return apperr.FromContext("navigate", err)
	}
	p.Navigations = append(p.Navigations, url)
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	if to, ok := p.Redirects[url]; ok {
		url = to
	}
	p.URL = url
	return nil
}

func (p *Page) Location(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL, nil
}

// SetURL moves the page, e.g. from a goroutine simulating a human.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.URL = url
	p.mu.Unlock()
}

func (p *Page) visible(selector string) bool {
	if p.VisibleFunc != nil {
		return p.VisibleFunc(p, selector)
	}
	return p.Visible[selector]
}

// WaitVisible fails immediately with a timeout instead of sleeping.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.visible(selector) {
		return nil
	}
	return apperr.Timeout("wait for "+selector, context.DeadlineExceeded)
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible(selector), nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible(selector) {
		return apperr.Timeout("fill "+selector, context.DeadlineExceeded)
	}
	if p.Filled == nil {
		p.Filled = map[string]string{}
	}
	p.Filled[selector] = value
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Clicks = append(p.Clicks, selector)
	if selector == p.NextSelector && p.NextSelector != "" && p.Index < len(p.Pages)-1 {
		p.Index++
	}
	if p.OnClick != nil {
		return p.OnClick(p, selector)
	}
	return nil
}

func (p *Page) IsDisabled(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.Disabled[selector]; ok {
		return d, nil
	}
	if selector == p.NextSelector && p.NextSelector != "" {
		return p.Index >= len(p.Pages)-1, nil
	}
	return false, nil
}

// CurrentRows returns the rows of the current page. Callers inside hooks
// already hold the lock.
func (p *Page) CurrentRows() []browser.Row {
	if p.Index < len(p.Pages) {
		return p.Pages[p.Index]
	}
	return nil
}

func (p *Page) Rows(ctx context.Context, q browser.RowQuery) ([]browser.Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Row(nil), p.CurrentRows()...), nil
}

func (p *Page) Cookies(ctx context.Context, urls ...string) ([]cookies.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CookieCalls++
	return append([]cookies.Cookie(nil), p.Jar...), nil
}

// SetCookies replaces jar entries by name and appends new ones.
func (p *Page) SetCookies(ctx context.Context, set []cookies.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range set {
		replaced := false
		for i := range p.Jar {
			if p.Jar[i].Name == c.Name {
				p.Jar[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			p.Jar = append(p.Jar, c)
		}
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotData == nil {
		return nil, errors.New("no screenshot scripted")
	}
	return p.ScreenshotData, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// Row builds a data row with one link and the given cell texts. The second
// cell also carries the link text.
func Row(cells ...string) browser.Row {
	r := browser.Row{Links: 1}
	for i, text := range cells {
		c := browser.Cell{Text: text}
		if i == 1 {
			c.LinkText = text
		}
		r.Cells = append(r.Cells, c)
	}
	return r
}
