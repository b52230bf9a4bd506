package browser

import (
	"context"
	"time"

	"github.com/xkilldash9x/regscrape/internal/cookies"
)

// Page is the page automation capability the login flows and the extractor
// drive. The chromedp backed Session implements it; tests supply fakes.
type Page interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Location returns the current top-level URL.
	Location(ctx context.Context) (string, error)
	// WaitVisible blocks until selector matches a visible element or timeout
	// elapses. A timeout surfaces as an apperr timeout.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// Exists reports whether selector currently matches any element.
	Exists(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// IsDisabled reports whether the first match is disabled. A selector that
	// matches nothing counts as disabled.
	IsDisabled(ctx context.Context, selector string) (bool, error)
	// Rows snapshots the rows of a table in document order.
	Rows(ctx context.Context, q RowQuery) ([]Row, error)
	// Cookies returns the cookies visible to urls, or to the current page when
	// none are given.
	Cookies(ctx context.Context, urls ...string) ([]cookies.Cookie, error)
	SetCookies(ctx context.Context, set []cookies.Cookie) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Browser is a running browser process. Each page it opens owns its own
// cookie jar.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Shutdown(ctx context.Context) error
}

// Launcher starts a browser process.
type Launcher func(ctx context.Context) (Browser, error)

// RowQuery selects the rows and cells of a results table.
type RowQuery struct {
	Body string
	Row  string
	Cell string
}

// Row is a snapshot of one table row.
type Row struct {
	// Links is the number of anchors anywhere in the row.
	Links int    `json:"links"`
	Cells []Cell `json:"cells"`
}

// Cell is a snapshot of one table cell.
type Cell struct {
	Text string `json:"text"`
	// LinkText is the text of the first anchor in the cell.
	LinkText string `json:"linkText"`
	// Parts holds the text of each span, in order.
	Parts []string `json:"parts"`
	// IconTitle is the title attribute of the first svg in the cell.
	IconTitle string `json:"iconTitle"`
}

// Pause waits for d or until ctx is done.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
