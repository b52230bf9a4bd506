package extract

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/browser"
	"github.com/xkilldash9x/regscrape/internal/config"
)

// StopReason says why pagination ended.
type StopReason string

const (
	StopBudget        StopReason = "budget"
	StopEmptyPage     StopReason = "empty_page"
	StopLastPage      StopReason = "last_page"
	StopStalled       StopReason = "stalled"
	StopAdvanceFailed StopReason = "advance_failed"
)

// Options configures an Extractor.
type Options struct {
	Selectors      config.SelectorConfig
	TableTimeout   time.Duration
	RowTimeout     time.Duration
	AdvanceTimeout time.Duration
	PageSettle     time.Duration
	// DetectStalls stops pagination when a page repeats the previous one.
	DetectStalls bool
	// OnPage, if set, is called after each page is read.
	OnPage func(page, records, total int)
}

// OptionsFrom builds Options from the application config.
func OptionsFrom(cfg config.Interface) Options {
	sc := cfg.Scrape()
	return Options{
		Selectors:      cfg.Portal().Selectors,
		TableTimeout:   sc.TableTimeout,
		RowTimeout:     sc.RowTimeout,
		AdvanceTimeout: sc.AdvanceTimeout,
		PageSettle:     sc.PageSettle,
		DetectStalls:   sc.DetectStalls,
	}
}

// Result is the outcome of a pagination walk.
type Result struct {
	Records      []Record
	PagesVisited int
	Stop         StopReason
	// SkippedRows counts malformed rows that were dropped.
	SkippedRows int
}

// Extractor walks the results table page by page: load, read rows, advance.
type Extractor struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Extractor {
	return &Extractor{opts: opts, logger: logger.Named("extractor")}
}

// Extract reads up to pages pages starting from the one currently open.
func (e *Extractor) Extract(ctx context.Context, page browser.Page, pages int) ([]Record, error) {
	res, err := e.Walk(ctx, page, pages)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Walk is Extract with the pagination details.
func (e *Extractor) Walk(ctx context.Context, page browser.Page, pages int) (*Result, error) {
	if pages <= 0 {
		return nil, apperr.Configuration("extract", "page budget must be a positive integer", nil)
	}
	res := &Result{Records: make([]Record, 0)}
	var prev []string

	for n := 1; ; n++ {
		e.logger.Info("Processing page.", zap.Int("page", n), zap.Int("of", pages))

		rows, err := e.loadPage(ctx, page, n)
		if err != nil {
			return nil, err
		}
		records, skipped := e.extractRows(rows, n)
		res.SkippedRows += skipped
		res.PagesVisited = n

		if len(records) == 0 {
			e.logger.Warn("No data found on page.", zap.Int("page", n))
			if n > 1 {
				res.Stop = StopEmptyPage
				break
			}
		}

		phones := phoneNumbers(records)
		if e.opts.DetectStalls && n > 1 && len(phones) > 0 && slices.Equal(phones, prev) {
			e.logger.Warn("Page repeats the previous page; stopping.", zap.Int("page", n))
			res.Stop = StopStalled
			break
		}
		prev = phones

		res.Records = append(res.Records, records...)
		e.logger.Info("Extracted page.", zap.Int("page", n), zap.Int("records", len(records)), zap.Int("total", len(res.Records)))
		if e.opts.OnPage != nil {
			e.opts.OnPage(n, len(records), len(res.Records))
		}

		if n >= pages {
			res.Stop = StopBudget
			break
		}

		reason, err := e.advance(ctx, page)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			res.Stop = reason
			break
		}
	}

	e.logger.Info("Pagination finished.",
		zap.String("reason", string(res.Stop)),
		zap.Int("pages", res.PagesVisited),
		zap.Int("records", len(res.Records)),
		zap.Int("skipped_rows", res.SkippedRows))
	return res, nil
}

// loadPage waits for the table and snapshots its rows. A table that renders
// without linked rows is an empty page, not an error.
func (e *Extractor) loadPage(ctx context.Context, page browser.Page, n int) ([]browser.Row, error) {
	sel := e.opts.Selectors
	if err := page.WaitVisible(ctx, sel.TableBody, e.opts.TableTimeout); err != nil {
		return nil, apperr.FromContext("load_page.table", err)
	}
	if err := page.WaitVisible(ctx, sel.TableBody+" "+sel.DataLink, e.opts.RowTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("No linked rows rendered.", zap.Int("page", n), zap.Duration("waited", e.opts.RowTimeout))
	}
	rows, err := page.Rows(ctx, browser.RowQuery{Body: sel.TableBody, Row: sel.TableRow, Cell: sel.TableCell})
	if err != nil {
		return nil, apperr.FromContext("load_page.rows", err)
	}
	return rows, nil
}

func (e *Extractor) extractRows(rows []browser.Row, n int) (records []Record, skipped int) {
	data := 0
	for i, row := range rows {
		if row.Links == 0 {
			continue
		}
		data++
		rec, ok := ParseRow(row)
		if !ok {
			skipped++
			e.logger.Warn("Skipping malformed row.", zap.Int("page", n), zap.Int("row", i), zap.Int("cells", len(row.Cells)))
			continue
		}
		records = append(records, rec)
	}
	e.logger.Debug("Read rows.", zap.Int("page", n), zap.Int("rows", len(rows)), zap.Int("data_rows", data))
	return records, skipped
}

// advance moves to the next page. A non-empty reason ends pagination; err is
// only set when ctx itself is done.
func (e *Extractor) advance(ctx context.Context, page browser.Page) (StopReason, error) {
	sel := e.opts.Selectors
	actx, cancel := context.WithTimeout(ctx, e.opts.AdvanceTimeout)
	defer cancel()

	disabled, err := page.IsDisabled(actx, sel.NextButton)
	if err != nil {
		return e.advanceFailed(ctx, "inspect", err)
	}
	if disabled {
		e.logger.Info("Next button is disabled; reached last page.")
		return StopLastPage, nil
	}
	if err := page.Click(actx, sel.NextButton); err != nil {
		return e.advanceFailed(ctx, "click", err)
	}
	if err := browser.Pause(ctx, e.opts.PageSettle); err != nil {
		return "", err
	}
	if err := page.WaitVisible(ctx, sel.TableBody, e.opts.AdvanceTimeout); err != nil {
		return e.advanceFailed(ctx, "refresh", err)
	}
	return "", nil
}

func (e *Extractor) advanceFailed(ctx context.Context, step string, err error) (StopReason, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	e.logger.Warn("Could not advance to the next page; stopping.", zap.String("step", step), zap.Error(err))
	return StopAdvanceFailed, nil
}

func phoneNumbers(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r[FieldPhoneNumber]
	}
	return out
}
