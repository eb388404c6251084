package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"iex-marketdata/internal/market"
)

const (
	dateLayout = "02/01/2006"

	fromDateID     = "ctl00_InnerContent_calFromDate_txt_Date"
	toDateID       = "ctl00_InnerContent_calToDate_txt_Date"
	updateReportID = "ctl00_InnerContent_btnUpdateReport"

	// DefaultRenderTimeout bounds the wait for a regenerated report table.
	DefaultRenderTimeout = 20 * time.Second
)

// Browser is the automation surface the navigator drives. Selectors are CSS queries.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	Evaluate(ctx context.Context, script string, out any) error
	// Poll re-evaluates predicate until it is truthy; ErrWaitTimeout after timeout,
	// ErrPageReloaded when a navigation interrupted the wait.
	Poll(ctx context.Context, predicate string, timeout time.Duration) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Options configure a Navigator.
type Options struct {
	BaseURL       string
	Market        market.Market
	RenderTimeout time.Duration
}

// Navigator renders report windows for one market on a single browser session.
type Navigator struct {
	browser Browser
	market  market.Market
	url     string
	timeout time.Duration
	logger  zerolog.Logger

	opened bool
	closed bool
}

// New binds a browser session to a market's report page.
func New(browser Browser, opts Options, logger zerolog.Logger) *Navigator {
	timeout := opts.RenderTimeout
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	return &Navigator{
		browser: browser,
		market:  opts.Market,
		url:     strings.TrimRight(opts.BaseURL, "/") + opts.Market.ReportPath(),
		timeout: timeout,
		logger:  logger.With().Str("component", "navigator").Str("market", opts.Market.Type().String()).Logger(),
	}
}

// URL is the report page this navigator drives.
func (n *Navigator) URL() string {
	return n.url
}

// Open loads the report page and switches the delivery period filter to a custom range.
func (n *Navigator) Open(ctx context.Context) error {
	if n.closed {
		return fatal("open", errors.New("session closed"))
	}
	if err := n.browser.Navigate(ctx, n.url); err != nil {
		return fatal("load report page", err)
	}

	var selected bool
	if err := n.browser.Evaluate(ctx, selectRangeScript, &selected); err != nil {
		return fatal("select range option", err)
	}
	if !selected {
		return fatal("select range option", errors.New(`"-Select Range-" option not found under "Delivery Period"`))
	}

	// selecting the option posts back; the date inputs appear once it settles
	if err := n.waitFor(ctx, elementExists(fromDateID)); err != nil {
		return fatal("wait for date inputs", err)
	}

	n.opened = true
	n.logger.Debug().Str("url", n.url).Msg("report page ready")
	return nil
}

// RenderWindow regenerates the report for [start, end] and returns the page HTML.
// A slow page yields *RenderTimeoutError; anything else is a *NavigationError.
func (n *Navigator) RenderWindow(ctx context.Context, start, end time.Time) (string, error) {
	if !n.opened || n.closed {
		return "", fatal("render window", errors.New("session not open"))
	}

	var marked int
	if err := n.browser.Evaluate(ctx, markStaleScript(n.market.Columns()), &marked); err != nil {
		return "", fatal("mark stale tables", err)
	}

	if err := n.setDate(ctx, fromDateID, start); err != nil {
		return "", err
	}
	if err := n.setDate(ctx, toDateID, end); err != nil {
		return "", err
	}
	if err := n.browser.Click(ctx, byID(updateReportID)); err != nil {
		return "", fatal("click update report", err)
	}

	if err := n.waitFor(ctx, freshTableExists(n.market.Columns())); err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			return "", &RenderTimeoutError{Start: start, End: end, Timeout: n.timeout}
		}
		return "", fatal("wait for report table", err)
	}

	html, err := n.browser.HTML(ctx)
	if err != nil {
		return "", fatal("read page html", err)
	}

	n.logger.Debug().
		Str("from", start.Format(dateLayout)).
		Str("to", end.Format(dateLayout)).
		Int("stale_tables", marked).
		Int("bytes", len(html)).
		Msg("window rendered")
	return html, nil
}

// Close tears down the browser session. Safe to call more than once.
func (n *Navigator) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	if err := n.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// waitFor polls predicate for up to the render timeout, resuming on the new
// document whenever a postback replaces the page.
func (n *Navigator) waitFor(ctx context.Context, predicate string) error {
	deadline := time.Now().Add(n.timeout)
	for reloads := 0; ; reloads++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWaitTimeout
		}
		err := n.browser.Poll(ctx, predicate, remaining)
		if !errors.Is(err, ErrPageReloaded) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n.logger.Debug().Int("reloads", reloads+1).Msg("page reloaded while waiting")
	}
}

func (n *Navigator) setDate(ctx context.Context, id string, day time.Time) error {
	selector := byID(id)
	if err := n.browser.Click(ctx, selector); err != nil {
		return fatal("focus "+id, err)
	}
	if err := n.browser.SetValue(ctx, selector, day.Format(dateLayout)); err != nil {
		return fatal("set "+id, err)
	}
	return nil
}

func byID(id string) string {
	return "#" + id
}

func elementExists(id string) string {
	return fmt.Sprintf("document.getElementById(%q) !== null", id)
}

func freshTableExists(columns int) string {
	return fmt.Sprintf(`document.querySelector('table[cols="%d"]:not([data-stale])') !== null`, columns)
}

func markStaleScript(columns int) string {
	return fmt.Sprintf(`(() => {
  const tables = document.querySelectorAll('table[cols="%d"]');
  tables.forEach(t => t.setAttribute('data-stale', '1'));
  return tables.length;
})()`, columns)
}

const selectRangeScript = `(() => {
  for (const label of document.querySelectorAll('.mkt_filter_lbl')) {
    const span = label.querySelector('span');
    if (!span || span.textContent.trim() !== 'Delivery Period') continue;
    for (const option of label.querySelectorAll('option')) {
      if (option.textContent.trim() !== '-Select Range-') continue;
      const select = option.closest('select');
      option.selected = true;
      if (select) {
        select.value = option.value;
        select.dispatchEvent(new Event('change', { bubbles: true }));
      }
      return true;
    }
  }
  return false;
})()`
