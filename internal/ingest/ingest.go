package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"iex-marketdata/internal/market"
	"iex-marketdata/internal/navigator"
)

// ErrStoppedEarly wraps the cause when a run ends before covering its whole range.
var ErrStoppedEarly = errors.New("ingest: stopped early")

const (
	// DefaultBatchDays is the number of trading days rendered per report window.
	DefaultBatchDays = 1
	// DefaultMaxRetries is how many times a timed-out window is re-rendered before it is skipped.
	DefaultMaxRetries = 2
)

// Session renders report windows on one browser session.
type Session interface {
	Open(ctx context.Context) error
	RenderWindow(ctx context.Context, start, end time.Time) (string, error)
	Close() error
}

// PageParser converts one rendered page into records.
type PageParser interface {
	Parse(html string) ([]market.PriceRecord, error)
}

// WindowObserver receives the outcome of every window.
type WindowObserver interface {
	ObserveWindow(m market.Type, w WindowResult, elapsed time.Duration)
}

// Options tune the download loop.
type Options struct {
	BatchDays  int
	MaxRetries int
	Location   *time.Location
	Observer   WindowObserver
}

// WindowStatus is the outcome of one window.
type WindowStatus string

const (
	WindowOK      WindowStatus = "ok"
	WindowSkipped WindowStatus = "skipped"
	WindowFailed  WindowStatus = "failed"
	WindowAborted WindowStatus = "aborted"
)

// WindowResult records what happened to one batch window.
type WindowResult struct {
	Start    time.Time
	End      time.Time
	Status   WindowStatus
	Attempts int
	Records  int
	Err      error
}

// Result is everything collected by one run, including partial runs.
type Result struct {
	Market       market.Type
	Range        market.TimeRange
	Records      []market.PriceRecord
	Windows      []WindowResult
	StoppedEarly bool
}

// Count returns the number of windows with the given status.
func (r *Result) Count(status WindowStatus) int {
	n := 0
	for _, w := range r.Windows {
		if w.Status == status {
			n++
		}
	}
	return n
}

// Complete reports whether every window rendered and parsed.
func (r *Result) Complete() bool {
	return !r.StoppedEarly && r.Count(WindowOK) == len(r.Windows)
}

// Downloader walks a time range window by window on a single session.
type Downloader struct {
	market  market.Type
	session Session
	parser  PageParser
	opts    Options
	logger  zerolog.Logger
}

// NewDownloader wires a session and parser for one market.
func NewDownloader(m market.Type, session Session, parser PageParser, opts Options, logger zerolog.Logger) *Downloader {
	if opts.BatchDays <= 0 {
		opts.BatchDays = DefaultBatchDays
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Downloader{
		market:  m,
		session: session,
		parser:  parser,
		opts:    opts,
		logger:  logger.With().Str("component", "downloader").Str("market", m.String()).Logger(),
	}
}

// Download renders and parses every window of r. The session is closed on
// every return path. On a fatal error the records gathered so far are still
// returned, together with an error wrapping ErrStoppedEarly.
func (d *Downloader) Download(ctx context.Context, r market.TimeRange) (*Result, error) {
	result := &Result{Market: d.market, Range: r, Records: make([]market.PriceRecord, 0)}

	defer func() {
		if err := d.session.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to close session")
		}
	}()

	if err := d.session.Open(ctx); err != nil {
		return d.stop(result, err)
	}

	loc := d.opts.Location
	last := market.StartOfDay(r.End, loc)
	for cursor := market.StartOfDay(r.Start, loc); !cursor.After(last); {
		if err := ctx.Err(); err != nil {
			return d.stop(result, err)
		}

		windowEnd := cursor.AddDate(0, 0, d.opts.BatchDays-1)
		if windowEnd.After(last) {
			windowEnd = last
		}

		began := time.Now()
		window, records, err := d.window(ctx, cursor, windowEnd, r)
		result.Windows = append(result.Windows, window)
		result.Records = append(result.Records, records...)
		if d.opts.Observer != nil {
			d.opts.Observer.ObserveWindow(d.market, window, time.Since(began))
		}
		if err != nil {
			return d.stop(result, err)
		}

		cursor = windowEnd.AddDate(0, 0, 1)
	}

	d.logger.Info().
		Int("records", len(result.Records)).
		Int("windows", len(result.Windows)).
		Int("skipped", result.Count(WindowSkipped)).
		Int("failed", result.Count(WindowFailed)).
		Msg("download finished")
	return result, nil
}

// window renders one batch with bounded retries on render timeouts. A
// non-nil error is fatal for the run.
func (d *Downloader) window(ctx context.Context, start, end time.Time, r market.TimeRange) (WindowResult, []market.PriceRecord, error) {
	w := WindowResult{Start: start, End: end}
	log := d.logger.With().Str("window", start.Format("2006-01-02")).Logger()

	var html string
	for w.Attempts < 1+d.opts.MaxRetries {
		w.Attempts++
		page, err := d.session.RenderWindow(ctx, start, end)
		if err == nil {
			html = page
			w.Err = nil
			break
		}

		var timeout *navigator.RenderTimeoutError
		if !errors.As(err, &timeout) {
			w.Status = WindowAborted
			w.Err = err
			return w, nil, err
		}
		w.Err = err
		log.Warn().Err(err).Int("attempt", w.Attempts).Msg("report render timed out")
	}

	if w.Err != nil {
		w.Status = WindowSkipped
		log.Error().Err(w.Err).Int("attempts", w.Attempts).Msg("skipping window after repeated timeouts")
		return w, nil, nil
	}

	parsed, err := d.parser.Parse(html)
	if err != nil {
		w.Status = WindowFailed
		w.Err = err
		log.Error().Err(err).Msg("failed to parse report page")
		return w, nil, nil
	}

	records := make([]market.PriceRecord, 0, len(parsed))
	for _, rec := range parsed {
		if r.Contains(rec.SettlementPeriodStart) {
			records = append(records, rec)
		}
	}
	w.Status = WindowOK
	w.Records = len(records)
	log.Debug().Int("parsed", len(parsed)).Int("kept", len(records)).Msg("window downloaded")
	return w, records, nil
}

func (d *Downloader) stop(result *Result, cause error) (*Result, error) {
	result.StoppedEarly = true
	d.logger.Error().Err(cause).Int("records", len(result.Records)).Msg("download stopped early")
	return result, fmt.Errorf("%w: %w", ErrStoppedEarly, cause)
}
