package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

const pollInterval = 250 * time.Millisecond

// ChromeOptions configure the chromedp-backed browser.
type ChromeOptions struct {
	// RemoteURL attaches to an existing DevTools endpoint instead of launching Chrome.
	RemoteURL     string
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	UserAgent     string
	WindowWidth   int
	WindowHeight  int
	Timezone      string
	ActionTimeout time.Duration
}

// ChromeBrowser implements Browser on top of chromedp.
type ChromeBrowser struct {
	ctx           context.Context
	cancelTab     context.CancelFunc
	cancelAlloc   context.CancelFunc
	actionTimeout time.Duration
	logger        zerolog.Logger
	closeOnce     sync.Once
}

// NewChromeBrowser starts (or attaches to) Chrome and opens one tab.
func NewChromeBrowser(ctx context.Context, opts ChromeOptions, logger zerolog.Logger) (*ChromeBrowser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "chrome").Logger()

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.Background(), execOptions(opts)...)
	}

	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug().Msgf(format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug().Str("source", "cdp").Msgf(format, args...)
		}),
	)

	b := &ChromeBrowser{
		ctx:           tabCtx,
		cancelTab:     cancelTab,
		cancelAlloc:   cancelAlloc,
		actionTimeout: opts.ActionTimeout,
		logger:        logger,
	}
	if b.actionTimeout <= 0 {
		b.actionTimeout = 30 * time.Second
	}

	startup := []chromedp.Action{}
	if opts.Timezone != "" {
		tz := opts.Timezone
		startup = append(startup, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetTimezoneOverride(tz).Do(ctx)
		}))
	}
	// the first Run allocates the browser and must not carry a deadline
	if err := chromedp.Run(tabCtx, startup...); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	if opts.RemoteURL != "" {
		logger.Info().Str("remote_url", opts.RemoteURL).Msg("attached to remote browser")
	} else {
		logger.Info().Bool("headless", opts.Headless).Msg("browser started")
	}
	return b, nil
}

func execOptions(opts ChromeOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	return allocOpts
}

// run executes actions on the tab, bounded by the action timeout and by ctx.
func (b *ChromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	return b.runWithTimeout(ctx, b.actionTimeout, actions...)
}

func (b *ChromeBrowser) runWithTimeout(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate implements Browser.
func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Click implements Browser.
func (b *ChromeBrowser) Click(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// SetValue implements Browser.
func (b *ChromeBrowser) SetValue(ctx context.Context, selector, value string) error {
	return b.run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

// Evaluate implements Browser.
func (b *ChromeBrowser) Evaluate(ctx context.Context, script string, out any) error {
	return b.run(ctx, chromedp.Evaluate(script, out))
}

// Poll implements Browser.
func (b *ChromeBrowser) Poll(ctx context.Context, predicate string, timeout time.Duration) error {
	var ready bool
	err := b.runWithTimeout(ctx, timeout+b.actionTimeout, chromedp.Poll(predicate, &ready,
		chromedp.WithPollingTimeout(timeout),
		chromedp.WithPollingInterval(pollInterval),
	))
	switch {
	case errors.Is(err, chromedp.ErrPollingTimeout):
		return ErrWaitTimeout
	case err != nil && ctx.Err() == nil && isReloadError(err):
		// give the new document a moment to get an execution context
		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
		return ErrPageReloaded
	}
	return err
}

// reloadErrors are the DevTools messages raised when an evaluation loses its document.
var reloadErrors = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Cannot find default execution context",
	"Inspected target navigated or closed",
}

func isReloadError(err error) bool {
	msg := err.Error()
	for _, needle := range reloadErrors {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTML implements Browser.
func (b *ChromeBrowser) HTML(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Close implements Browser.
func (b *ChromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.cancelTab()
		b.cancelAlloc()
		b.logger.Debug().Msg("browser closed")
	})
	return nil
}

var _ Browser = (*ChromeBrowser)(nil)
