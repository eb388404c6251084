package navigator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iex-marketdata/internal/market"
)

type fakeBrowser struct {
	calls      []string
	values     map[string]string
	rangeFound bool
	pollErr    func(predicate string) error
	clickErr   error
	html       string
	closed     int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		values:     map[string]string{},
		rangeFound: true,
		html:       `<html><table cols="18"></table></html>`,
	}
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.calls = append(f.calls, "navigate "+url)
	return nil
}

func (f *fakeBrowser) Click(_ context.Context, selector string) error {
	f.calls = append(f.calls, "click "+selector)
	return f.clickErr
}

func (f *fakeBrowser) SetValue(_ context.Context, selector, value string) error {
	f.calls = append(f.calls, "set "+selector)
	f.values[selector] = value
	return nil
}

func (f *fakeBrowser) Evaluate(_ context.Context, script string, out any) error {
	switch v := out.(type) {
	case *bool:
		f.calls = append(f.calls, "select range")
		*v = f.rangeFound
	case *int:
		f.calls = append(f.calls, "mark stale")
		*v = 1
	}
	return nil
}

func (f *fakeBrowser) Poll(_ context.Context, predicate string, _ time.Duration) error {
	f.calls = append(f.calls, "poll")
	if f.pollErr != nil {
		return f.pollErr(predicate)
	}
	return nil
}

func (f *fakeBrowser) HTML(context.Context) (string, error) {
	f.calls = append(f.calls, "html")
	return f.html, nil
}

func (f *fakeBrowser) Close() error {
	f.closed++
	return nil
}

func newTestNavigator(b Browser) *Navigator {
	return New(b, Options{
		BaseURL:       "https://www.iexindia.com/",
		Market:        market.DayAhead{},
		RenderTimeout: time.Second,
	}, zerolog.Nop())
}

func TestRenderWindowSetsDatesAndReturnsHTML(t *testing.T) {
	browser := newFakeBrowser()
	nav := newTestNavigator(browser)
	require.Equal(t, "https://www.iexindia.com/marketdata/areaprice.aspx", nav.URL())

	ctx := context.Background()
	require.NoError(t, nav.Open(ctx))

	start := time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)
	html, err := nav.RenderWindow(ctx, start, start)
	require.NoError(t, err)
	assert.Equal(t, browser.html, html)

	assert.Equal(t, "05/01/2022", browser.values["#"+fromDateID])
	assert.Equal(t, "05/01/2022", browser.values["#"+toDateID])
	assert.Equal(t, []string{
		"navigate https://www.iexindia.com/marketdata/areaprice.aspx",
		"select range",
		"poll",
		"mark stale",
		"click #" + fromDateID,
		"set #" + fromDateID,
		"click #" + toDateID,
		"set #" + toDateID,
		"click #" + updateReportID,
		"poll",
		"html",
	}, browser.calls)
}

func TestRenderWindowTimeoutIsRecoverable(t *testing.T) {
	browser := newFakeBrowser()
	nav := newTestNavigator(browser)
	require.NoError(t, nav.Open(context.Background()))

	browser.pollErr = func(predicate string) error {
		if strings.Contains(predicate, "table[cols") {
			return ErrWaitTimeout
		}
		return nil
	}

	day := time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)
	_, err := nav.RenderWindow(context.Background(), day, day)
	var timeout *RenderTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, time.Second, timeout.Timeout)

	browser.pollErr = nil
	_, err = nav.RenderWindow(context.Background(), day, day)
	require.NoError(t, err)
}

func TestRenderWindowSurvivesPostback(t *testing.T) {
	browser := newFakeBrowser()
	nav := newTestNavigator(browser)
	require.NoError(t, nav.Open(context.Background()))

	reloads := 2
	browser.pollErr = func(string) error {
		if reloads > 0 {
			reloads--
			return ErrPageReloaded
		}
		return nil
	}

	day := time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)
	html, err := nav.RenderWindow(context.Background(), day, day)
	require.NoError(t, err)
	assert.Equal(t, browser.html, html)
	assert.Equal(t, []string{"poll", "poll", "poll", "html"}, browser.calls[len(browser.calls)-4:])
}

func TestRenderWindowReloadLoopEndsInTimeout(t *testing.T) {
	browser := newFakeBrowser()
	nav := New(browser, Options{
		BaseURL:       "https://www.iexindia.com",
		Market:        market.RealTime{},
		RenderTimeout: 30 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, nav.Open(context.Background()))

	browser.pollErr = func(string) error {
		time.Sleep(5 * time.Millisecond)
		return ErrPageReloaded
	}

	day := time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)
	_, err := nav.RenderWindow(context.Background(), day, day)
	var timeout *RenderTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
}

func TestOpenSurvivesPostback(t *testing.T) {
	browser := newFakeBrowser()
	reloaded := false
	browser.pollErr = func(predicate string) error {
		if !reloaded && strings.Contains(predicate, fromDateID) {
			reloaded = true
			return ErrPageReloaded
		}
		return nil
	}
	nav := newTestNavigator(browser)
	require.NoError(t, nav.Open(context.Background()))
	assert.True(t, reloaded)
}

func TestIsReloadError(t *testing.T) {
	assert.True(t, isReloadError(errors.New("exception \"Uncaught\" (0:0): Execution context was destroyed.")))
	assert.True(t, isReloadError(errors.New("Cannot find context with specified id (-32000)")))
	assert.False(t, isReloadError(errors.New("node not found")))
}

func TestRenderWindowFatalErrors(t *testing.T) {
	browser := newFakeBrowser()
	nav := newTestNavigator(browser)
	require.NoError(t, nav.Open(context.Background()))

	browser.clickErr = errors.New("node not found")
	day := time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)
	_, err := nav.RenderWindow(context.Background(), day, day)

	var navErr *NavigationError
	require.True(t, errors.As(err, &navErr))
	assert.ErrorContains(t, err, "node not found")
}

func TestOpenFailsWithoutRangeOption(t *testing.T) {
	browser := newFakeBrowser()
	browser.rangeFound = false
	nav := newTestNavigator(browser)

	err := nav.Open(context.Background())
	var navErr *NavigationError
	require.True(t, errors.As(err, &navErr))
	assert.Equal(t, "select range option", navErr.Op)

	_, err = nav.RenderWindow(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	browser := newFakeBrowser()
	nav := newTestNavigator(browser)

	require.NoError(t, nav.Close())
	require.NoError(t, nav.Close())
	assert.Equal(t, 1, browser.closed)

	require.Error(t, nav.Open(context.Background()))
}

func TestScripts(t *testing.T) {
	assert.Equal(t, `document.querySelector('table[cols="19"]:not([data-stale])') !== null`, freshTableExists(19))
	assert.Contains(t, markStaleScript(18), `table[cols="18"]`)
	assert.Equal(t, `document.getElementById("x") !== null`, elementExists("x"))
}
