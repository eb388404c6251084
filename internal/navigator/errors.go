package navigator

import (
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by Browser.Poll when the predicate stays false for the whole timeout.
var ErrWaitTimeout = errors.New("navigator: wait timed out")

// ErrPageReloaded is returned by Browser.Poll when the document was replaced
// mid-wait, as an ASP.NET postback does. The wait can be resumed on the new page.
var ErrPageReloaded = errors.New("navigator: page reloaded during wait")

// RenderTimeoutError means one window's table did not appear in time.
// The session stays usable for the next window.
type RenderTimeoutError struct {
	Start   time.Time
	End     time.Time
	Timeout time.Duration
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("report for %s..%s did not render within %s",
		e.Start.Format(dateLayout), e.End.Format(dateLayout), e.Timeout)
}

// NavigationError is a session-level failure; the run must stop and release the browser.
type NavigationError struct {
	Op  string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigator %s: %v", e.Op, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) error {
	return &NavigationError{Op: op, Err: err}
}
