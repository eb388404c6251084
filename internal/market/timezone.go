package market

import (
	"fmt"
	"time"
)

// DefaultTimezone is the exchange's local calendar.
const DefaultTimezone = "Asia/Kolkata"

// fixed +05:30, used when the tz database is unavailable on the host.
var istFallback = time.FixedZone("IST", 5*60*60+30*60)

// Location loads the named timezone, falling back to IST for the default zone.
func Location(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if name == DefaultTimezone {
			return istFallback, nil
		}
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// TimeRange is a closed interval [Start, End].
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange validates start <= end.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if end.Before(start) {
		return TimeRange{}, fmt.Errorf("range start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeRange{Start: start, End: end}, nil
}

// Contains reports whether t falls inside the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// StartOfDay truncates t to midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Days returns every trading day touched by the range, in order.
func (r TimeRange) Days(loc *time.Location) []time.Time {
	var days []time.Time
	last := StartOfDay(r.End, loc)
	for day := StartOfDay(r.Start, loc); !day.After(last); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days
}
