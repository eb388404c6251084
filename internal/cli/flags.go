package cli

import (
	"fmt"
	"strings"
	"time"

	"iex-marketdata/internal/market"
)

const dateLayout = "2006-01-02"

// parseBound accepts a calendar date in the exchange's timezone or an RFC3339
// timestamp. A bare date used as an upper bound covers the whole day.
func parseBound(raw string, loc *time.Location, upper bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if day, err := time.ParseInLocation(dateLayout, raw, loc); err == nil {
		if upper {
			return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return day, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected %s or RFC3339, got %q", dateLayout, raw)
	}
	return t.In(loc), nil
}

// parseMarkets parses a comma separated market list; empty means all enabled markets.
func parseMarkets(raw string) ([]market.Type, error) {
	var out []market.Type
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := market.ParseType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseMarket(raw string) (market.Type, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("--market is required (dam or rtm)")
	}
	return market.ParseType(strings.TrimSpace(raw))
}
