package market

import (
	"fmt"
	"strings"
)

// Type identifies one of the exchange's price markets.
type Type string

const (
	// DAM is the day-ahead market.
	DAM Type = "dam"
	// RTM is the real-time market.
	RTM Type = "rtm"
)

// Types lists every supported market in ingestion order.
var Types = []Type{DAM, RTM}

// ParseType converts user input such as "DAM" or "rtm" into a Type.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case DAM:
		return DAM, nil
	case RTM:
		return RTM, nil
	default:
		return "", fmt.Errorf("unknown market type %q", raw)
	}
}

func (t Type) String() string {
	return string(t)
}

// Label is the upper-case form used in reports and logs.
func (t Type) Label() string {
	return strings.ToUpper(string(t))
}

// RowLayout describes where the cells of one report row live.
type RowLayout struct {
	// Offset is the number of leading label columns before the time cell.
	Offset int
	// SessionColumn holds the RTM session label, or -1 when the row has none.
	SessionColumn int
}

// TimeColumn is the index of the "HH:MM - HH:MM" cell.
func (l RowLayout) TimeColumn() int {
	return 1 + l.Offset
}

// PriceColumn is the index of the first price cell.
func (l RowLayout) PriceColumn() int {
	return 2 + l.Offset
}

// MinCells is the smallest cell count a row with this layout may have.
func (l RowLayout) MinCells() int {
	return l.TimeColumn() + 1
}

// RowResolver maps a zero-based table row index to its column layout.
type RowResolver interface {
	Layout(row int) RowLayout
}

// Market bundles everything that differs between the exchange's report pages.
type Market interface {
	RowResolver
	Type() Type
	// Columns is the value of the report table's cols attribute.
	Columns() int
	// ReportPath is the report page path relative to the exchange base URL.
	ReportPath() string
}

const (
	// FirstDataRow is the row index holding the first settlement period and the trading-day date.
	FirstDataRow = 2
	// PeriodsPerHour is the number of settlement periods in one hour.
	PeriodsPerHour = 4
	// PeriodsPerDay is the number of settlement periods in one trading day.
	PeriodsPerDay = 96
)

func isHourMark(row int) bool {
	return (row-FirstDataRow)%PeriodsPerHour == 0
}

// DayAhead is the DAM report layout.
type DayAhead struct {
	Path string
}

// Type implements Market.
func (DayAhead) Type() Type { return DAM }

// Columns implements Market.
func (DayAhead) Columns() int { return 18 }

// ReportPath implements Market.
func (d DayAhead) ReportPath() string {
	if d.Path != "" {
		return d.Path
	}
	return "/marketdata/areaprice.aspx"
}

// Layout implements RowResolver. The date row carries a date and hour label,
// hour-mark rows carry the hour label only.
func (DayAhead) Layout(row int) RowLayout {
	layout := RowLayout{SessionColumn: -1}
	switch {
	case row == FirstDataRow:
		layout.Offset = 2
	case isHourMark(row):
		layout.Offset = 1
	}
	return layout
}

// RealTime is the RTM report layout.
type RealTime struct {
	Path string
}

// Type implements Market.
func (RealTime) Type() Type { return RTM }

// Columns implements Market.
func (RealTime) Columns() int { return 19 }

// ReportPath implements Market.
func (r RealTime) ReportPath() string {
	if r.Path != "" {
		return r.Path
	}
	return "/marketdata/rtm_areaprice.aspx"
}

// Layout implements RowResolver. Half-hour session labels span two rows, so
// every other row carries one extra column right before the time cell.
func (RealTime) Layout(row int) RowLayout {
	var offset int
	switch {
	case row == FirstDataRow:
		offset = 3
	case isHourMark(row):
		offset = 2
	default:
		offset = (row - 1) % 2
	}
	layout := RowLayout{Offset: offset, SessionColumn: -1}
	if offset > 0 {
		layout.SessionColumn = offset
	}
	return layout
}

// Lookup returns the Market implementation for t with default report paths.
func Lookup(t Type) (Market, error) {
	switch t {
	case DAM:
		return DayAhead{}, nil
	case RTM:
		return RealTime{}, nil
	default:
		return nil, fmt.Errorf("unknown market type %q", t)
	}
}

var (
	_ Market = DayAhead{}
	_ Market = RealTime{}
)
