package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"iex-marketdata/internal/market"
)

const anchorDateLayout = "02-01-2006"

// pricesPerRow is 13 zones followed by the market clearing price.
const pricesPerRow = market.ZoneCount + 1

// Parser turns one rendered report page into price records for one trading day.
type Parser struct {
	market   market.Market
	location *time.Location
	logger   zerolog.Logger
}

// New constructs a Parser for m; dates are read in loc.
func New(m market.Market, loc *time.Location, logger zerolog.Logger) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{
		market:   m,
		location: loc,
		logger:   logger.With().Str("component", "parser").Str("market", m.Type().String()).Logger(),
	}
}

// Parse extracts records from raw page HTML.
func (p *Parser) Parse(html string) ([]market.PriceRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return p.ParseDocument(doc)
}

// ParseDocument extracts records from an already parsed page.
func (p *Parser) ParseDocument(doc *goquery.Document) ([]market.PriceRecord, error) {
	table, err := LocateTable(doc, p.market.Columns())
	if err != nil {
		return nil, err
	}
	return ParseTable(table, TableOptions{
		Market:   p.market.Type(),
		Resolver: p.market,
		Location: p.location,
		Logger:   p.logger,
	})
}

// TableOptions parameterise ParseTable.
type TableOptions struct {
	Market   market.Type
	Resolver market.RowResolver
	Location *time.Location
	Logger   zerolog.Logger
}

// ParseTable walks the data rows of a located report table. Rows with too few
// cells or an unreadable time cell are skipped; unreadable prices become missing values.
func ParseTable(table *goquery.Selection, opts TableOptions) ([]market.PriceRecord, error) {
	rows := table.Find("tr")
	if rows.Length() <= market.FirstDataRow {
		return []market.PriceRecord{}, nil
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	anchor, err := anchorDate(rows.Eq(market.FirstDataRow), loc)
	if err != nil {
		return nil, err
	}

	records := make([]market.PriceRecord, 0, market.PeriodsPerDay)
	var session *string
	var last time.Time

	for idx := market.FirstDataRow; idx < rows.Length(); idx++ {
		log := opts.Logger.With().Int("row", idx).Logger()
		cells := rows.Eq(idx).Find("td")
		layout := opts.Resolver.Layout(idx)

		if cells.Length() < layout.MinCells() {
			log.Warn().Int("cells", cells.Length()).Int("offset", layout.Offset).Msg("skipping malformed row")
			continue
		}

		offset, err := periodOffset(cellText(cells, layout.TimeColumn()))
		if err != nil {
			log.Warn().Err(err).Msg("skipping row with unreadable time cell")
			continue
		}
		start := anchor.Add(offset)

		if len(records) > 0 && !start.After(last) {
			log.Warn().Time("start", start).Time("previous", last).Msg("dropping out-of-order row")
			continue
		}
		if len(records) == market.PeriodsPerDay {
			log.Warn().Msg("page has more rows than settlement periods; ignoring the rest")
			break
		}

		if layout.SessionColumn >= 0 {
			if label := cellText(cells, layout.SessionColumn); label != "" {
				session = &label
			}
		}

		rec := market.PriceRecord{
			Market:                opts.Market,
			SettlementPeriodStart: start,
		}
		prices := parsePrices(cells, layout.PriceColumn())
		copy(rec.ZonePrices[:], prices[:market.ZoneCount])
		rec.MarketClearingPrice = prices[market.ZoneCount]
		if opts.Market == market.RTM && session != nil {
			id := *session
			rec.SessionID = &id
		}

		records = append(records, rec)
		last = start
	}

	return records, nil
}

func anchorDate(row *goquery.Selection, loc *time.Location) (time.Time, error) {
	cells := row.Find("td")
	if cells.Length() < 2 {
		return time.Time{}, fmt.Errorf("date row has %d cells", cells.Length())
	}
	raw := cellText(cells, 1)
	day, err := time.ParseInLocation(anchorDateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trading day %q: %w", raw, err)
	}
	return day, nil
}

// periodOffset reads the start of an "HH:MM - HH:MM" interval as time since midnight.
func periodOffset(raw string) (time.Duration, error) {
	startText, _, ok := strings.Cut(raw, "-")
	if !ok {
		return 0, fmt.Errorf("time interval %q has no separator", raw)
	}
	hourText, minuteText, ok := strings.Cut(strings.TrimSpace(startText), ":")
	if !ok {
		return 0, fmt.Errorf("time interval %q has no start time", raw)
	}
	hour, err := strconv.Atoi(hourText)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err := strconv.Atoi(minuteText)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

func parsePrices(cells *goquery.Selection, from int) [pricesPerRow]decimal.NullDecimal {
	var prices [pricesPerRow]decimal.NullDecimal
	for i := 0; i < pricesPerRow; i++ {
		col := from + i
		if col >= cells.Length() {
			break
		}
		prices[i] = parsePrice(cellText(cells, col))
	}
	return prices
}

func parsePrice(raw string) decimal.NullDecimal {
	cleaned := strings.ReplaceAll(raw, ",", "")
	if cleaned == "" {
		return decimal.NullDecimal{}
	}
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(value)
}

func cellText(cells *goquery.Selection, idx int) string {
	return strings.TrimSpace(cells.Eq(idx).Text())
}
