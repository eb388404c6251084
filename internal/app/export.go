package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"iex-marketdata/internal/market"
)

const periodLength = 24 * time.Hour / market.PeriodsPerDay

// Export renders stored prices as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	loc, err := a.location()
	if err != nil {
		return err
	}

	to := time.Now().In(loc)
	if opts.To != nil {
		to = opts.To.In(loc)
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * periodLength)
	if opts.From != nil {
		from = opts.From.In(loc)
	}
	window, err := market.NewTimeRange(from, to)
	if err != nil {
		return err
	}

	records, err := store.GetRecords(ctx, opts.Market, window)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("market", opts.Market.String()).Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled, loc); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, opts.Market, downsampled); err != nil {
			return err
		}
	}
	if opts.XLSXPath != "" {
		if err := writeRecordsXLSX(opts.XLSXPath, opts.Market, downsampled, loc); err != nil {
			return err
		}
	}
	return nil
}

func downsampleRecords(records []market.PriceRecord, max int) []market.PriceRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[:1]
	}

	result := make([]market.PriceRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func exportHeader() []string {
	header := []string{"settlement_period_start"}
	for _, z := range market.Zones {
		header = append(header, string(z))
	}
	return append(header, "mcp", "session_id")
}

func exportRow(rec market.PriceRecord, loc *time.Location) []string {
	row := []string{rec.SettlementPeriodStart.In(loc).Format(time.RFC3339)}
	for _, price := range rec.ZonePrices {
		row = append(row, priceCell(price.Valid, price.Decimal.String()))
	}
	row = append(row, priceCell(rec.MarketClearingPrice.Valid, rec.MarketClearingPrice.Decimal.String()))
	session := ""
	if rec.SessionID != nil {
		session = *rec.SessionID
	}
	return append(row, session)
}

func priceCell(valid bool, value string) string {
	if !valid {
		return ""
	}
	return value
}

func writeRecordsCSV(path string, records []market.PriceRecord, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(exportHeader()); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write(exportRow(rec, loc)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// writeRecordsXLSX stores prices as numbers so the sheet can be charted directly.
func writeRecordsXLSX(path string, t market.Type, records []market.PriceRecord, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := t.Label()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := exportHeader()
	headerRow := make([]interface{}, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, rec := range records {
		row := make([]interface{}, 0, len(header))
		row = append(row, rec.SettlementPeriodStart.In(loc).Format("2006-01-02 15:04"))
		for _, price := range rec.ZonePrices {
			row = append(row, xlsxPrice(price.Valid, price.Decimal.InexactFloat64()))
		}
		row = append(row, xlsxPrice(rec.MarketClearingPrice.Valid, rec.MarketClearingPrice.Decimal.InexactFloat64()))
		if rec.SessionID != nil {
			row = append(row, *rec.SessionID)
		} else {
			row = append(row, nil)
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func xlsxPrice(valid bool, value float64) interface{} {
	if !valid {
		return nil
	}
	return value
}

// writeRecordsPNG plots the clearing price against the spread between the
// cheapest and dearest zone.
func writeRecordsPNG(path string, t market.Type, records []market.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		mcpX, spreadX []time.Time
		mcp, spread   []float64
	)
	for _, rec := range records {
		if rec.MarketClearingPrice.Valid {
			mcpX = append(mcpX, rec.SettlementPeriodStart)
			mcp = append(mcp, rec.MarketClearingPrice.Decimal.InexactFloat64())
		}
		if lo, hi, ok := zoneBounds(rec); ok {
			spreadX = append(spreadX, rec.SettlementPeriodStart)
			spread = append(spread, hi-lo)
		}
	}
	if len(mcp) < 2 {
		return fmt.Errorf("need at least two clearing prices to plot, have %d", len(mcp))
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    t.Label() + " MCP",
			XValues: mcpX,
			YValues: mcp,
		},
	}
	if len(spread) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Zone spread",
			XValues: spreadX,
			YValues: spread,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "MCP (Rs/MWh)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Spread (Rs/MWh)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func zoneBounds(rec market.PriceRecord) (float64, float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	found := false
	for _, price := range rec.ZonePrices {
		if !price.Valid {
			continue
		}
		v := price.Decimal.InexactFloat64()
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		found = true
	}
	return lo, hi, found
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
