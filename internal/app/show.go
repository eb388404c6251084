package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"iex-marketdata/internal/market"
)

// Show prints the most recent records of one market, or the recent ingestion runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show records")
	}
	if closeStore != nil {
		defer closeStore()
	}

	loc, err := a.location()
	if err != nil {
		return err
	}

	if opts.Runs {
		return a.showRuns(ctx, store, loc, opts.Limit)
	}

	records, err := store.ListRecent(ctx, opts.Market, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(a.Out, "no %s records found\n", opts.Market.Label())
		return nil
	}
	total, err := store.Count(ctx, opts.Market)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	header := []string{"Settlement start (" + loc.String() + ")"}
	for _, z := range market.Zones {
		header = append(header, string(z))
	}
	header = append(header, "MCP")
	if opts.Market == market.RTM {
		header = append(header, "Session")
	}
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, stored := range records {
		rec := stored.Record
		row := []string{rec.SettlementPeriodStart.In(loc).Format("2006-01-02 15:04")}
		for _, price := range rec.ZonePrices {
			row = append(row, formatPrice(price))
		}
		row = append(row, formatPrice(rec.MarketClearingPrice))
		if opts.Market == market.RTM {
			session := "-"
			if rec.SessionID != nil {
				session = *rec.SessionID
			}
			row = append(row, session)
		}
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}

	writer.Flush()
	fmt.Fprintf(a.Out, "%d of %d %s records\n", len(records), total, opts.Market.Label())
	return nil
}

func (a *App) showRuns(ctx context.Context, store repository, loc *time.Location, limit int) error {
	runs, err := store.ListRecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no ingestion runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started\tMarket\tFrom\tTo\tStatus\tWindows\tSkipped\tFailed\tRecords\tInserted\tError")
	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			run.StartedAt.In(loc).Format(time.RFC3339),
			run.Market.Label(),
			run.RangeStart.In(loc).Format("2006-01-02"),
			run.RangeEnd.In(loc).Format("2006-01-02"),
			run.Status,
			run.Windows,
			run.Skipped,
			run.Failed,
			run.Records,
			run.Inserted,
			errMsg,
		)
	}
	writer.Flush()
	return nil
}

func formatPrice(price decimal.NullDecimal) string {
	if !price.Valid {
		return "-"
	}
	return price.Decimal.StringFixed(2)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
