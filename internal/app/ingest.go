package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"iex-marketdata/internal/market"
	"iex-marketdata/internal/metrics"
	"iex-marketdata/internal/storage"
)

// Ingest downloads the requested range once for each selected market.
// With DryRun the records are kept in memory and only summarised.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, err := market.NewTimeRange(opts.From, opts.To)
	if err != nil {
		return err
	}

	var store repository
	if opts.DryRun {
		store = storage.NewMemoryStore()
		a.Logger.Info().Msg("dry run: records will not be persisted")
	} else {
		opened, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if opened == nil {
			return errors.New("database not configured; use --dry-run or set database.dsn")
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = opened
	}

	svc, err := a.newService(store, metrics.New(), a.newNotifier())
	if err != nil {
		return err
	}

	selected := opts.Markets
	if len(selected) == 0 {
		enabled, err := a.markets()
		if err != nil {
			return err
		}
		for _, m := range enabled {
			selected = append(selected, m.Type())
		}
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Market\tStatus\tWindows\tSkipped\tFailed\tRecords\tInserted\tExisting")

	var errs []error
	for _, t := range selected {
		report, err := svc.Ingest(ctx, t, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Label(), err))
		}
		if report != nil {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
				t.Label(),
				report.Status,
				report.Windows,
				len(report.SkippedDays),
				len(report.FailedDays),
				report.Records,
				report.Inserted,
				report.Existing,
			)
		}
		if ctx.Err() != nil {
			break
		}
	}
	writer.Flush()

	return errors.Join(errs...)
}
