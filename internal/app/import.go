package app

import (
	"context"
	"errors"
	"fmt"

	"iex-marketdata/internal/importer"
)

// Import loads a JSON export of flat price rows into the store.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot import")
	}
	if closeStore != nil {
		defer closeStore()
	}

	loc, err := a.location()
	if err != nil {
		return err
	}

	summary, err := importer.New(store, loc, a.Logger).ImportFile(ctx, opts.Path, opts.Market, opts.Force)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s: %d inserted, %d already stored\n", opts.Market.Label(), summary.Inserted, summary.Existing)
	return nil
}
