package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"iex-marketdata/internal/market"
	"iex-marketdata/internal/storage"
)

// MismatchError reports a file whose name suggests the other market.
type MismatchError struct {
	Path   string
	Market market.Type
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s looks like %s price data, refusing to import it as %s", e.Path, other(e.Market).Label(), e.Market.Label())
}

func other(t market.Type) market.Type {
	if t == market.DAM {
		return market.RTM
	}
	return market.DAM
}

// CheckPath refuses a file name that names the other market, e.g. rtm_prices.json imported as DAM.
func CheckPath(path string, t market.Type) error {
	lower := strings.ToLower(filepath.Base(path))
	if strings.Contains(lower, string(other(t))) {
		return &MismatchError{Path: path, Market: t}
	}
	return nil
}

// Decode reads a JSON array of flat price rows. Files holding the array as a
// JSON-encoded string are accepted as well.
func Decode(r io.Reader, t market.Type, loc *time.Location) ([]market.PriceRecord, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read price data: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode wrapped price data: %w", err)
		}
		raw = []byte(inner)
	}

	var rows []market.FlatPrice
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode price data: %w", err)
	}

	records := make([]market.PriceRecord, 0, len(rows))
	for i, row := range rows {
		if row.SettlementPeriodStart.IsZero() {
			return nil, fmt.Errorf("row %d: missing settlement_period_start_datetime", i)
		}
		records = append(records, row.Record(t, loc))
	}
	return records, nil
}

// Importer loads exported price files into the store.
type Importer struct {
	store    storage.PriceStore
	location *time.Location
	logger   zerolog.Logger
}

// New constructs an Importer.
func New(store storage.PriceStore, loc *time.Location, logger zerolog.Logger) *Importer {
	if loc == nil {
		loc = time.UTC
	}
	return &Importer{
		store:    store,
		location: loc,
		logger:   logger.With().Str("component", "importer").Logger(),
	}
}

// ImportFile stores every row of path as market t. Rows whose settlement
// period is already stored are left untouched. force skips the path check.
func (i *Importer) ImportFile(ctx context.Context, path string, t market.Type, force bool) (storage.UpsertSummary, error) {
	if !force {
		if err := CheckPath(path, t); err != nil {
			return storage.UpsertSummary{}, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return storage.UpsertSummary{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	records, err := Decode(f, t, i.location)
	if err != nil {
		return storage.UpsertSummary{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(records) == 0 {
		i.logger.Warn().Str("path", path).Msg("no rows to import")
		return storage.UpsertSummary{}, nil
	}

	summary, err := i.store.UpsertMany(ctx, records)
	if err != nil {
		return storage.UpsertSummary{}, fmt.Errorf("store imported records: %w", err)
	}

	i.logger.Info().
		Str("path", path).
		Str("market", t.String()).
		Int("rows", len(records)).
		Int("inserted", summary.Inserted).
		Int("existing", summary.Existing).
		Msg("price data imported")
	return summary, nil
}
