package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"iex-marketdata/internal/config"
	"iex-marketdata/internal/market"
	"iex-marketdata/internal/storage"
)

var ist = time.FixedZone("IST", 5*60*60+30*60)

func testConfig() *config.Config {
	return &config.Config{
		Market: config.MarketConfig{
			BaseURL:  "https://example.test",
			Timezone: "Asia/Kolkata",
			Enabled:  []string{"dam", "RTM"},
			RTMPath:  "/custom/rtm.aspx",
		},
		Export: config.ExportConfig{MaxDataPoints: 1000},
	}
}

func newTestApp(t *testing.T, store *storage.MemoryStore) (*App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	a := NewApp(testConfig(), zerolog.Nop())
	a.Out = out
	a.openRepo = func(context.Context) (repository, func(), error) {
		return store, func() {}, nil
	}
	return a, out
}

func seed(t *testing.T, store *storage.MemoryStore, m market.Type, n int) time.Time {
	t.Helper()
	day := time.Date(2022, 1, 1, 0, 0, 0, 0, ist)
	session := "3"
	recs := make([]market.PriceRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := market.PriceRecord{
			Market:                m,
			SettlementPeriodStart: day.Add(time.Duration(i) * 15 * time.Minute),
			MarketClearingPrice:   decimal.NewNullDecimal(decimal.NewFromInt(int64(3000 + i))),
		}
		for z := range rec.ZonePrices {
			rec.ZonePrices[z] = decimal.NewNullDecimal(decimal.NewFromInt(int64(2000 + z*10 + i)))
		}
		rec.ZonePrices[4] = decimal.NullDecimal{}
		if m == market.RTM {
			rec.SessionID = &session
		}
		recs = append(recs, rec)
	}
	_, err := store.UpsertMany(context.Background(), recs)
	require.NoError(t, err)
	return day
}

func TestMarketsUseConfiguredPaths(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	markets, err := a.markets()
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, market.DAM, markets[0].Type())
	assert.Equal(t, "/marketdata/areaprice.aspx", markets[0].ReportPath())
	assert.Equal(t, "/custom/rtm.aspx", markets[1].ReportPath())

	a.Config.Market.Enabled = []string{"idm"}
	_, err = a.markets()
	require.Error(t, err)
}

func TestShowRecentRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, market.RTM, 5)
	a, out := newTestApp(t, store)

	require.NoError(t, a.Show(context.Background(), ShowOptions{Market: market.RTM, Limit: 2}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Session")
	assert.Contains(t, lines[1], "2022-01-01 01:00")
	assert.Contains(t, lines[1], "3004.00")
	assert.Contains(t, lines[1], " - ")
	assert.Equal(t, "2 of 5 RTM records", lines[3])
}

func TestShowRuns(t *testing.T) {
	store := storage.NewMemoryStore()
	msg := "stopped early:\nbrowser gone"
	require.NoError(t, store.InsertRun(context.Background(), storage.IngestRun{
		Market:     market.DAM,
		RangeStart: time.Date(2022, 1, 1, 0, 0, 0, 0, ist),
		RangeEnd:   time.Date(2022, 1, 2, 0, 0, 0, 0, ist),
		StartedAt:  time.Date(2022, 1, 2, 1, 0, 0, 0, ist),
		Status:     storage.RunPartial,
		Error:      &msg,
	}))
	a, out := newTestApp(t, store)

	require.NoError(t, a.Show(context.Background(), ShowOptions{Runs: true, Limit: 5}))
	assert.Contains(t, out.String(), "partial")
	assert.Contains(t, out.String(), "stopped early: browser gone")
}

func TestExportCSVAndXLSX(t *testing.T) {
	store := storage.NewMemoryStore()
	day := seed(t, store, market.DAM, 8)
	a, _ := newTestApp(t, store)

	dir := t.TempDir()
	from, to := day, day.Add(time.Hour)
	opts := ExportOptions{
		Market:   market.DAM,
		From:     &from,
		To:       &to,
		CSVPath:  filepath.Join(dir, "out", "dam.csv"),
		XLSXPath: filepath.Join(dir, "dam.xlsx"),
		PNGPath:  filepath.Join(dir, "dam.png"),
	}
	require.NoError(t, a.Export(context.Background(), opts))

	file, err := os.Open(opts.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6, "header plus five periods in the inclusive hour")
	assert.Equal(t, "settlement_period_start", rows[0][0])
	assert.Equal(t, "mcp", rows[0][14])
	assert.Equal(t, "2022-01-01T00:00:00+05:30", rows[1][0])
	assert.Equal(t, "", rows[1][5], "missing zone price stays empty")
	assert.Equal(t, "3000", rows[1][14])

	book, err := excelize.OpenFile(opts.XLSXPath)
	require.NoError(t, err)
	defer book.Close()
	sheetRows, err := book.GetRows("DAM")
	require.NoError(t, err)
	require.Len(t, sheetRows, 6)
	assert.Equal(t, "2022-01-01 00:15", sheetRows[2][0])

	info, err := os.Stat(opts.PNGPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := newTestApp(t, storage.NewMemoryStore())
	require.Error(t, a.Export(context.Background(), ExportOptions{Market: market.DAM}))
}

func TestDownsampleRecords(t *testing.T) {
	records := make([]market.PriceRecord, 10)
	for i := range records {
		records[i].SettlementPeriodStart = time.Unix(int64(i), 0)
	}
	out := downsampleRecords(records, 4)
	require.Len(t, out, 4)
	assert.Equal(t, int64(0), out[0].SettlementPeriodStart.Unix())
	assert.Equal(t, int64(9), out[3].SettlementPeriodStart.Unix())
	assert.Len(t, downsampleRecords(records, 20), 10)
}

func TestImportThroughApp(t *testing.T) {
	store := storage.NewMemoryStore()
	a, out := newTestApp(t, store)

	path := filepath.Join(t.TempDir(), "dam_export.json")
	body := `[{"settlement_period_start_datetime":"2022-01-01T00:00:00+05:30","mcp_price_in_rs_per_mwh":2999.5}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.NoError(t, a.Import(context.Background(), ImportOptions{Path: path, Market: market.DAM}))
	assert.Equal(t, "DAM: 1 inserted, 0 already stored\n", out.String())
}

func TestSimulateAlert(t *testing.T) {
	var text string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		text, _ = payload["text"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Alerting = config.AlertingConfig{
		Enabled: true,
		Telegram: config.TelegramConfig{
			Enabled:  true,
			BotToken: "token",
			ChatID:   "42",
			APIBase:  server.URL,
			Timeout:  time.Second,
		},
	}
	a := NewApp(cfg, zerolog.Nop())

	require.NoError(t, a.SimulateAlert(context.Background(), market.RTM))
	assert.Contains(t, text, "RTM")
	assert.Contains(t, text, "simulated notification")

	cfg.Alerting.Enabled = false
	require.Error(t, a.SimulateAlert(context.Background(), market.RTM))
}
