package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iex-marketdata/internal/market"
	"iex-marketdata/internal/metrics"
	"iex-marketdata/internal/storage"
)

var ist = time.FixedZone("IST", 5*60*60+30*60)

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) GetRecords(context.Context, market.Type, market.TimeRange) ([]market.PriceRecord, error) {
	return nil, errors.New("connection refused")
}

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	day := time.Date(2022, 1, 1, 0, 0, 0, 0, ist)
	session := "1"
	var recs []market.PriceRecord
	for i := 0; i < 8; i++ {
		start := day.Add(time.Duration(i) * 15 * time.Minute)
		dam := market.PriceRecord{
			Market:                market.DAM,
			SettlementPeriodStart: start,
			MarketClearingPrice:   decimal.NewNullDecimal(decimal.NewFromInt(int64(3000 + i))),
		}
		dam.ZonePrices[0] = decimal.NewNullDecimal(decimal.NewFromInt(int64(2000 + i)))
		rtm := dam
		rtm.Market = market.RTM
		rtm.SessionID = &session
		recs = append(recs, dam, rtm)
	}
	_, err := store.UpsertMany(context.Background(), recs)
	require.NoError(t, err)
	return store
}

func get(t *testing.T, h http.Handler, path string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPricesReturnsInclusiveRange(t *testing.T) {
	h := NewHandler(seededStore(t), ist, nil, zerolog.Nop()).Router()

	rec := get(t, h, "/marketdata/dam", map[string]string{
		"start_datetime": "2022-01-01 00:15:00",
		"end_datetime":   "2022-01-01 01:00:00",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 4)
	assert.Equal(t, "2022-01-01T00:15:00+05:30", body[0]["settlement_period_start_datetime"])
	assert.Equal(t, "2022-01-01T01:00:00+05:30", body[3]["settlement_period_start_datetime"])
	assert.Equal(t, "2001", body[0]["a1_price_in_rs_per_mwh"])
	assert.Nil(t, body[0]["a2_price_in_rs_per_mwh"])
	assert.Equal(t, "3001", body[0]["mcp_price_in_rs_per_mwh"])
	assert.NotContains(t, body[0], "session_id")
}

func TestPricesRTMIncludesSession(t *testing.T) {
	h := NewHandler(seededStore(t), ist, nil, zerolog.Nop()).Router()

	rec := get(t, h, "/marketdata/rtm", map[string]string{
		"start_datetime": "2022-01-01 00:00:00",
		"end_datetime":   "2022-01-01 00:00:00",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body []market.FlatPrice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	require.NotNil(t, body[0].SessionID)
	assert.Equal(t, "1", *body[0].SessionID)
}

func TestPricesEmptyRangeIsEmptyList(t *testing.T) {
	h := NewHandler(seededStore(t), ist, nil, zerolog.Nop()).Router()

	rec := get(t, h, "/marketdata/dam", map[string]string{
		"start_datetime": "2023-01-01 00:00:00",
		"end_datetime":   "2023-01-02 00:00:00",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestPricesRejectsBadParameters(t *testing.T) {
	h := NewHandler(seededStore(t), ist, nil, zerolog.Nop()).Router()

	cases := map[string]map[string]string{
		"missing end": {"start_datetime": "2022-01-01 00:00:00"},
		"bad format":  {"start_datetime": "2022-01-01T00:00:00", "end_datetime": "2022-01-02 00:00:00"},
		"inverted":    {"start_datetime": "2022-01-02 00:00:00", "end_datetime": "2022-01-01 00:00:00"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			rec := get(t, h, "/marketdata/dam", params)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Detail)
		})
	}
}

func TestPricesStoreFailureIs500(t *testing.T) {
	h := NewHandler(failingStore{storage.NewMemoryStore()}, ist, nil, zerolog.Nop()).Router()

	rec := get(t, h, "/marketdata/rtm", map[string]string{
		"start_datetime": "2022-01-01 00:00:00",
		"end_datetime":   "2022-01-02 00:00:00",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error while fetching RTM price records")
}

func TestHealthAndMetrics(t *testing.T) {
	collector := metrics.New()
	h := NewHandler(seededStore(t), ist, collector, zerolog.Nop()).Router()

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	get(t, h, "/marketdata/dam", map[string]string{"start_datetime": "bad"})

	rec = get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `iexprices_api_requests_total{code="400",route="/marketdata/dam"} 1`)

	count, err := testutil.GatherAndCount(collector.Registry(), "iexprices_api_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per route and code")
}
