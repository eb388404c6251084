package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"iex-marketdata/internal/config"
	"iex-marketdata/internal/market"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "iex",
				"POSTGRES_PASSWORD": "iex",
				"POSTGRES_DB":       "iex",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{
		DSN:             fmt.Sprintf("postgres://iex:iex@%s:%s/iex?sslmode=disable", host, port.Port()),
		MaxOpenConns:    8,
		ConnectAttempts: 5,
		ConnectBackoff:  time.Second,
	})
	require.NoError(t, err)

	store := NewStore(pool)
	t.Cleanup(store.Close)

	applied, err := store.Migrate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_prices.sql", "002_ingest_runs.sql"}, applied)

	// schema statements are idempotent
	_, err = store.Migrate(ctx, "")
	require.NoError(t, err)
	return store
}

func TestPostgresStore(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	first := sampleStart()
	second := first.Add(15 * time.Minute)

	t.Run("upsert is idempotent", func(t *testing.T) {
		stored, inserted, err := store.Upsert(ctx, sampleRecord(market.DAM, first, 3000))
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.False(t, stored.Record.ZonePrices[4].Valid)

		again, inserted, err := store.Upsert(ctx, sampleRecord(market.DAM, first, 4000))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, stored.ID, again.ID)
		assert.Equal(t, "3000", again.Record.MarketClearingPrice.Decimal.String())

		count, err := store.Count(ctx, market.DAM)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("inclusive range query", func(t *testing.T) {
		_, _, err := store.Upsert(ctx, sampleRecord(market.DAM, second, 3100))
		require.NoError(t, err)

		got, err := store.GetRecords(ctx, market.DAM, market.TimeRange{Start: first, End: first})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].SettlementPeriodStart.Equal(first))
		assert.Equal(t, market.DAM, got[0].Market)

		got, err = store.GetRecords(ctx, market.DAM, market.TimeRange{Start: first, End: second})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("batch upsert keeps per-record dedup", func(t *testing.T) {
		session := "3"
		recs := []market.PriceRecord{
			sampleRecord(market.RTM, first, 10),
			sampleRecord(market.RTM, second, 11),
			sampleRecord(market.RTM, second, 12),
		}
		recs[0].SessionID = &session

		summary, err := store.UpsertMany(ctx, recs)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Inserted)
		assert.Equal(t, 1, summary.Existing)
		require.NotNil(t, summary.Stored[0].Record.SessionID)
		assert.Equal(t, "3", *summary.Stored[0].Record.SessionID)
		assert.Equal(t, summary.Stored[1].ID, summary.Stored[2].ID)

		recent, err := store.ListRecent(ctx, market.RTM, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.True(t, recent[0].Record.SettlementPeriodStart.Equal(second))
	})

	t.Run("concurrent upserts store one row", func(t *testing.T) {
		start := first.Add(2 * time.Hour)
		var wg sync.WaitGroup
		ids := make([]int64, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				stored, _, err := store.Upsert(ctx, sampleRecord(market.RTM, start, int64(i)))
				assert.NoError(t, err)
				ids[i] = stored.ID
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("ingest runs", func(t *testing.T) {
		msg := "render timeout"
		run := IngestRun{
			ID:         uuid.New(),
			Market:     market.DAM,
			RangeStart: first,
			RangeEnd:   second,
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			Status:     RunPartial,
			Windows:    2,
			Skipped:    1,
			Error:      &msg,
		}
		require.NoError(t, store.InsertRun(ctx, run))

		runs, err := store.ListRecentRuns(ctx, 5)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, run.ID, runs[0].ID)
		require.NotNil(t, runs[0].Error)
		assert.Equal(t, msg, *runs[0].Error)
	})

	t.Run("advisory lock is exclusive", func(t *testing.T) {
		unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = store.TryAdvisoryLock(ctx, 4242)
		require.NoError(t, err)
		assert.False(t, ok)

		unlock()
		unlock2, ok, err := store.TryAdvisoryLock(ctx, 4242)
		require.NoError(t, err)
		assert.True(t, ok)
		unlock2()
	})
}
