package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"iex-marketdata/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertRunSQL = `INSERT INTO ingest_runs (
        id,
        market,
        range_start,
        range_end,
        started_at,
        finished_at,
        status,
        windows,
        skipped,
        failed,
        records,
        inserted,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	listRecentRunsSQL = `SELECT
        id,
        market,
        range_start,
        range_end,
        started_at,
        finished_at,
        status,
        windows,
        skipped,
        failed,
        records,
        inserted,
        error
    FROM ingest_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceStore persists price records with dedup-on-write semantics.
type PriceStore interface {
	// Upsert stores rec unless a record with the same market and settlement
	// start exists, in which case the stored row is returned untouched.
	Upsert(ctx context.Context, rec market.PriceRecord) (StoredRecord, bool, error)
	UpsertMany(ctx context.Context, recs []market.PriceRecord) (UpsertSummary, error)
	// GetRecords returns records with start in [r.Start, r.End], ordered by start.
	GetRecords(ctx context.Context, m market.Type, r market.TimeRange) ([]market.PriceRecord, error)
	ListRecent(ctx context.Context, m market.Type, limit int) ([]StoredRecord, error)
	Count(ctx context.Context, m market.Type) (int64, error)
}

// RunStore audits ingestion runs.
type RunStore interface {
	InsertRun(ctx context.Context, run IngestRun) error
	ListRecentRuns(ctx context.Context, limit int) ([]IngestRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of PriceStore and RunStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session once the conn is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Upsert inserts rec if absent and returns the stored row either way.
func (s *Store) Upsert(ctx context.Context, rec market.PriceRecord) (StoredRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return StoredRecord{}, false, err
	}
	q, err := queriesFor(rec.Market)
	if err != nil {
		return StoredRecord{}, false, err
	}

	rows, err := pool.Query(ctx, q.upsert, upsertArgs(q, rec)...)
	if err != nil {
		return StoredRecord{}, false, fmt.Errorf("upsert %s record: %w", rec.Market, err)
	}
	stored, inserted, found, err := collectUpsert(rows, q)
	if err != nil {
		return StoredRecord{}, false, fmt.Errorf("upsert %s record: %w", rec.Market, err)
	}
	if found {
		return stored, inserted, nil
	}

	// conflicting row committed after this statement's snapshot
	stored, err = getByStart(ctx, pool, q, rec.SettlementPeriodStart)
	if err != nil {
		return StoredRecord{}, false, fmt.Errorf("load existing %s record: %w", rec.Market, err)
	}
	return stored, false, nil
}

// UpsertMany applies Upsert to every record inside one transaction.
func (s *Store) UpsertMany(ctx context.Context, recs []market.PriceRecord) (UpsertSummary, error) {
	summary := UpsertSummary{Stored: make([]StoredRecord, 0, len(recs))}
	if len(recs) == 0 {
		return summary, nil
	}

	pool, err := s.getPool()
	if err != nil {
		return summary, err
	}

	plans := make([]queries, len(recs))
	batch := &pgx.Batch{}
	for i, rec := range recs {
		q, err := queriesFor(rec.Market)
		if err != nil {
			return summary, err
		}
		plans[i] = q
		batch.Queue(q.upsert, upsertArgs(q, rec)...)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return summary, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	results := tx.SendBatch(ctx, batch)
	missing := make([]int, 0)
	for i := range recs {
		rows, err := results.Query()
		if err != nil {
			_ = results.Close()
			return summary, fmt.Errorf("upsert record %d: %w", i, err)
		}
		stored, inserted, found, err := collectUpsert(rows, plans[i])
		if err != nil {
			_ = results.Close()
			return summary, fmt.Errorf("upsert record %d: %w", i, err)
		}
		if !found {
			missing = append(missing, i)
			summary.Stored = append(summary.Stored, StoredRecord{})
			continue
		}
		summary.Stored = append(summary.Stored, stored)
		if inserted {
			summary.Inserted++
		} else {
			summary.Existing++
		}
	}
	if err := results.Close(); err != nil {
		return summary, fmt.Errorf("close upsert batch: %w", err)
	}

	for _, i := range missing {
		stored, err := getByStart(ctx, tx, plans[i], recs[i].SettlementPeriodStart)
		if err != nil {
			return summary, fmt.Errorf("load existing record %d: %w", i, err)
		}
		summary.Stored[i] = stored
		summary.Existing++
	}

	if err := tx.Commit(ctx); err != nil {
		return summary, fmt.Errorf("commit upsert tx: %w", err)
	}
	return summary, nil
}

// GetRecords lists records whose settlement start falls in r, bounds included.
func (s *Store) GetRecords(ctx context.Context, m market.Type, r market.TimeRange) ([]market.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	q, err := queriesFor(m)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, q.between, r.Start, r.End)
	if queryErr != nil {
		return nil, fmt.Errorf("get %s records: %w", m, queryErr)
	}
	stored, err := collectRecords(rows, q)
	if err != nil {
		return nil, fmt.Errorf("get %s records: %w", m, err)
	}

	records := make([]market.PriceRecord, 0, len(stored))
	for _, rec := range stored {
		records = append(records, rec.Record)
	}
	return records, nil
}

// ListRecent lists the most recent records ordered by descending settlement start.
func (s *Store) ListRecent(ctx context.Context, m market.Type, limit int) ([]StoredRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	q, err := queriesFor(m)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, q.recent, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent %s records: %w", m, queryErr)
	}
	stored, err := collectRecords(rows, q)
	if err != nil {
		return nil, fmt.Errorf("list recent %s records: %w", m, err)
	}
	return stored, nil
}

// Count counts stored records of one market.
func (s *Store) Count(ctx context.Context, m market.Type) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	q, err := queriesFor(m)
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, q.count).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count %s records: %w", m, scanErr)
	}
	return count, nil
}

// InsertRun persists an ingestion run.
func (s *Store) InsertRun(ctx context.Context, run IngestRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}

	_, execErr := pool.Exec(ctx, insertRunSQL,
		run.ID,
		run.Market.String(),
		run.RangeStart,
		run.RangeEnd,
		run.StartedAt,
		run.FinishedAt,
		run.Status,
		run.Windows,
		run.Skipped,
		run.Failed,
		run.Records,
		run.Inserted,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert ingest run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists the latest ingestion runs.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]IngestRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]IngestRun, 0, limit)
	for rows.Next() {
		var run IngestRun
		var marketName string
		if err := rows.Scan(
			&run.ID,
			&marketName,
			&run.RangeStart,
			&run.RangeEnd,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.Windows,
			&run.Skipped,
			&run.Failed,
			&run.Records,
			&run.Inserted,
			&run.Error,
		); err != nil {
			return nil, err
		}
		run.Market = market.Type(marketName)
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// queries holds the SQL for one market's price table.
type queries struct {
	market  market.Type
	table   string
	session bool
	upsert  string
	byStart string
	between string
	recent  string
	count   string
}

var marketQueries = map[market.Type]queries{
	market.DAM: buildQueries(market.DAM, "dam_prices", false),
	market.RTM: buildQueries(market.RTM, "rtm_prices", true),
}

func queriesFor(m market.Type) (queries, error) {
	q, ok := marketQueries[m]
	if !ok {
		return queries{}, fmt.Errorf("no price table for market %q", m)
	}
	return q, nil
}

func priceColumns() []string {
	cols := make([]string, 0, market.ZoneCount+1)
	for _, z := range market.Zones {
		cols = append(cols, strings.ToLower(string(z))+"_price")
	}
	return append(cols, "mcp_price")
}

func buildQueries(m market.Type, table string, session bool) queries {
	prices := priceColumns()

	insertCols := append([]string{"settlement_period_start"}, prices...)
	selectCols := []string{"id", "settlement_period_start"}
	for _, col := range prices {
		selectCols = append(selectCols, col+"::text")
	}
	if session {
		insertCols = append(insertCols, "session_id")
		selectCols = append(selectCols, "session_id")
	}
	selectCols = append(selectCols, "created_at")

	placeholders := make([]string, len(insertCols))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	projection := strings.Join(selectCols, ", ")

	// the insert and the fallback read happen in one statement, so a concurrent
	// writer can never produce a second row for the same period
	upsert := fmt.Sprintf(`WITH ins AS (
        INSERT INTO %[1]s (%[2]s)
        VALUES (%[3]s)
        ON CONFLICT (settlement_period_start) DO NOTHING
        RETURNING %[4]s, true AS inserted
    )
    SELECT * FROM ins
    UNION ALL
    SELECT %[4]s, false AS inserted
    FROM %[1]s
    WHERE settlement_period_start = $1
      AND NOT EXISTS (SELECT 1 FROM ins);`,
		table, strings.Join(insertCols, ", "), strings.Join(placeholders, ","), projection)

	return queries{
		market:  m,
		table:   table,
		session: session,
		upsert:  upsert,
		byStart: fmt.Sprintf(`SELECT %s FROM %s WHERE settlement_period_start = $1;`, projection, table),
		between: fmt.Sprintf(`SELECT %s FROM %s
    WHERE settlement_period_start >= $1
      AND settlement_period_start <= $2
    ORDER BY settlement_period_start;`, projection, table),
		recent: fmt.Sprintf(`SELECT %s FROM %s
    ORDER BY settlement_period_start DESC
    LIMIT $1;`, projection, table),
		count: fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, table),
	}
}

func upsertArgs(q queries, rec market.PriceRecord) []interface{} {
	args := make([]interface{}, 0, market.ZoneCount+3)
	args = append(args, rec.SettlementPeriodStart)
	for _, price := range rec.ZonePrices {
		args = append(args, numericArg(price))
	}
	args = append(args, numericArg(rec.MarketClearingPrice))
	if q.session {
		var session interface{}
		if rec.SessionID != nil {
			session = *rec.SessionID
		}
		args = append(args, session)
	}
	return args
}

func numericArg(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getByStart(ctx context.Context, db queryer, q queries, start time.Time) (StoredRecord, error) {
	rows, err := db.Query(ctx, q.byStart, start)
	if err != nil {
		return StoredRecord{}, err
	}
	stored, err := collectRecords(rows, q)
	if err != nil {
		return StoredRecord{}, err
	}
	if len(stored) == 0 {
		return StoredRecord{}, pgx.ErrNoRows
	}
	return stored[0], nil
}

func collectUpsert(rows pgx.Rows, q queries) (StoredRecord, bool, bool, error) {
	defer rows.Close()

	var stored StoredRecord
	var inserted, found bool
	for rows.Next() {
		rec, flag, err := scanRecord(rows, q, true)
		if err != nil {
			return StoredRecord{}, false, false, err
		}
		stored, inserted, found = rec, flag, true
	}
	if rows.Err() != nil {
		return StoredRecord{}, false, false, rows.Err()
	}
	return stored, inserted, found, nil
}

func collectRecords(rows pgx.Rows, q queries) ([]StoredRecord, error) {
	defer rows.Close()

	records := make([]StoredRecord, 0)
	for rows.Next() {
		rec, _, err := scanRecord(rows, q, false)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(rows pgx.Rows, q queries, withFlag bool) (StoredRecord, bool, error) {
	var (
		stored   StoredRecord
		start    time.Time
		prices   [market.ZoneCount + 1]*string
		session  *string
		inserted bool
	)

	dest := []interface{}{&stored.ID, &start}
	for i := range prices {
		dest = append(dest, &prices[i])
	}
	if q.session {
		dest = append(dest, &session)
	}
	dest = append(dest, &stored.CreatedAt)
	if withFlag {
		dest = append(dest, &inserted)
	}

	if err := rows.Scan(dest...); err != nil {
		return StoredRecord{}, false, err
	}

	rec := market.PriceRecord{
		Market:                q.market,
		SettlementPeriodStart: start,
		SessionID:             session,
	}

	for i, raw := range prices {
		value, err := parseNumeric(raw)
		if err != nil {
			return StoredRecord{}, false, err
		}
		if i < market.ZoneCount {
			rec.ZonePrices[i] = value
		} else {
			rec.MarketClearingPrice = value
		}
	}

	stored.Record = rec
	return stored, inserted, nil
}

func parseNumeric(raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	value, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse price %q: %w", *raw, err)
	}
	return decimal.NewNullDecimal(value), nil
}

var (
	_ PriceStore     = (*Store)(nil)
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
