package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"iex-marketdata/internal/market"
)

// MemoryStore keeps records in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[market.Key]StoredRecord
	runs    []IngestRun
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[market.Key]StoredRecord),
		now:     time.Now,
	}
}

// Upsert implements PriceStore.
func (m *MemoryStore) Upsert(_ context.Context, rec market.PriceRecord) (StoredRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(rec)
}

func (m *MemoryStore) upsertLocked(rec market.PriceRecord) (StoredRecord, bool, error) {
	if _, err := market.Lookup(rec.Market); err != nil {
		return StoredRecord{}, false, err
	}
	key := rec.Key()
	if existing, ok := m.records[key]; ok {
		return existing, false, nil
	}
	if rec.Market != market.RTM {
		rec.SessionID = nil
	}
	m.nextID++
	stored := StoredRecord{ID: m.nextID, Record: rec, CreatedAt: m.now().UTC()}
	m.records[key] = stored
	return stored, true, nil
}

// UpsertMany implements PriceStore. The batch is all-or-nothing.
func (m *MemoryStore) UpsertMany(_ context.Context, recs []market.PriceRecord) (UpsertSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rec := range recs {
		if _, err := market.Lookup(rec.Market); err != nil {
			return UpsertSummary{}, fmt.Errorf("upsert record %d: %w", i, err)
		}
	}

	summary := UpsertSummary{Stored: make([]StoredRecord, 0, len(recs))}
	for _, rec := range recs {
		stored, inserted, err := m.upsertLocked(rec)
		if err != nil {
			return UpsertSummary{}, err
		}
		summary.Stored = append(summary.Stored, stored)
		if inserted {
			summary.Inserted++
		} else {
			summary.Existing++
		}
	}
	return summary, nil
}

// GetRecords implements PriceStore.
func (m *MemoryStore) GetRecords(_ context.Context, t market.Type, r market.TimeRange) ([]market.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]market.PriceRecord, 0)
	for _, stored := range m.sorted(t) {
		if r.Contains(stored.Record.SettlementPeriodStart) {
			records = append(records, stored.Record)
		}
	}
	return records, nil
}

// ListRecent implements PriceStore.
func (m *MemoryStore) ListRecent(_ context.Context, t market.Type, limit int) ([]StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sorted(t)
	recent := make([]StoredRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(recent) < limit; i-- {
		recent = append(recent, all[i])
	}
	return recent, nil
}

// Count implements PriceStore.
func (m *MemoryStore) Count(_ context.Context, t market.Type) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key := range m.records {
		if key.Market == t {
			n++
		}
	}
	return n, nil
}

// InsertRun implements RunStore.
func (m *MemoryStore) InsertRun(_ context.Context, run IngestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListRecentRuns implements RunStore.
func (m *MemoryStore) ListRecentRuns(_ context.Context, limit int) ([]IngestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]IngestRun, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, m.runs[i])
	}
	return runs, nil
}

func (m *MemoryStore) sorted(t market.Type) []StoredRecord {
	out := make([]StoredRecord, 0, len(m.records))
	for key, stored := range m.records {
		if key.Market == t {
			out = append(out, stored)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.SettlementPeriodStart.Before(out[j].Record.SettlementPeriodStart)
	})
	return out
}

var (
	_ PriceStore = (*MemoryStore)(nil)
	_ RunStore   = (*MemoryStore)(nil)
)
