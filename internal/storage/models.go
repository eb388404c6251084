package storage

import (
	"time"

	"github.com/google/uuid"

	"iex-marketdata/internal/market"
)

// StoredRecord is a persisted price record.
type StoredRecord struct {
	ID        int64
	Record    market.PriceRecord
	CreatedAt time.Time
}

// UpsertSummary reports the outcome of UpsertMany.
type UpsertSummary struct {
	Stored   []StoredRecord
	Inserted int
	Existing int
}

// Run statuses.
const (
	RunComplete = "complete"
	RunPartial  = "partial"
	RunFailed   = "failed"
)

// IngestRun audits one ingestion run.
type IngestRun struct {
	ID         uuid.UUID
	Market     market.Type
	RangeStart time.Time
	RangeEnd   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Windows    int
	Skipped    int
	Failed     int
	Records    int
	Inserted   int
	Error      *string
}
