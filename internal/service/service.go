package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iex-marketdata/internal/alerting"
	"iex-marketdata/internal/ingest"
	"iex-marketdata/internal/market"
	"iex-marketdata/internal/metrics"
	"iex-marketdata/internal/parser"
	"iex-marketdata/internal/storage"
)

const persistTimeout = 30 * time.Second

// ErrRunInProgress is returned when another process holds the market's ingestion lock.
var ErrRunInProgress = errors.New("ingestion already running for market")

// SessionFactory opens a fresh report session for one market.
type SessionFactory func(ctx context.Context, m market.Market) (ingest.Session, error)

// ParserFactory builds the page parser for one market.
type ParserFactory func(m market.Market, loc *time.Location, logger zerolog.Logger) ingest.PageParser

// Options wires the ingestion service.
type Options struct {
	Markets      []market.Market
	Location     *time.Location
	BatchDays    int
	MaxRetries   int
	LookbackDays int
	// LockKey is the base advisory lock key; each market locks LockKey+index.
	LockKey  int64
	Sessions SessionFactory
	Parsers  ParserFactory
}

// Service 负责下载、持久化、审计与告警的编排。
type Service struct {
	opts     Options
	markets  map[market.Type]market.Market
	store    storage.PriceStore
	runs     storage.RunStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	metrics  *metrics.Collector
	logger   zerolog.Logger
	now      func() time.Time
}

// Report describes one ingestion run.
type Report struct {
	RunID       uuid.UUID
	Market      market.Type
	Range       market.TimeRange
	Status      string
	Windows     int
	SkippedDays []time.Time
	FailedDays  []time.Time
	// PendingDays are future trading days whose report is not published yet.
	PendingDays []time.Time
	Records     int
	Inserted    int
	Existing    int
	Stored      []storage.StoredRecord
	StartedAt   time.Time
	FinishedAt  time.Time
}

// New 构造采集服务。runs、notifier 与 collector 可以为 nil。
func New(opts Options, store storage.PriceStore, runs storage.RunStore, notifier alerting.Notifier, collector *metrics.Collector, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 1
	}
	if opts.Parsers == nil {
		opts.Parsers = func(m market.Market, loc *time.Location, logger zerolog.Logger) ingest.PageParser {
			return parser.New(m, loc, logger)
		}
	}

	markets := make(map[market.Type]market.Market, len(opts.Markets))
	for _, m := range opts.Markets {
		markets[m.Type()] = m
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		opts:     opts,
		markets:  markets,
		store:    store,
		runs:     runs,
		locker:   locker,
		notifier: notifier,
		metrics:  collector,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
}

// ProcessTick ingests the trailing lookback window for every configured market.
// DAM reaches one extra day ahead since its auction clears the next trading day.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	today := market.StartOfDay(bucket, s.opts.Location)
	var errs []error
	for _, m := range s.opts.Markets {
		r := s.tickRange(m.Type(), today)
		report, err := s.Ingest(ctx, m.Type(), r)
		switch {
		case errors.Is(err, ErrRunInProgress):
			s.logger.Debug().Str("market", m.Type().String()).Msg("skip tick because advisory lock held elsewhere")
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", m.Type(), err))
		default:
			s.logger.Info().
				Str("market", m.Type().String()).
				Str("status", report.Status).
				Int("inserted", report.Inserted).
				Msg("scheduled ingestion finished")
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (s *Service) tickRange(t market.Type, today time.Time) market.TimeRange {
	last := today
	if t == market.DAM {
		last = today.AddDate(0, 0, 1)
	}
	return market.TimeRange{
		Start: today.AddDate(0, 0, -s.opts.LookbackDays),
		End:   last.AddDate(0, 0, 1).Add(-time.Nanosecond),
	}
}

// Ingest downloads r for one market and persists whatever was collected,
// including the records of a run that stopped early. The returned report is
// always non-nil once the lock was acquired.
func (s *Service) Ingest(ctx context.Context, t market.Type, r market.TimeRange) (*Report, error) {
	m, ok := s.markets[t]
	if !ok {
		return nil, fmt.Errorf("market %q is not enabled", t)
	}
	if s.store == nil {
		return nil, storage.ErrNotConfigured
	}

	unlock, proceed, err := s.acquireLock(ctx, t)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return nil, ErrRunInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	report := &Report{RunID: uuid.New(), Market: t, Range: r, StartedAt: s.now().UTC()}
	log := s.logger.With().Str("market", t.String()).Str("run_id", report.RunID.String()).Logger()
	log.Info().Time("from", r.Start).Time("to", r.End).Msg("ingestion started")

	runErr := s.execute(ctx, m, r, report, log)

	report.FinishedAt = s.now().UTC()
	s.audit(ctx, report, runErr, log)
	if s.metrics != nil {
		s.metrics.ObserveRun(t, report.Status, report.Inserted, report.FinishedAt, report.Status == storage.RunComplete)
	}
	if report.Status != storage.RunComplete || len(report.SkippedDays) > 0 {
		s.notify(ctx, report, runErr, log)
	}

	log.Info().
		Str("status", report.Status).
		Int("records", report.Records).
		Int("inserted", report.Inserted).
		Int("existing", report.Existing).
		Msg("ingestion finished")
	return report, runErr
}

func (s *Service) execute(ctx context.Context, m market.Market, r market.TimeRange, report *Report, log zerolog.Logger) error {
	if s.opts.Sessions == nil {
		report.Status = storage.RunFailed
		return errors.New("session factory not configured")
	}
	session, err := s.opts.Sessions(ctx, m)
	if err != nil {
		report.Status = storage.RunFailed
		return fmt.Errorf("open session: %w", err)
	}

	dlOpts := ingest.Options{
		BatchDays:  s.opts.BatchDays,
		MaxRetries: s.opts.MaxRetries,
		Location:   s.opts.Location,
	}
	if s.metrics != nil {
		dlOpts.Observer = s.metrics
	}
	downloader := ingest.NewDownloader(m.Type(), session, s.opts.Parsers(m, s.opts.Location, log), dlOpts, log)

	result, dlErr := downloader.Download(ctx, r)
	today := market.StartOfDay(s.now(), s.opts.Location)
	if result != nil {
		report.Windows = len(result.Windows)
		report.Records = len(result.Records)
		for _, w := range result.Windows {
			switch {
			case w.Status == ingest.WindowSkipped:
				report.SkippedDays = append(report.SkippedDays, w.Start)
			case w.Status == ingest.WindowFailed && unpublished(w, today):
				report.PendingDays = append(report.PendingDays, w.Start)
			case w.Status == ingest.WindowFailed:
				report.FailedDays = append(report.FailedDays, w.Start)
			}
		}
		if len(report.PendingDays) > 0 {
			log.Info().Int("days", len(report.PendingDays)).Msg("report not published yet for upcoming days")
		}
	}

	var storeErr error
	if result != nil && len(result.Records) > 0 {
		// collected records are kept even when the run was cancelled
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		summary, err := s.store.UpsertMany(persistCtx, result.Records)
		cancel()
		if err != nil {
			storeErr = fmt.Errorf("persist records: %w", err)
		} else {
			report.Inserted = summary.Inserted
			report.Existing = summary.Existing
			report.Stored = summary.Stored
		}
	}

	switch {
	case storeErr != nil:
		report.Status = storage.RunFailed
	case dlErr != nil && report.Records == 0:
		report.Status = storage.RunFailed
	case dlErr != nil || len(report.SkippedDays) > 0 || len(report.FailedDays) > 0:
		report.Status = storage.RunPartial
	default:
		report.Status = storage.RunComplete
	}
	return errors.Join(dlErr, storeErr)
}

// unpublished reports whether w failed only because its trading day lies after
// today and the exchange has not cleared it yet.
func unpublished(w ingest.WindowResult, today time.Time) bool {
	var notFound *parser.TableNotFoundError
	return w.Start.After(today) && errors.As(w.Err, &notFound)
}

func (s *Service) audit(ctx context.Context, report *Report, runErr error, log zerolog.Logger) {
	if s.runs == nil {
		return
	}
	run := storage.IngestRun{
		ID:         report.RunID,
		Market:     report.Market,
		RangeStart: report.Range.Start,
		RangeEnd:   report.Range.End,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Status:     report.Status,
		Windows:    report.Windows,
		Skipped:    len(report.SkippedDays),
		Failed:     len(report.FailedDays),
		Records:    report.Records,
		Inserted:   report.Inserted,
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	// the audit row must land even when the run context was cancelled
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.runs.InsertRun(auditCtx, run); err != nil {
		log.Error().Err(err).Msg("failed to persist ingestion run")
	}
}

func (s *Service) notify(ctx context.Context, report *Report, runErr error, log zerolog.Logger) {
	if s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Market:     report.Market.Label(),
		RangeStart: report.Range.Start,
		RangeEnd:   report.Range.End,
		Status:     report.Status,
		Windows:    report.Windows,
		Skipped:    report.SkippedDays,
		Failed:     report.FailedDays,
		Records:    report.Records,
		Inserted:   report.Inserted,
	}
	if runErr != nil {
		note.Error = runErr.Error()
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch run notification")
	}
}

func (s *Service) acquireLock(ctx context.Context, t market.Type) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	key := s.opts.LockKey
	for i, candidate := range market.Types {
		if candidate == t {
			key += int64(i)
		}
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
