package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"iex-marketdata/internal/alerting"
	"iex-marketdata/internal/api"
	"iex-marketdata/internal/config"
	"iex-marketdata/internal/ingest"
	"iex-marketdata/internal/market"
	"iex-marketdata/internal/metrics"
	"iex-marketdata/internal/navigator"
	"iex-marketdata/internal/scheduler"
	"iex-marketdata/internal/service"
	"iex-marketdata/internal/storage"
)

// repository is the persistence surface the commands rely on.
type repository interface {
	storage.PriceStore
	storage.RunStore
}

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// openRepo replaces the PostgreSQL connection, e.g. with a MemoryStore.
	openRepo func(ctx context.Context) (repository, func(), error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) location() (*time.Location, error) {
	return market.Location(a.Config.Market.Timezone)
}

// markets resolves the enabled markets with their configured report paths.
func (a *App) markets() ([]market.Market, error) {
	var out []market.Market
	for _, name := range a.Config.Market.Enabled {
		t, err := market.ParseType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, a.marketFor(t))
	}
	return out, nil
}

func (a *App) marketFor(t market.Type) market.Market {
	if t == market.RTM {
		return market.RealTime{Path: a.Config.Market.RTMPath}
	}
	return market.DayAhead{Path: a.Config.Market.DAMPath}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (repository, func(), error) {
	if a.openRepo != nil {
		return a.openRepo(ctx)
	}
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		a.Logger.Debug().Strs("migrations", applied).Msg("schema up to date")
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// sessions launches one Chrome tab per ingestion run.
func (a *App) sessions() service.SessionFactory {
	browserCfg := a.Config.Browser
	timezone := a.Config.Market.Timezone
	if timezone == "" {
		timezone = market.DefaultTimezone
	}
	return func(ctx context.Context, m market.Market) (ingest.Session, error) {
		browser, err := navigator.NewChromeBrowser(ctx, navigator.ChromeOptions{
			RemoteURL:     browserCfg.RemoteURL,
			ExecPath:      browserCfg.ExecPath,
			Headless:      browserCfg.Headless,
			NoSandbox:     browserCfg.NoSandbox,
			UserAgent:     browserCfg.UserAgent,
			WindowWidth:   browserCfg.WindowWidth,
			WindowHeight:  browserCfg.WindowHeight,
			Timezone:      timezone,
			ActionTimeout: browserCfg.ActionTimeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		return navigator.New(browser, navigator.Options{
			BaseURL:       a.Config.Market.BaseURL,
			Market:        m,
			RenderTimeout: a.Config.Ingest.RenderTimeout,
		}, a.Logger), nil
	}
}

func (a *App) newService(store repository, collector *metrics.Collector, notifier alerting.Notifier) (*service.Service, error) {
	loc, err := a.location()
	if err != nil {
		return nil, err
	}
	markets, err := a.markets()
	if err != nil {
		return nil, err
	}

	var runs storage.RunStore
	if store != nil {
		runs = store
	}

	return service.New(service.Options{
		Markets:      markets,
		Location:     loc,
		BatchDays:    ingest.DefaultBatchDays,
		MaxRetries:   a.Config.Ingest.MaxWindowRetries,
		LookbackDays: a.Config.Ingest.LookbackDays,
		LockKey:      a.Config.Ingest.AdvisoryLockKey,
		Sessions:     a.sessions(),
	}, store, runs, notifier, collector, a.Logger), nil
}

// Run executes the scheduled ingestion service and, when enabled, the query API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法运行采集")
	}
	if closeStore != nil {
		defer closeStore()
	}

	loc, err := a.location()
	if err != nil {
		return err
	}

	collector := metrics.New()
	svc, err := a.newService(store, collector, a.newNotifier())
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Location:     loc,
		RunOnStart:   true,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Msg("starting ingestion scheduler")
		return sched.Run(gctx, svc.ProcessTick)
	})
	if a.Config.Server.Enabled {
		handler := api.NewHandler(store, loc, collector, a.Logger).Router()
		g.Go(func() error {
			return api.Serve(gctx, a.Config.Server, handler, a.Logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// Serve runs only the query API.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot serve queries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	loc, err := a.location()
	if err != nil {
		return err
	}
	handler := api.NewHandler(store, loc, metrics.New(), a.Logger).Router()
	return api.Serve(ctx, a.Config.Server, handler, a.Logger)
}

// Migrate applies the schema and reports the files that ran.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return nil
}

// IngestOptions configure a one-off ingestion.
type IngestOptions struct {
	// Markets empty means every enabled market.
	Markets []market.Type
	From    time.Time
	To      time.Time
	DryRun  bool
}

// ImportOptions configure a manual import.
type ImportOptions struct {
	Path   string
	Market market.Type
	Force  bool
}

// ExportOptions hold parameters for exporting stored prices.
type ExportOptions struct {
	Market    market.Type
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Market market.Type
	Limit  int
	Runs   bool
}
