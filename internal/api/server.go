package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"iex-marketdata/internal/config"
	"iex-marketdata/internal/market"
	"iex-marketdata/internal/metrics"
	"iex-marketdata/internal/storage"
)

// QueryLayout is the accepted form of start_datetime and end_datetime,
// interpreted in the exchange's local time.
const QueryLayout = "2006-01-02 15:04:05"

// Handler serves stored price records.
type Handler struct {
	store    storage.PriceStore
	location *time.Location
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// NewHandler wires the query routes. collector may be nil.
func NewHandler(store storage.PriceStore, loc *time.Location, collector *metrics.Collector, logger zerolog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		store:    store,
		location: loc,
		metrics:  collector,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/marketdata", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/dam", h.prices(market.DAM))
		r.Get("/rtm", h.prices(market.RTM))
	})
	return r
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handler) prices(t market.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := h.parseRange(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		records, err := h.store.GetRecords(r.Context(), t, window)
		if err != nil {
			h.logger.Error().Err(err).Str("market", t.String()).Msg("failed to fetch price records")
			writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("Error while fetching %s price records", t.Label()))
			return
		}

		out := make([]market.FlatPrice, 0, len(records))
		for _, rec := range records {
			out = append(out, market.Flatten(rec, h.location))
		}
		render.JSON(w, r, out)
	}
}

func (h *Handler) parseRange(r *http.Request) (market.TimeRange, error) {
	query := r.URL.Query()
	start, err := h.parseParam(query.Get("start_datetime"), "start_datetime")
	if err != nil {
		return market.TimeRange{}, err
	}
	end, err := h.parseParam(query.Get("end_datetime"), "end_datetime")
	if err != nil {
		return market.TimeRange{}, err
	}
	if start.After(end) {
		return market.TimeRange{}, errors.New("start_datetime should be less than end_datetime")
	}
	return market.TimeRange{Start: start, End: end}, nil
}

func (h *Handler) parseParam(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing %s", name)
	}
	t, err := time.ParseInLocation(QueryLayout, raw, h.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: expected format %s", name, raw, QueryLayout)
	}
	return t, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Detail: detail})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if h.metrics != nil {
			h.metrics.ObserveRequest(route, ww.Status())
		}
		h.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("query api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
