package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iex-marketdata/internal/ingest"
	"iex-marketdata/internal/market"
)

const namespace = "iexprices"

// Collector owns the process's Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	windows         *prometheus.CounterVec
	windowDuration  *prometheus.HistogramVec
	windowAttempts  *prometheus.CounterVec
	recordsParsed   *prometheus.CounterVec
	recordsInserted *prometheus.CounterVec
	runs            *prometheus.CounterVec
	lastSuccess     *prometheus.GaugeVec
	requests        *prometheus.CounterVec
}

// New registers every metric on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Report windows processed, by outcome.",
		}, []string{"market", "status"}),
		windowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_duration_seconds",
			Help:      "Time spent rendering and parsing one report window.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"market"}),
		windowAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_render_attempts_total",
			Help:      "Report render attempts, including retries.",
		}, []string{"market"}),
		recordsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_parsed_total",
			Help:      "Settlement-period records parsed from report pages.",
		}, []string{"market"}),
		recordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_inserted_total",
			Help:      "Records newly stored; existing periods are not counted.",
		}, []string{"market"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs, by final status.",
		}, []string{"market", "status"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_complete_run_timestamp_seconds",
			Help:      "Unix time of the last run that covered its whole range.",
		}, []string{"market"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Query API requests, by route and status code.",
		}, []string{"route", "code"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.windows,
		c.windowDuration,
		c.windowAttempts,
		c.recordsParsed,
		c.recordsInserted,
		c.runs,
		c.lastSuccess,
		c.requests,
	)
	return c
}

// ObserveWindow implements ingest.WindowObserver.
func (c *Collector) ObserveWindow(m market.Type, w ingest.WindowResult, elapsed time.Duration) {
	label := m.String()
	c.windows.WithLabelValues(label, string(w.Status)).Inc()
	c.windowDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	c.windowAttempts.WithLabelValues(label).Add(float64(w.Attempts))
	c.recordsParsed.WithLabelValues(label).Add(float64(w.Records))
}

// ObserveRun records the outcome of one ingestion run.
func (c *Collector) ObserveRun(m market.Type, status string, inserted int, finished time.Time, complete bool) {
	label := m.String()
	c.runs.WithLabelValues(label, status).Inc()
	c.recordsInserted.WithLabelValues(label).Add(float64(inserted))
	if complete {
		c.lastSuccess.WithLabelValues(label).Set(float64(finished.Unix()))
	}
}

// ObserveRequest counts one API response.
func (c *Collector) ObserveRequest(route string, code int) {
	c.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

var _ ingest.WindowObserver = (*Collector)(nil)
