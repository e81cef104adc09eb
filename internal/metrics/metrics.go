// Package metrics exposes Prometheus metrics for ingestion runs and the HTTP
// API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/cdp/internal/core"
)

const namespace = "cdp"

// Metrics holds every collector. It implements core.RunObserver.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	RecordsTotal  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RunDuration   prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_runs_total",
				Help:      "Total number of ingestion runs by outcome",
			},
			[]string{"outcome"},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_records_total",
				Help:      "Total number of records processed by entity and outcome",
			},
			[]string{"entity", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_stage_duration_seconds",
				Help:      "Duration of each pipeline stage",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_run_duration_seconds",
				Help:      "Duration of whole ingestion runs",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsTotal,
		m.RecordsTotal,
		m.StageDuration,
		m.RunDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStage implements core.RunObserver.
func (m *Metrics) ObserveStage(stage core.Stage, d time.Duration) {
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ObserveRun implements core.RunObserver.
func (m *Metrics) ObserveRun(r *core.IngestionResult) {
	outcome := "completed"
	if !r.Completed() {
		outcome = "aborted"
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(r.Duration.Seconds())

	customers := string(core.EntityCustomer)
	offers := string(core.EntityOffer)
	m.RecordsTotal.WithLabelValues(customers, "created").Add(float64(r.CustomersIngested))
	m.RecordsTotal.WithLabelValues(customers, "updated").Add(float64(r.CustomersUpdated))
	m.RecordsTotal.WithLabelValues(customers, "skipped").Add(float64(r.CustomersSkipped))
	m.RecordsTotal.WithLabelValues(offers, "created").Add(float64(r.OffersIngested))
	m.RecordsTotal.WithLabelValues(offers, "updated").Add(float64(r.OffersUpdated))
	m.RecordsTotal.WithLabelValues(offers, "skipped").Add(float64(r.OffersSkipped))
}

// Middleware records request counts and durations, labelled by chi route
// pattern so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

var _ core.RunObserver = (*Metrics)(nil)
