// Package metrics exposes sandbox and pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

var statuses = []models.SandboxStatus{
	models.StatusInitializing,
	models.StatusRunning,
	models.StatusError,
	models.StatusStopped,
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Sandbox metrics
	Sandboxes        *prometheus.GaugeVec
	SandboxesCreated prometheus.Counter
	SandboxesDeleted prometheus.Counter

	// Pipeline metrics
	Pipelines        *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	Launches         *prometheus.CounterVec

	// Harvest metrics
	Harvests        *prometheus.CounterVec
	CookiesHarvested prometheus.Counter

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a metrics set on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		Sandboxes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandbox_sandboxes",
				Help: "Registered sandboxes by status",
			},
			[]string{"status"},
		),
		SandboxesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_created_total",
			Help: "Sandboxes created",
		}),
		SandboxesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_deleted_total",
			Help: "Sandboxes deleted",
		}),

		Pipelines: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_pipelines_total",
				Help: "Finished sandbox pipelines by outcome",
			},
			[]string{"outcome"},
		),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandbox_pipeline_duration_seconds",
			Help:    "Time from creation to the end of a sandbox pipeline",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		Launches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_launches_total",
				Help: "Browser launches by backend and result",
			},
			[]string{"backend", "result"},
		),

		Harvests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_harvests_total",
				Help: "Cookie harvests by result",
			},
			[]string{"result"},
		),
		CookiesHarvested: f.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_cookies_harvested_total",
			Help: "Cookies written to cookie files",
		}),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	// every status exports a series from startup
	m.SetStatusCounts(nil)
	return m
}

// SetStatusCounts publishes the number of sandboxes in each status
func (m *Metrics) SetStatusCounts(counts map[models.SandboxStatus]int) {
	for _, s := range statuses {
		m.Sandboxes.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ObservePipeline records a finished pipeline
func (m *Metrics) ObservePipeline(outcome string, started time.Time) {
	m.Pipelines.WithLabelValues(outcome).Inc()
	m.PipelineDuration.Observe(time.Since(started).Seconds())
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, took time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedding
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
