// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

const namespace = "nasgate"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	logins *prometheus.CounterVec

	streams       *prometheus.CounterVec
	streamOpen    *prometheus.HistogramVec
	streamedBytes prometheus.Counter
	uploadedBytes prometheus.Counter

	cleanupRuns    *prometheus.CounterVec
	orphansDeleted prometheus.Counter
	orphansFailed  prometheus.Counter
	cleanupLastRun prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "NAS login exchanges by family and result.",
		}, []string{"family", "result"}),

		streams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_streams_total",
			Help:      "Media stream requests by reference kind, variant and outcome.",
		}, []string{"kind", "variant", "outcome"}),

		streamOpen: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "media_stream_open_seconds",
			Help:      "Time to resolve a media reference and receive upstream headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		streamedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_bytes_streamed_total",
			Help:      "Bytes relayed from the NAS to clients.",
		}),

		uploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded to the NAS and confirmed.",
		}),

		cleanupRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Orphan cleanup runs by result.",
		}, []string{"result"}),

		orphansDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_orphans_deleted_total",
			Help:      "Orphan folders deleted.",
		}),

		orphansFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_orphans_failed_total",
			Help:      "Orphan folders whose deletion failed.",
		}),

		cleanupLastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cleanup_last_run_timestamp_seconds",
			Help:      "Unix time the last cleanup run finished.",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLogin matches nas.SessionManagerOptions.OnLogin.
func (m *Metrics) ObserveLogin(family nas.Family, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	m.logins.WithLabelValues(family.String(), result).Inc()
}

// ObserveStream implements proxy.Observer.
func (m *Metrics) ObserveStream(kind, variant, outcome string, elapsed time.Duration) {
	m.streams.WithLabelValues(kind, variant, outcome).Inc()
	m.streamOpen.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// AddStreamedBytes counts bytes relayed to a client.
func (m *Metrics) AddStreamedBytes(n int64) {
	if n > 0 {
		m.streamedBytes.Add(float64(n))
	}
}

// AddUploadedBytes counts confirmed upload bytes.
func (m *Metrics) AddUploadedBytes(n int64) {
	if n > 0 {
		m.uploadedBytes.Add(float64(n))
	}
}

// ObserveCleanup implements gateway.CleanupObserver.
func (m *Metrics) ObserveCleanup(plan *reconcile.Plan, err error, _ time.Duration) {
	switch {
	case err != nil:
		m.cleanupRuns.WithLabelValues("error").Inc()
		return
	case plan.DryRun:
		m.cleanupRuns.WithLabelValues("dry_run").Inc()
	case len(plan.Failed) > 0:
		m.cleanupRuns.WithLabelValues("partial").Inc()
	default:
		m.cleanupRuns.WithLabelValues("ok").Inc()
	}

	m.orphansDeleted.Add(float64(len(plan.Deleted)))
	m.orphansFailed.Add(float64(len(plan.Failed)))
	m.cleanupLastRun.Set(float64(plan.FinishedAt.Unix()))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}

	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
