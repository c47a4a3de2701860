// Package metrics exposes Prometheus collectors for archive operations and
// the HTTP surface. A nil registry yields no-op implementations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ArchiveMetrics records backup and restore outcomes.
type ArchiveMetrics interface {
	// ObserveArchive records one operation ("create" or "restore") with its
	// status ("success", "partial", "failed"), payload size and duration.
	ObserveArchive(op, status string, bytes int64, d time.Duration)
}

// HTTPMetrics records request-level events.
type HTTPMetrics interface {
	ObserveRateLimited(path string)
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type archiveMetrics struct {
	total    *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewArchiveMetrics registers archive collectors on reg.
func NewArchiveMetrics(reg prometheus.Registerer) ArchiveMetrics {
	if reg == nil {
		return noop{}
	}
	return &archiveMetrics{
		total: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ender_archive_operations_total",
			Help: "Archive operations by kind and outcome",
		}, []string{"op", "status"}),
		bytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ender_archive_bytes_total",
			Help: "Archive bytes produced or consumed",
		}, []string{"op"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ender_archive_duration_seconds",
			Help:    "Duration of archive operations",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"op"}),
	}
}

func (m *archiveMetrics) ObserveArchive(op, status string, bytes int64, d time.Duration) {
	m.total.WithLabelValues(op, status).Inc()
	if bytes > 0 {
		m.bytes.WithLabelValues(op).Add(float64(bytes))
	}
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

type httpMetrics struct {
	limited *prometheus.CounterVec
}

// NewHTTPMetrics registers HTTP collectors on reg.
func NewHTTPMetrics(reg prometheus.Registerer) HTTPMetrics {
	if reg == nil {
		return noop{}
	}
	return &httpMetrics{
		limited: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ender_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"path"}),
	}
}

func (m *httpMetrics) ObserveRateLimited(path string) {
	m.limited.WithLabelValues(path).Inc()
}

type noop struct{}

func (noop) ObserveArchive(string, string, int64, time.Duration) {}
func (noop) ObserveRateLimited(string)                         {}
