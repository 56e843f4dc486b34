// Package metrics provides Prometheus instrumentation for the evidence plane.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evidence_plane"

// Seal outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeDenied    = "denied"
	OutcomeNotFound  = "not_found"
	OutcomeInvalid   = "invalid"
	OutcomeTSAError  = "tsa_error"
	OutcomeConflict  = "conflict"
	OutcomeStoreFail = "store_error"
)

// Metrics holds the collectors and the registry they are registered in.
type Metrics struct {
	registry *prometheus.Registry

	SealsTotal         *prometheus.CounterVec
	SealDuration       prometheus.Histogram
	VersionConflicts   prometheus.Counter
	TSARequestsTotal   *prometheus.CounterVec
	TSADuration        *prometheus.HistogramVec
	ExportsTotal       *prometheus.CounterVec
	ExportBytes        prometheus.Histogram
	ArchiveWritesTotal *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		SealsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seals_total",
			Help:      "Seal attempts by outcome.",
		}, []string{"outcome"}),
		SealDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "seal_duration_seconds",
			Help:      "End-to-end duration of successful seals.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Version number races lost at insert time.",
		}),
		TSARequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tsa_requests_total",
			Help:      "Timestamp authority requests by authority and result.",
		}, []string{"tsa", "result"}),
		TSADuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tsa_request_duration_seconds",
			Help:      "Timestamp authority round-trip latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tsa"}),
		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_exports_total",
			Help:      "Evidence bundle exports by result.",
		}, []string{"result"}),
		ExportBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evidence_bundle_bytes",
			Help:      "Size of exported evidence bundles.",
			Buckets:   prometheus.ExponentialBuckets(4096, 4, 10),
		}),
		ArchiveWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Retention copies written by backend and result.",
		}, []string{"backend", "result"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	reg.MustRegister(
		m.SealsTotal,
		m.SealDuration,
		m.VersionConflicts,
		m.TSARequestsTotal,
		m.TSADuration,
		m.ExportsTotal,
		m.ExportBytes,
		m.ArchiveWritesTotal,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveSeal records a seal attempt.
func (m *Metrics) ObserveSeal(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SealsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.SealDuration.Observe(d.Seconds())
	}
}

// ObserveConflict records a lost version-number race.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.VersionConflicts.Inc()
}

// ObserveTSA records a timestamp authority call.
func (m *Metrics) ObserveTSA(tsa string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TSARequestsTotal.WithLabelValues(tsa, result).Inc()
	m.TSADuration.WithLabelValues(tsa).Observe(d.Seconds())
}

// ObserveExport records an export attempt and, on success, the bundle size.
func (m *Metrics) ObserveExport(err error, size int) {
	if m == nil {
		return
	}
	if err != nil {
		m.ExportsTotal.WithLabelValues("error").Inc()
		return
	}
	m.ExportsTotal.WithLabelValues("ok").Inc()
	m.ExportBytes.Observe(float64(size))
}

// ObserveArchive records a retention write.
func (m *Metrics) ObserveArchive(backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ArchiveWritesTotal.WithLabelValues(backend, result).Inc()
}

// ObserveRateLimited records a rejected request.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// ObserveHTTP records a finished HTTP request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
