package observability

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record method is safe to call
// on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	// Access check metrics
	ChecksTotal   *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec

	// Decision cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheErrorsTotal *prometheus.CounterVec
	CacheDegraded    prometheus.Gauge

	// Mutation metrics
	MutationsTotal   *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec

	// Audit metrics
	AuditFailuresTotal *prometheus.CounterVec

	// Background job metrics
	ExpiredAssignmentsTotal prometheus.Counter
	JobRunsTotal            *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge

	otel *OTelMetrics
}

// WithOTel forwards check, mutation, cache error and expiry metrics to o as
// well.
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	m.otel = o
	return m
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_checks_total",
				Help: "Total number of access checks",
			},
			[]string{"outcome", "source"},
		),
		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_check_duration_seconds",
				Help:    "Access check duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9),
			},
			[]string{"source"},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_cache_hits_total",
				Help: "Total number of decision cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_cache_misses_total",
				Help: "Total number of decision cache misses",
			},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_cache_errors_total",
				Help: "Total number of decision cache errors",
			},
			[]string{"operation"},
		),
		CacheDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_cache_degraded",
				Help: "1 while the decision cache is bypassed after an error",
			},
		),

		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_mutations_total",
				Help: "Total number of role, permission and assignment mutations",
			},
			[]string{"operation", "result"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_mutation_duration_seconds",
				Help:    "Mutation duration in seconds, including lock wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		AuditFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_audit_failures_total",
				Help: "Total number of failed audit writes",
			},
			[]string{"kind"},
		),

		ExpiredAssignmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_expired_assignments_total",
				Help: "Total number of assignments stamped by the expiry sweep",
			},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_job_runs_total",
				Help: "Total number of scheduled job runs",
			},
			[]string{"job", "status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.ChecksTotal,
		m.CheckDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.CacheDegraded,
		m.MutationsTotal,
		m.MutationDuration,
		m.AuditFailuresTotal,
		m.ExpiredAssignmentsTotal,
		m.JobRunsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// RecordCheck counts an access check. source is "cache" or "evaluator".
func (m *Metrics) RecordCheck(allowed bool, source string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.ChecksTotal.WithLabelValues(outcome, source).Inc()
	m.CheckDuration.WithLabelValues(source).Observe(duration.Seconds())
	if m.otel != nil {
		m.otel.recordCheck(context.Background(), outcome, source, duration)
	}
}

// RecordCacheHit counts a decision cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss counts a decision cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheError counts a failed cache operation
func (m *Metrics) RecordCacheError(operation string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(operation).Inc()
	if m.otel != nil {
		m.otel.recordCacheError(context.Background(), operation)
	}
}

// SetCacheDegraded flags whether the cache is currently bypassed
func (m *Metrics) SetCacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.CacheDegraded.Set(1)
	} else {
		m.CacheDegraded.Set(0)
	}
}

// RecordMutation counts a mutation. result is "success", "rejected" or "error".
func (m *Metrics) RecordMutation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, result).Inc()
	m.MutationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if m.otel != nil {
		m.otel.recordMutation(context.Background(), operation, result, duration)
	}
}

// RecordAuditFailure counts a failed audit write. kind is "mutation",
// "decision" or "mirror".
func (m *Metrics) RecordAuditFailure(kind string) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordExpired counts assignments stamped by the expiry sweep
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredAssignmentsTotal.Add(float64(n))
	if m.otel != nil {
		m.otel.recordExpired(context.Background(), n)
	}
}

// RecordJob counts a scheduled job run
func (m *Metrics) RecordJob(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
