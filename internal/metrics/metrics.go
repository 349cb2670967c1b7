// Package metrics holds the Prometheus instruments cfgvault records.
//
// Instruments are registered once by Init. Every Record function is safe to
// call before Init and does nothing in that case, so library code can record
// unconditionally.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolveTotal       *prometheus.CounterVec
	resolveDuration    prometheus.Histogram
	valueWritesTotal   *prometheus.CounterVec
	tokenVerifications *prometheus.CounterVec
	backendCallsTotal  *prometheus.CounterVec
	backendDuration    *prometheus.HistogramVec
	auditDroppedTotal  prometheus.Counter

	metricsOnce       sync.Once
	metricsRegistered bool
)

// Init registers the instruments with the default registry.
func Init() {
	metricsOnce.Do(func() {
		resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfgvault_resolve_total",
			Help: "Total number of set resolutions by result",
		}, []string{"result"})

		resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfgvault_resolve_duration_seconds",
			Help:    "Duration of set resolutions",
			Buckets: prometheus.DefBuckets,
		})

		valueWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfgvault_value_writes_total",
			Help: "Total number of value writes by operation and result",
		}, []string{"op", "result"})

		tokenVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfgvault_token_verifications_total",
			Help: "Total number of access token verifications by result",
		}, []string{"result"})

		backendCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfgvault_backend_calls_total",
			Help: "Total number of external backend calls",
		}, []string{"backend", "op", "result"})

		backendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfgvault_backend_call_duration_seconds",
			Help:    "Duration of external backend calls including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend", "op"})

		auditDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfgvault_audit_events_dropped_total",
			Help: "Total number of audit events a sink failed to deliver",
		})

		metricsRegistered = true
	})
}

// Registered reports whether Init has run.
func Registered() bool {
	return metricsRegistered
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordResolve records one resolve call.
func RecordResolve(err error, elapsed time.Duration) {
	if !metricsRegistered {
		return
	}
	resolveTotal.WithLabelValues(result(err)).Inc()
	resolveDuration.Observe(elapsed.Seconds())
}

// RecordValueWrite records a put, delete or import entry.
func RecordValueWrite(op string, err error) {
	if !metricsRegistered {
		return
	}
	valueWritesTotal.WithLabelValues(op, result(err)).Inc()
}

// RecordTokenVerification records a verification outcome such as
// "valid", "invalid", "expired", "revoked" or "scope".
func RecordTokenVerification(outcome string) {
	if !metricsRegistered {
		return
	}
	tokenVerifications.WithLabelValues(outcome).Inc()
}

// RecordBackendCall records one logical backend call.
func RecordBackendCall(backend, op string, err error, elapsed time.Duration) {
	if !metricsRegistered {
		return
	}
	backendCallsTotal.WithLabelValues(backend, op, result(err)).Inc()
	backendDuration.WithLabelValues(backend, op).Observe(elapsed.Seconds())
}

// RecordAuditDropped counts an audit event that could not be delivered.
func RecordAuditDropped() {
	if !metricsRegistered {
		return
	}
	auditDroppedTotal.Inc()
}

// ValueWrites returns the write counter for tests. Nil before Init.
func ValueWrites() *prometheus.CounterVec {
	return valueWritesTotal
}

// BackendCalls returns the backend counter for tests. Nil before Init.
func BackendCalls() *prometheus.CounterVec {
	return backendCallsTotal
}
