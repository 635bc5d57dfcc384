// Package metrics exposes Prometheus instrumentation for the object
// sources, cache, and synchronization engine.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics.
type Metrics struct {
	sourceOperationsTotal   *prometheus.CounterVec
	sourceOperationDuration *prometheus.HistogramVec
	sourceOperationErrors   *prometheus.CounterVec

	cryptoOperations *prometheus.CounterVec
	cryptoDuration   *prometheus.HistogramVec
	cryptoErrors     *prometheus.CounterVec
	cryptoBytes      *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheBytes  *prometheus.GaugeVec

	syncObjectsCopied *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	syncErrors        *prometheus.CounterVec

	openSessions     prometheus.Gauge
	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a metrics instance registered on the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a metrics instance on a custom
// registry, which tests use to avoid registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sourceOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "source_operations_total",
				Help: "Total number of object source operations",
			},
			[]string{"operation", "source"},
		),
		sourceOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "source_operation_duration_seconds",
				Help:    "Object source operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "source"},
		),
		sourceOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "source_operation_errors_total",
				Help: "Total number of object source operation errors",
			},
			[]string{"operation", "source", "error_type"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crypto_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		cryptoBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "object_cache_hits_total",
				Help: "Total number of read-through cache hits",
			},
			[]string{"source"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "object_cache_misses_total",
				Help: "Total number of read-through cache misses",
			},
			[]string{"source"},
		),
		cacheBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "object_cache_bytes",
				Help: "Bytes currently held in the read-through cache",
			},
			[]string{"source"},
		),
		syncObjectsCopied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_objects_copied_total",
				Help: "Total number of objects copied during a push/pull reconciliation",
			},
			[]string{"direction"},
		),
		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_duration_seconds",
				Help:    "push_remote/pull_remote duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		syncErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_errors_total",
				Help: "Total number of push_remote/pull_remote failures",
			},
			[]string{"direction"},
		),
		openSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "open_sessions",
				Help: "Number of sessions currently registered",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordSourceOperation records an object source operation.
func (m *Metrics) RecordSourceOperation(ctx context.Context, operation, source string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.sourceOperationsTotal.WithLabelValues(operation, source).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.sourceOperationsTotal.WithLabelValues(operation, source).Inc()
		}
		if observer, ok := m.sourceOperationDuration.WithLabelValues(operation, source).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.sourceOperationDuration.WithLabelValues(operation, source).Observe(duration.Seconds())
		}
		return
	}
	m.sourceOperationsTotal.WithLabelValues(operation, source).Inc()
	m.sourceOperationDuration.WithLabelValues(operation, source).Observe(duration.Seconds())
}

// RecordSourceError records an object source operation error.
func (m *Metrics) RecordSourceError(operation, source, errorType string) {
	m.sourceOperationErrors.WithLabelValues(operation, source, errorType).Inc()
}

// RecordCryptoOperation records an encryption or decryption operation.
func (m *Metrics) RecordCryptoOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cryptoOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cryptoOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.cryptoDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.cryptoOperations.WithLabelValues(operation).Inc()
		m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
	m.cryptoBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCryptoError records an encryption/decryption error.
func (m *Metrics) RecordCryptoError(operation, errorType string) {
	m.cryptoErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCacheHit records a read-through cache hit for source.
func (m *Metrics) RecordCacheHit(source string) { m.cacheHits.WithLabelValues(source).Inc() }

// RecordCacheMiss records a read-through cache miss for source.
func (m *Metrics) RecordCacheMiss(source string) { m.cacheMisses.WithLabelValues(source).Inc() }

// SetCacheBytes sets the current cache occupancy in bytes for source.
func (m *Metrics) SetCacheBytes(source string, n int64) {
	m.cacheBytes.WithLabelValues(source).Set(float64(n))
}

// RecordSync records a completed push_remote/pull_remote call.
func (m *Metrics) RecordSync(direction string, duration time.Duration, objectsCopied int, err error) {
	m.syncDuration.WithLabelValues(direction).Observe(duration.Seconds())
	m.syncObjectsCopied.WithLabelValues(direction).Add(float64(objectsCopied))
	if err != nil {
		m.syncErrors.WithLabelValues(direction).Inc()
	}
}

// SetOpenSessions sets the number of sessions currently registered.
func (m *Metrics) SetOpenSessions(n int) { m.openSessions.Set(float64(n)) }

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
