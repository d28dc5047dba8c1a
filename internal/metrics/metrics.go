// Package metrics holds the Prometheus collectors shared by the karmagraph
// components. Every method is safe to call on a nil *Metrics, so components
// can run uninstrumented in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "karmagraph"

// Metrics holds all collectors.
type Metrics struct {
	// SignatureCache counts signature cache lookups by result (hit, miss).
	SignatureCache *prometheus.CounterVec
	// SignatureInvalidations counts signatures dropped by mutation hooks.
	SignatureInvalidations prometheus.Counter
	// AnalogySeconds measures findAnalogous latency.
	AnalogySeconds prometheus.Histogram
	// CachedSignatures tracks the signature cache size.
	CachedSignatures prometheus.Gauge

	// BufferedUpdates counts weight deltas accepted into the karma buffer.
	BufferedUpdates prometheus.Counter
	// Flushes counts flushes by status (success, error).
	Flushes *prometheus.CounterVec
	// FlushedNodes counts node weights written by flushes.
	FlushedNodes prometheus.Counter
	// FlushSeconds measures flush latency.
	FlushSeconds prometheus.Histogram
	// ANNCandidates observes the candidate set size of approximate queries.
	ANNCandidates prometheus.Histogram

	// Calibrations counts calibration passes by status (success, error).
	Calibrations *prometheus.CounterVec
	// CalibrationNodes counts calibration outcomes by action (updated, pruned, consolidated).
	CalibrationNodes *prometheus.CounterVec
	// CalibrationSeconds measures calibration latency.
	CalibrationSeconds prometheus.Histogram
	// CognitiveEntropy is the last computed entropy.
	CognitiveEntropy prometheus.Gauge

	// HTTPRequests counts API requests by method, route and status code.
	HTTPRequests *prometheus.CounterVec
	// HTTPSeconds measures API latency by route.
	HTTPSeconds *prometheus.HistogramVec
}

// New registers every collector on reg. A nil reg uses a private registry,
// which keeps repeated construction in tests from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	latency := []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	return &Metrics{
		SignatureCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "signature_cache_total",
			Help: "Signature cache lookups by result.",
		}, []string{"result"}),
		SignatureInvalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "signature_invalidations_total",
			Help: "Signatures invalidated by graph mutations.",
		}),
		AnalogySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "analogy_seconds",
			Help: "Latency of analogy queries.", Buckets: latency,
		}),
		CachedSignatures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder", Name: "cached_signatures",
			Help: "Signatures currently cached.",
		}),
		BufferedUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "buffered_updates_total",
			Help: "Weight deltas accepted into the karma buffer.",
		}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "flushes_total",
			Help: "Karma buffer flushes by status.",
		}, []string{"status"}),
		FlushedNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "flushed_nodes_total",
			Help: "Node weights written by flushes.",
		}),
		FlushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "flush_seconds",
			Help: "Latency of karma buffer flushes.", Buckets: latency,
		}),
		ANNCandidates: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "ann_candidates",
			Help:    "Candidates examined per approximate nearest neighbour query.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Calibrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "temporal", Name: "calibrations_total",
			Help: "Calibration passes by status.",
		}, []string{"status"}),
		CalibrationNodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "temporal", Name: "calibration_nodes_total",
			Help: "Nodes affected by calibration, by action.",
		}, []string{"action"}),
		CalibrationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "temporal", Name: "calibration_seconds",
			Help: "Latency of calibration passes.", Buckets: latency,
		}),
		CognitiveEntropy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "temporal", Name: "cognitive_entropy",
			Help: "One minus the type-partition modularity, clamped to [0,1].",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_seconds",
			Help: "API request latency by route.", Buckets: latency,
		}, []string{"route"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.SignatureCache.WithLabelValues("hit").Inc()
	} else {
		m.SignatureCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) Invalidated(n, remaining int) {
	if m == nil {
		return
	}
	m.SignatureInvalidations.Add(float64(n))
	m.CachedSignatures.Set(float64(remaining))
}

func (m *Metrics) Cached(size int) {
	if m == nil {
		return
	}
	m.CachedSignatures.Set(float64(size))
}

func (m *Metrics) ObserveAnalogy(d time.Duration) {
	if m == nil {
		return
	}
	m.AnalogySeconds.Observe(d.Seconds())
}

func (m *Metrics) Buffered() {
	if m == nil {
		return
	}
	m.BufferedUpdates.Inc()
}

func (m *Metrics) ObserveFlush(applied int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(status(err)).Inc()
	m.FlushSeconds.Observe(d.Seconds())
	if err == nil {
		m.FlushedNodes.Add(float64(applied))
	}
}

func (m *Metrics) ObserveANN(candidates int) {
	if m == nil {
		return
	}
	m.ANNCandidates.Observe(float64(candidates))
}

func (m *Metrics) ObserveCalibration(updated, pruned, consolidated int, entropy float64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Calibrations.WithLabelValues(status(err)).Inc()
	m.CalibrationSeconds.Observe(d.Seconds())
	if err != nil {
		return
	}
	m.CalibrationNodes.WithLabelValues("updated").Add(float64(updated))
	m.CalibrationNodes.WithLabelValues("pruned").Add(float64(pruned))
	m.CalibrationNodes.WithLabelValues("consolidated").Add(float64(consolidated))
	m.CognitiveEntropy.Set(entropy)
}

func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPSeconds.WithLabelValues(route).Observe(d.Seconds())
}
