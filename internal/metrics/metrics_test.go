package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup(true)
		m.Invalidated(3, 1)
		m.Cached(4)
		m.ObserveAnalogy(time.Millisecond)
		m.Buffered()
		m.ObserveFlush(2, time.Millisecond, nil)
		m.ObserveANN(10)
		m.ObserveCalibration(1, 2, 3, 0.5, time.Second, nil)
		m.ObserveRequest("GET", "/api/stats", 200, time.Millisecond)
	})
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheLookup(true)
	m.CacheLookup(true)
	m.CacheLookup(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignatureCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignatureCache.WithLabelValues("miss")))

	m.ObserveFlush(5, time.Millisecond, nil)
	m.ObserveFlush(7, time.Millisecond, errors.New("disk full"))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.FlushedNodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("error")))

	m.ObserveCalibration(10, 2, 1, 0.25, time.Millisecond, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CalibrationNodes.WithLabelValues("pruned")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.CognitiveEntropy))
}

func TestNewWithoutRegistererDoesNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
