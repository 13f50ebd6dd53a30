package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_IncrementCounter(t *testing.T) {
	m := NewPrometheusMetrics("ethhook_test")
	m.IncrementCounterWithLabels("deliveries_attempted", 3, map[string]string{"endpoint": "e1"})

	got := testutil.ToFloat64(m.counters.WithLabelValues("deliveries_attempted", labelSetKey(map[string]string{"endpoint": "e1"})))
	if got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
}

func TestPrometheusMetrics_RecordGauge(t *testing.T) {
	m := NewPrometheusMetrics("ethhook_test_gauge")
	m.RecordGauge("circuit_breaker_state", 1, map[string]string{"endpoint": "e1"})

	got := testutil.ToFloat64(m.gauges.WithLabelValues("circuit_breaker_state", labelSetKey(map[string]string{"endpoint": "e1"})))
	if got != 1 {
		t.Fatalf("expected gauge value 1, got %v", got)
	}
}

func TestPrometheusMetrics_RecordDuration(t *testing.T) {
	m := NewPrometheusMetrics("ethhook_test_duration")
	m.RecordDuration("delivery_latency", 250*time.Millisecond)
}

func TestNoopMetrics_NeverPanics(t *testing.T) {
	m := NewNoopMetrics()
	m.IncrementCounter("x", 1)
	m.IncrementCounterWithLabels("x", 1, map[string]string{"a": "b"})
	m.RecordGauge("x", 1, nil)
	m.RecordHistogram("x", 1, nil)
	m.RecordDuration("x", time.Second)
	if err := m.Close(); err != nil {
		t.Fatalf("noop Close must never error: %v", err)
	}
}
