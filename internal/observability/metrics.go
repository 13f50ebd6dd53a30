package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics backs MetricsClient with a dedicated registry so that
// cmd/ingestor, cmd/processor, and cmd/delivery each expose an independent
// /metrics endpoint without colliding on metric names.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	namespace  string
	counters   *prometheus.CounterVec
	gauges     *prometheus.GaugeVec
	histograms *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a MetricsClient registered under namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Generic counter surface, labeled by metric name.",
	}, []string{"metric", "label_set"})

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gauge_value",
		Help:      "Generic gauge surface, labeled by metric name.",
	}, []string{"metric", "label_set"})

	histograms := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "duration_seconds",
		Help:      "Generic duration/histogram surface, labeled by metric name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"metric", "label_set"})

	registry.MustRegister(counters, gauges, histograms)

	return &PrometheusMetrics{
		registry:   registry,
		namespace:  namespace,
		counters:   counters,
		gauges:     gauges,
		histograms: histograms,
	}
}

// Registry exposes the underlying registry for an HTTP /metrics handler.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

func labelSetKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	out := ""
	for k, v := range labels {
		out += k + "=" + v + ";"
	}
	return out
}

func (m *PrometheusMetrics) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

func (m *PrometheusMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.counters.WithLabelValues(name, labelSetKey(labels)).Add(value)
}

func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.gauges.WithLabelValues(name, labelSetKey(labels)).Set(value)
}

func (m *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	m.histograms.WithLabelValues(name, labelSetKey(labels)).Observe(value)
}

func (m *PrometheusMetrics) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), nil)
}

func (m *PrometheusMetrics) Close() error { return nil }

// NoopMetrics discards everything; used by tests and by components run
// without an observability backend configured.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics { return &NoopMetrics{} }

func (m *NoopMetrics) IncrementCounter(string, float64)                          {}
func (m *NoopMetrics) IncrementCounterWithLabels(string, float64, map[string]string) {}
func (m *NoopMetrics) RecordGauge(string, float64, map[string]string)            {}
func (m *NoopMetrics) RecordHistogram(string, float64, map[string]string)        {}
func (m *NoopMetrics) RecordDuration(string, time.Duration)                      {}
func (m *NoopMetrics) Close() error                                              { return nil }
