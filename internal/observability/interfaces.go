// Package observability provides the logging and metrics surface shared by
// the ingestor, processor, and delivery processes.
package observability

import (
	"context"
	"time"
)

// Logger is the field-based logging interface every package in this module
// takes as a constructor argument.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// LogLevel is the minimum severity a Logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// MetricsClient is the metrics surface used by the circuit breaker, rate
// limiter, and the three pipeline stages. Trimmed to what this pipeline
// actually emits.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration)
	Close() error
}

// Span is a single traced unit of work, trimmed from the teacher's
// pkg/observability.Span to the handful of methods C5/C6 actually call.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	AddEvent(name string, attributes map[string]interface{})
	RecordError(err error)
}

// Tracer starts Spans. NewNoopTracer satisfies it without a collector
// configured; NewTracer backs it with a real OpenTelemetry exporter.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}
