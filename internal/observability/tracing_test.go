package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNoopTracer_NeverPanics(t *testing.T) {
	tr := NewNoopTracer()
	ctx, span := tr.StartSpan(context.Background(), "op")
	if ctx == nil {
		t.Fatal("expected a non-nil context back from StartSpan")
	}
	span.SetAttribute("endpoint_id", "ep-1")
	span.AddEvent("retrying", map[string]interface{}{"attempt": 2})
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestNewTracer_DisabledReturnsNoop(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tracer.(*NoopTracer); !ok {
		t.Fatalf("expected a *NoopTracer when tracing is disabled, got %T", tracer)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown must never error: %v", err)
	}
}
