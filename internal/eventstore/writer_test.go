package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// fakeSink records every batch it receives; failEventsLeft makes the next N
// WriteEvents calls fail, to exercise the retry path.
type fakeSink struct {
	mu             sync.Mutex
	eventBatches   [][]EventRow
	deliveryBatches [][]DeliveryRow
	failEventsLeft int
	closed         bool
}

func (f *fakeSink) WriteEvents(ctx context.Context, rows []EventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEventsLeft > 0 {
		f.failEventsLeft--
		return errors.New("simulated flush failure")
	}
	cp := make([]EventRow, len(rows))
	copy(cp, rows)
	f.eventBatches = append(f.eventBatches, cp)
	return nil
}

func (f *fakeSink) WriteDeliveries(ctx context.Context, rows []DeliveryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]DeliveryRow, len(rows))
	copy(cp, rows)
	f.deliveryBatches = append(f.deliveryBatches, cp)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) totalEvents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.eventBatches {
		n += len(b)
	}
	return n
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchTimeout = time.Hour // effectively disabled for this test

	w := New(cfg, sink, observability.NewNoopLogger(), observability.NewNoopMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		if err := w.AddEvent(context.Background(), EventRow{ID: "e" + string(rune('0'+i))}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.totalEvents() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.totalEvents(); got != 3 {
		t.Fatalf("expected 3 events flushed by size trigger, got %d", got)
	}

	cancel()
	w.Stop()
}

func TestWriter_FlushesOnTimeout(t *testing.T) {
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.BatchSize = 1000
	cfg.BatchTimeout = 20 * time.Millisecond

	w := New(cfg, sink, observability.NewNoopLogger(), observability.NewNoopMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	if err := w.AddEvent(context.Background(), EventRow{ID: "only-one"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.totalEvents() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.totalEvents(); got != 1 {
		t.Fatalf("expected the single buffered row to flush on timeout, got %d", got)
	}

	cancel()
	w.Stop()
}

func TestWriter_RetriesTransientFlushFailures(t *testing.T) {
	sink := &fakeSink{failEventsLeft: 2}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.BatchTimeout = time.Hour
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetries = 5

	w := New(cfg, sink, observability.NewNoopLogger(), observability.NewNoopMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	if err := w.AddEvent(context.Background(), EventRow{ID: "retried"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.totalEvents() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.totalEvents(); got != 1 {
		t.Fatalf("expected the row to eventually succeed after 2 transient failures, got %d", got)
	}

	cancel()
	w.Stop()
}

func TestWriter_StopDrainsBufferedRows(t *testing.T) {
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.BatchSize = 1000
	cfg.BatchTimeout = time.Hour // never fires on its own

	w := New(cfg, sink, observability.NewNoopLogger(), observability.NewNoopMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	if err := w.AddEvent(context.Background(), EventRow{ID: "drained-on-stop"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Give the worker a moment to pull the row into its local batch before
	// we cancel, exercising the ctx.Done() flush-remaining path too.
	time.Sleep(10 * time.Millisecond)

	cancel()
	w.Stop()

	if got := sink.totalEvents(); got != 1 {
		t.Fatalf("expected Stop to flush the one buffered row, got %d", got)
	}
	if !sink.closed {
		t.Fatal("expected Stop to close the sink")
	}
}
