// Package eventstore implements C3: a buffered, size+time-triggered batch
// writer for the `events` and `deliveries` ClickHouse tables (§4.6, §6).
//
// Grounded on the analytics-ingestion reference pipeline's Pipeline type
// (channel-per-record-type, one flush goroutine per type batching by
// size-or-time, retry-with-backoff on flush failure) — generalized from
// three record types to this domain's two (events, deliveries), and with
// the hand-rolled `time.Sleep(delay * 1<<attempt)` retry replaced by
// `cenkalti/backoff/v4`, the teacher's own retry library.
package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// EventRow is one row of the `events` table (§6).
type EventRow struct {
	ID              string
	EndpointID      string
	ApplicationID   string
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       [32]byte
	TxHash          [32]byte
	LogIndex        uint32
	ContractAddress [20]byte
	Topics          [][32]byte
	Data            []byte
	IngestedAt      time.Time
	ProcessedAt     time.Time
}

// DeliveryRow is one row of the `deliveries` table (§6).
type DeliveryRow struct {
	ID           string
	EventID      string
	EndpointID   string
	Attempt      uint32
	HTTPStatus   int
	ErrorMessage string
	DeliveredAt  time.Time
	NextRetryAt  time.Time
}

// Sink is the destination for event-store rows: ClickHouse in production,
// a log/no-op sink in development.
type Sink interface {
	WriteEvents(ctx context.Context, rows []EventRow) error
	WriteDeliveries(ctx context.Context, rows []DeliveryRow) error
	Close() error
}

// Config controls batching and backpressure, per §4.6's defaults.
type Config struct {
	BatchSize       int           // default 1000
	BatchTimeout    time.Duration // default 1s
	FlushDeadline   time.Duration // default 30s
	MaxRetries      int           // default 3
	RetryBaseDelay  time.Duration // default 500ms
	MaxBufferedRows int           // default 100000
}

// DefaultConfig returns §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       1000,
		BatchTimeout:    time.Second,
		FlushDeadline:   30 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  500 * time.Millisecond,
		MaxBufferedRows: 100000,
	}
}

// Writer is C3: AddEvent/AddDelivery enqueue onto bounded buffered
// channels; one flush goroutine per table batches by size-or-time.
type Writer struct {
	cfg     Config
	sink    Sink
	logger  observability.Logger
	metrics observability.MetricsClient

	eventCh    chan EventRow
	deliveryCh chan DeliveryRow

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu               sync.Mutex
	eventsWritten    int64
	deliveriesWritten int64
	flushErrors      int64
}

// New creates a Writer. Call Start to launch its flush goroutines.
func New(cfg Config, sink Sink, logger observability.Logger, metrics observability.MetricsClient) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.FlushDeadline <= 0 {
		cfg.FlushDeadline = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxBufferedRows <= 0 {
		cfg.MaxBufferedRows = 100000
	}

	return &Writer{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		metrics:    metrics,
		eventCh:    make(chan EventRow, cfg.MaxBufferedRows),
		deliveryCh: make(chan DeliveryRow, cfg.MaxBufferedRows),
	}
}

// Start launches the event and delivery flush goroutines.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.eventWorker(ctx)
	go w.deliveryWorker(ctx)
}

// Stop signals shutdown, waits for in-flight flushes to settle, and
// performs a final drain of anything left buffered, per §5's shutdown
// policy ("flush the event-store writer" before process exit).
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.drainEvents()
	w.drainDeliveries()
	if err := w.sink.Close(); err != nil {
		w.logger.Warn("eventstore: error closing sink", map[string]interface{}{"error": err.Error()})
	}
}

// AddEvent enqueues an event row. Blocks (applying backpressure, per §4.6)
// if the buffer is at MaxBufferedRows, until ctx is done.
func (w *Writer) AddEvent(ctx context.Context, row EventRow) error {
	if row.IngestedAt.IsZero() {
		row.IngestedAt = time.Now().UTC()
	}
	select {
	case w.eventCh <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddDelivery enqueues a delivery row, with the same backpressure policy
// as AddEvent.
func (w *Writer) AddDelivery(ctx context.Context, row DeliveryRow) error {
	if row.DeliveredAt.IsZero() {
		row.DeliveredAt = time.Now().UTC()
	}
	select {
	case w.deliveryCh <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) eventWorker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]EventRow, 0, w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				w.flushEvents(batch)
			}
			return
		case row := <-w.eventCh:
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchSize {
				w.flushEvents(batch)
				batch = make([]EventRow, 0, w.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushEvents(batch)
				batch = make([]EventRow, 0, w.cfg.BatchSize)
			}
		}
	}
}

func (w *Writer) deliveryWorker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]DeliveryRow, 0, w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				w.flushDeliveries(batch)
			}
			return
		case row := <-w.deliveryCh:
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchSize {
				w.flushDeliveries(batch)
				batch = make([]DeliveryRow, 0, w.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushDeliveries(batch)
				batch = make([]DeliveryRow, 0, w.cfg.BatchSize)
			}
		}
	}
}

func (w *Writer) flushEvents(batch []EventRow) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushDeadline)
	defer cancel()

	bo := w.retryPolicy(ctx)
	err := backoff.Retry(func() error {
		return w.sink.WriteEvents(ctx, batch)
	}, bo)

	if err != nil {
		w.mu.Lock()
		w.flushErrors++
		w.mu.Unlock()
		w.logger.Error("eventstore: event batch dropped after retries", map[string]interface{}{
			"batch_size": len(batch), "error": err.Error(),
		})
		if w.metrics != nil {
			w.metrics.IncrementCounter("eventstore_flush_errors_total", 1)
		}
		return
	}

	w.mu.Lock()
	w.eventsWritten += int64(len(batch))
	w.mu.Unlock()
}

func (w *Writer) flushDeliveries(batch []DeliveryRow) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushDeadline)
	defer cancel()

	bo := w.retryPolicy(ctx)
	err := backoff.Retry(func() error {
		return w.sink.WriteDeliveries(ctx, batch)
	}, bo)

	if err != nil {
		w.mu.Lock()
		w.flushErrors++
		w.mu.Unlock()
		w.logger.Error("eventstore: delivery batch dropped after retries", map[string]interface{}{
			"batch_size": len(batch), "error": err.Error(),
		})
		if w.metrics != nil {
			w.metrics.IncrementCounter("eventstore_flush_errors_total", 1)
		}
		return
	}

	w.mu.Lock()
	w.deliveriesWritten += int64(len(batch))
	w.mu.Unlock()
}

func (w *Writer) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.RetryBaseDelay
	eb.MaxElapsedTime = 0 // bounded by ctx + WithMaxRetries instead
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxRetries)), ctx)
}

func (w *Writer) drainEvents() {
	for {
		select {
		case row := <-w.eventCh:
			w.flushEvents([]EventRow{row})
		default:
			return
		}
	}
}

func (w *Writer) drainDeliveries() {
	for {
		select {
		case row := <-w.deliveryCh:
			w.flushDeliveries([]DeliveryRow{row})
		default:
			return
		}
	}
}

// Stats reports cumulative counters, used by health/metrics endpoints.
type Stats struct {
	EventsWritten     int64
	DeliveriesWritten int64
	FlushErrors       int64
	EventBufferLen    int
	DeliveryBufferLen int
}

// Stats returns a snapshot of the writer's cumulative counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		EventsWritten:     w.eventsWritten,
		DeliveriesWritten: w.deliveriesWritten,
		FlushErrors:       w.flushErrors,
		EventBufferLen:    len(w.eventCh),
		DeliveryBufferLen: len(w.deliveryCh),
	}
}

// EventRowFromRawLog converts a domain.RawLog into the EventRow shape C5
// persists after matching, per §4.4.
func EventRowFromRawLog(id string, endpointID, applicationID string, log domain.RawLog, processedAt time.Time) EventRow {
	return EventRow{
		ID:              id,
		EndpointID:      endpointID,
		ApplicationID:   applicationID,
		ChainID:         log.ChainID,
		BlockNumber:     log.BlockNumber,
		BlockHash:       log.BlockHash,
		TxHash:          log.TxHash,
		LogIndex:        log.LogIndex,
		ContractAddress: log.ContractAddress,
		Topics:          log.Topics,
		Data:            log.Data,
		ProcessedAt:     processedAt,
	}
}

// DeliveryRowFromRecord converts a domain.DeliveryRecord into the
// DeliveryRow shape C6 persists after each attempt, per §4.5.
func DeliveryRowFromRecord(id, eventID string, rec domain.DeliveryRecord, nextRetryAt time.Time) DeliveryRow {
	errMsg := rec.ErrorKind
	return DeliveryRow{
		ID:           id,
		EventID:      eventID,
		EndpointID:   rec.EndpointID,
		Attempt:      rec.Attempt,
		HTTPStatus:   rec.HTTPStatus,
		ErrorMessage: errMsg,
		DeliveredAt:  rec.FinalizedAt,
		NextRetryAt:  nextRetryAt,
	}
}
