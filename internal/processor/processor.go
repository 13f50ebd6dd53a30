// Package processor implements C5: consumer-group workers on every
// `events:{chain_id}` stream that decode, reorg-check, match against the
// config store, fan out delivery jobs, and persist the event, per §4.4.
//
// Grounded on the teacher's apps/worker/internal/worker/generic_processor.go
// (decode-then-dispatch shape) and worker.go's receive/ack loop, adapted
// from SQS receipt-handle semantics to the bus (C2)'s consumer-group ack
// semantics.
package processor

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipcasj/ethhook-sub004/internal/bus"
	"github.com/ipcasj/ethhook-sub004/internal/configstore"
	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/eventstore"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// Bus is the narrow surface Processor consumes and publishes through.
type Bus interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]bus.Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error)
}

// Config controls the processor's concurrency and fan-out knobs, per
// §4.4's defaults.
type Config struct {
	Workers          int    // default runtime.NumCPU()
	ConsumerGroup    string // default "processor-v1"
	DeliveryShards   int    // default 8
	MaxMatchWarning  int    // default 1e4
	ConsumeBatchSize int64  // default 10
	ConsumeBlock     time.Duration
}

// DefaultConfig returns §4.4's stated defaults (Workers left at 0, meaning
// "caller should default it to runtime.NumCPU()").
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:    "processor-v1",
		DeliveryShards:   8,
		MaxMatchWarning:  10000,
		ConsumeBatchSize: 10,
		ConsumeBlock:     2 * time.Second,
	}
}

// Processor runs N consumer-group workers over one chain's events stream.
type Processor struct {
	chainID uint64
	cfg     Config
	bus     Bus
	store   configstore.Store
	writer  *eventstore.Writer
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.Tracer
}

// New creates a Processor for one chain's `events:{chain_id}` stream.
// tracer may be nil, in which case spans are discarded
// (observability.NewNoopTracer()).
func New(chainID uint64, cfg Config, b Bus, store configstore.Store, writer *eventstore.Writer, logger observability.Logger, metrics observability.MetricsClient, tracer observability.Tracer) *Processor {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "processor-v1"
	}
	if cfg.DeliveryShards <= 0 {
		cfg.DeliveryShards = 8
	}
	if cfg.MaxMatchWarning <= 0 {
		cfg.MaxMatchWarning = 10000
	}
	if cfg.ConsumeBatchSize <= 0 {
		cfg.ConsumeBatchSize = 10
	}
	if cfg.ConsumeBlock <= 0 {
		cfg.ConsumeBlock = 2 * time.Second
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Processor{
		chainID: chainID,
		cfg:     cfg,
		bus:     b,
		store:   store,
		writer:  writer,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Run launches numWorkers consumer goroutines and blocks until ctx is
// cancelled and all workers have drained. It applies no default of its own
// and does not read cfg.Workers; cmd/processor passes runtime.NumCPU() when
// the configured count is zero.
func (p *Processor) Run(ctx context.Context, numWorkers int) error {
	stream := bus.RawLogStream(p.chainID)
	if err := p.bus.EnsureGroup(ctx, stream, p.cfg.ConsumerGroup); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		consumerName := "processor-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, stream, consumerName)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Processor) workerLoop(ctx context.Context, stream, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.bus.Consume(ctx, stream, p.cfg.ConsumerGroup, consumer, p.cfg.ConsumeBatchSize, p.cfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("processor: consume error", map[string]interface{}{"error": err.Error(), "stream": stream})
			continue
		}

		for _, m := range msgs {
			p.handleMessage(ctx, stream, m)
		}
	}
}

// handleMessage implements §4.4 steps 1-6.
func (p *Processor) handleMessage(ctx context.Context, stream string, m bus.Message) {
	ctx, span := p.tracer.StartSpan(ctx, "processor.handle_message")
	defer span.End()
	span.SetAttribute("chain_id", p.chainID)
	span.SetAttribute("message_id", m.ID)

	raw, _, err := bus.DecodeRawLog(m.Fields)
	if err != nil {
		// Step 1: decode failure -> ack (avoid poison-pill loop), log,
		// metric. No event-store entry is written for the dropped record.
		span.RecordError(err)
		p.logger.Warn("processor: decode failure, dropping record", map[string]interface{}{
			"id": m.ID, "error": err.Error(),
		})
		if p.metrics != nil {
			p.metrics.IncrementCounter("processor_decode_errors_total", 1)
		}
		_ = p.bus.Ack(ctx, stream, p.cfg.ConsumerGroup, m.ID)
		return
	}

	if raw.Removed {
		// Step 2: reorg policy -> ack and skip, no delivery.
		_ = p.bus.Ack(ctx, stream, p.cfg.ConsumerGroup, m.ID)
		return
	}

	endpoints, err := p.store.EndpointsMatching(ctx, raw.ChainID, raw.ContractAddress)
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("processor: config store lookup failed, will redeliver", map[string]interface{}{
			"id": m.ID, "error": err.Error(),
		})
		return // do NOT ack; let the bus redeliver, per §4.4 step 6
	}

	matched := p.filterByTopic0(endpoints, raw)
	span.SetAttribute("matched_endpoints", len(matched))
	if len(matched) > p.cfg.MaxMatchWarning {
		p.logger.Warn("processor: match set exceeds warning threshold", map[string]interface{}{
			"count": len(matched), "threshold": p.cfg.MaxMatchWarning, "chain_id": raw.ChainID,
		})
	}

	fingerprint := fingerprintOf(raw)
	if err := p.fanOut(ctx, fingerprint, raw, matched); err != nil {
		span.RecordError(err)
		p.logger.Warn("processor: fan-out publish failed, will redeliver", map[string]interface{}{
			"id": m.ID, "error": err.Error(),
		})
		return // do NOT ack on partial fan-out failure
	}

	p.persistEvent(ctx, m.ID, raw, matched)

	_ = p.bus.Ack(ctx, stream, p.cfg.ConsumerGroup, m.ID)
}

// persistEvent implements §4.4 step 5: the events table carries an
// endpoint_id column (§6), so one row is written per matched endpoint; the
// zero-match edge case still persists a single row with an empty
// endpoint_id, so the raw log is never silently un-recorded.
func (p *Processor) persistEvent(ctx context.Context, msgID string, raw domain.RawLog, matched []domain.Endpoint) {
	now := time.Now().UTC()
	if len(matched) == 0 {
		eventID := uuid.NewString()
		if err := p.writer.AddEvent(ctx, eventstore.EventRowFromRawLog(eventID, "", "", raw, now)); err != nil {
			p.logger.Warn("processor: event-store enqueue failed", map[string]interface{}{"id": msgID, "error": err.Error()})
		}
		return
	}
	for _, e := range matched {
		eventID := uuid.NewString()
		if err := p.writer.AddEvent(ctx, eventstore.EventRowFromRawLog(eventID, e.EndpointID, e.ApplicationID, raw, now)); err != nil {
			p.logger.Warn("processor: event-store enqueue failed", map[string]interface{}{"id": msgID, "error": err.Error()})
		}
	}
}

// filterByTopic0 implements §4.4 step 3: topic0-only matching by default
// (Endpoint.MatchAllTopics is an inert knob reserved for a future
// extension, per DESIGN.md's Open Question resolution).
func (p *Processor) filterByTopic0(endpoints []domain.Endpoint, raw domain.RawLog) []domain.Endpoint {
	topic0 := raw.Topic0()
	out := make([]domain.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if !e.MatchesTopic0(topic0) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// fanOut emits one DeliveryJob per matched endpoint to its shard stream.
// It returns the first publish error encountered; the caller must not ack
// the source record in that case, per §4.4 step 6.
func (p *Processor) fanOut(ctx context.Context, fingerprint string, raw domain.RawLog, endpoints []domain.Endpoint) error {
	now := time.Now().UTC()
	for _, e := range endpoints {
		job := domain.DeliveryJob{
			JobID:            uuid.NewString(),
			EventFingerprint: fingerprint,
			EndpointID:       e.EndpointID,
			Attempt:          1,
			Payload:          raw,
			NotBefore:        now,
		}
		shard := ShardFor(e.EndpointID, p.cfg.DeliveryShards)
		if _, err := p.bus.Publish(ctx, bus.DeliveryStream(shard), bus.EncodeDeliveryJob(job)); err != nil {
			return err
		}
	}
	return nil
}

// ShardFor computes `shard = fnv32(endpoint_id) % S`, per §4.4 step 4.
func ShardFor(endpointID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpointID))
	return int(h.Sum32() % uint32(shards))
}

// fingerprintOf derives the event_fingerprint used for downstream
// idempotency in C6, per §4.5: the log's stable identity tuple.
func fingerprintOf(raw domain.RawLog) string {
	id := raw.Identity()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(
		strconv.FormatUint(id.ChainID, 10)+":"+
			string(id.BlockHash[:])+":"+string(id.TxHash[:])+":"+
			strconv.FormatUint(uint64(id.LogIndex), 10),
	)).String()
}
