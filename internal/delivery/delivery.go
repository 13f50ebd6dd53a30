// Package delivery implements C6: consumer-group workers across all
// `deliveries:{shard}` streams, applying pre-deliver checks, HMAC-signed
// HTTP delivery, response classification, and retry scheduling, per §4.5.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipcasj/ethhook-sub004/internal/bus"
	"github.com/ipcasj/ethhook-sub004/internal/circuitbreaker"
	"github.com/ipcasj/ethhook-sub004/internal/configstore"
	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/eventstore"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
	"github.com/ipcasj/ethhook-sub004/internal/ratelimit"
)

// Bus is the narrow surface the delivery worker consumes and republishes
// through.
type Bus interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]bus.Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error)
}

// HTTPDoer is the narrow HTTP surface the delivery worker needs, so tests
// can inject a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the delivery worker's timing, concurrency, and pool
// knobs, per §4.5's defaults.
type Config struct {
	ConsumerGroup    string // default "delivery-v1"
	WorkersPerShard  int    // default 4
	Shards           int    // default 8
	RequestTimeout   time.Duration
	MaxRedirects     int
	DefaultRateLimit int // per-minute, used when an endpoint has none configured
	ConsumeBatchSize int64
	ConsumeBlock     time.Duration
	Retry            RetryConfig
	Breaker          circuitbreaker.Config
}

// DefaultConfig returns §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:    "delivery-v1",
		WorkersPerShard:  4,
		Shards:           8,
		RequestTimeout:   30 * time.Second,
		MaxRedirects:     3,
		DefaultRateLimit: 600,
		ConsumeBatchSize: 10,
		ConsumeBlock:     2 * time.Second,
		Retry:            DefaultRetryConfig(),
		Breaker:          circuitbreaker.DefaultConfig(),
	}
}

// Worker runs M consumer-group workers per shard across every
// `deliveries:{shard}` stream.
type Worker struct {
	cfg      Config
	bus      Bus
	store    configstore.Store
	writer   *eventstore.Writer
	breakers *circuitbreaker.Manager
	limiter  *ratelimit.Limiter
	http     HTTPDoer
	logger   observability.Logger
	metrics  observability.MetricsClient
	tracer   observability.Tracer
}

// New creates a delivery Worker. tracer may be nil, in which case spans are
// discarded (observability.NewNoopTracer()).
func New(cfg Config, b Bus, store configstore.Store, writer *eventstore.Writer, httpClient HTTPDoer, logger observability.Logger, metrics observability.MetricsClient, tracer observability.Tracer) *Worker {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "delivery-v1"
	}
	if cfg.WorkersPerShard <= 0 {
		cfg.WorkersPerShard = 4
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 3
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

	return &Worker{
		cfg:      cfg,
		bus:      b,
		store:    store,
		writer:   writer,
		breakers: circuitbreaker.NewManager(cfg.Breaker, logger, metrics),
		limiter:  ratelimit.New(time.Hour),
		http:     httpClient,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Run launches WorkersPerShard consumer goroutines for every shard and
// blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for shard := 0; shard < w.cfg.Shards; shard++ {
		stream := bus.DeliveryStream(shard)
		if err := w.bus.EnsureGroup(ctx, stream, w.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("delivery: ensure group for shard %d: %w", shard, err)
		}
		for i := 0; i < w.cfg.WorkersPerShard; i++ {
			wg.Add(1)
			consumer := fmt.Sprintf("delivery-%d-%d", shard, i)
			go func(stream, consumer string) {
				defer wg.Done()
				w.workerLoop(ctx, stream, consumer)
			}(stream, consumer)
		}
	}
	wg.Wait()
	return nil
}

func (w *Worker) workerLoop(ctx context.Context, stream, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.bus.Consume(ctx, stream, w.cfg.ConsumerGroup, consumer, w.cfg.ConsumeBatchSize, w.cfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("delivery: consume error", map[string]interface{}{"error": err.Error(), "stream": stream})
			continue
		}
		for _, m := range msgs {
			w.handleMessage(ctx, stream, m)
		}
	}
}

// handleMessage implements §4.5 steps 1-4.
func (w *Worker) handleMessage(ctx context.Context, stream string, m bus.Message) {
	job, err := bus.DecodeDeliveryJob(m.Fields)
	if err != nil {
		w.logger.Warn("delivery: decode failure, dropping job", map[string]interface{}{"id": m.ID, "error": err.Error()})
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		return
	}

	now := time.Now()

	// Step 1a: claimed too early.
	if now.Before(job.NotBefore) {
		w.reemit(ctx, job)
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		if w.metrics != nil {
			w.metrics.IncrementCounter("delivery_claimed_early_total", 1)
		}
		return
	}

	// Step 1b: endpoint lookup.
	endpoint, err := w.store.EndpointByID(ctx, job.EndpointID)
	if err != nil {
		w.logger.Warn("delivery: endpoint lookup failed, will redeliver", map[string]interface{}{"id": m.ID, "error": err.Error()})
		return // do not ack; bus will redeliver
	}
	if endpoint == nil || !endpoint.IsActive {
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		return
	}

	// Step 1c: circuit breaker.
	cb := w.breakers.For(job.EndpointID)
	if allowed, retryAt := cb.CanExecute(now); !allowed {
		job.NotBefore = retryAt
		w.reemit(ctx, job)
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		return
	}

	// Rate limit (resolves Open Question 2: enforced client-side).
	rateLimit := endpoint.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = w.cfg.DefaultRateLimit
	}
	if !w.limiter.Allow(job.EndpointID, rateLimit) {
		job.NotBefore = now.Add(ratelimit.Reschedule)
		w.reemit(ctx, job)
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		return
	}

	status, latency, attemptErr := w.attempt(ctx, *endpoint, job)
	outcome := classifyStatus(status)

	rec := domain.DeliveryRecord{
		JobID:       job.JobID,
		EndpointID:  job.EndpointID,
		Attempt:     job.Attempt,
		HTTPStatus:  status,
		LatencyMS:   latency.Milliseconds(),
		FinalizedAt: time.Now().UTC(),
	}
	if attemptErr != nil {
		rec.ErrorKind = attemptErr.Error()
	}

	maxRetries := endpoint.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.Retry.MaxRetries
	}

	switch outcome {
	case OutcomeSuccess:
		rec.Success = true
		cb.RecordSuccess()
		w.persist(ctx, job, rec, time.Time{})
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)

	case OutcomePermanent:
		rec.Success = false
		w.persist(ctx, job, rec, time.Time{})
		_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)

	case OutcomeTransient:
		rec.Success = false
		cb.RecordFailure()
		if int(job.Attempt) < maxRetries {
			delay := retryDelay(w.cfg.Retry, int(job.Attempt))
			nextJob := job
			nextJob.Attempt++
			nextJob.NotBefore = now.Add(delay)
			w.reemit(ctx, nextJob)
			w.persist(ctx, job, rec, nextJob.NotBefore)
			_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		} else {
			w.persist(ctx, job, rec, time.Time{})
			_ = w.bus.Ack(ctx, stream, w.cfg.ConsumerGroup, m.ID)
		}
	}
}

func (w *Worker) reemit(ctx context.Context, job domain.DeliveryJob) {
	shard := shardFor(job.EndpointID, w.cfg.Shards)
	if _, err := w.bus.Publish(ctx, bus.DeliveryStream(shard), bus.EncodeDeliveryJob(job)); err != nil {
		w.logger.Error("delivery: failed to re-emit job", map[string]interface{}{
			"job_id": job.JobID, "endpoint_id": job.EndpointID, "error": err.Error(),
		})
	}
}

func (w *Worker) persist(ctx context.Context, job domain.DeliveryJob, rec domain.DeliveryRecord, nextRetryAt time.Time) {
	row := eventstore.DeliveryRowFromRecord(uuid.NewString(), job.EventFingerprint, rec, nextRetryAt)
	if err := w.writer.AddDelivery(ctx, row); err != nil {
		w.logger.Warn("delivery: event-store enqueue failed", map[string]interface{}{"job_id": job.JobID, "error": err.Error()})
	}
}

// requestBody is the canonical JSON body of §4.5 step 2.
type requestBody struct {
	ChainID         uint64   `json:"chain_id"`
	BlockNumber     uint64   `json:"block_number"`
	BlockHash       string   `json:"block_hash"`
	TxHash          string   `json:"tx_hash"`
	LogIndex        uint32   `json:"log_index"`
	ContractAddress string   `json:"contract_address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	Removed         bool     `json:"removed"`
	EndpointID      string   `json:"endpoint_id"`
	Attempt         uint32   `json:"attempt"`
	Timestamp       int64    `json:"timestamp"`
	EventID         string   `json:"event_id"`
}

// attempt builds and sends one HTTP POST per §4.5 steps 2-3, returning the
// response status (0 on transport error/timeout), latency, and error.
func (w *Worker) attempt(ctx context.Context, endpoint domain.Endpoint, job domain.DeliveryJob) (int, time.Duration, error) {
	ctx, span := w.tracer.StartSpan(ctx, "delivery.attempt")
	defer span.End()
	span.SetAttribute("endpoint_id", job.EndpointID)
	span.SetAttribute("job_id", job.JobID)
	span.SetAttribute("attempt", job.Attempt)

	body := buildBody(job)
	payload, err := json.Marshal(body)
	if err != nil {
		err = fmt.Errorf("delivery: marshal body: %w", err)
		span.RecordError(err)
		return 0, 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		err = fmt.Errorf("delivery: build request: %w", err)
		span.RecordError(err)
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EthHook-Signature", signBody(payload, endpoint.HMACSecret))
	req.Header.Set("X-EthHook-Delivery-Attempt", strconv.FormatUint(uint64(job.Attempt), 10))
	req.Header.Set("X-EthHook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("User-Agent", "EthHook-Delivery/1")

	start := time.Now()
	resp, err := w.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		return 0, latency, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	span.SetAttribute("http_status", resp.StatusCode)
	span.AddEvent("response_received", map[string]interface{}{"status": resp.StatusCode, "latency_ms": latency.Milliseconds()})

	return resp.StatusCode, latency, nil
}

func buildBody(job domain.DeliveryJob) requestBody {
	topics := make([]string, len(job.Payload.Topics))
	for i, t := range job.Payload.Topics {
		topics[i] = fmt.Sprintf("0x%x", t)
	}
	return requestBody{
		ChainID:         job.Payload.ChainID,
		BlockNumber:     job.Payload.BlockNumber,
		BlockHash:       fmt.Sprintf("0x%x", job.Payload.BlockHash),
		TxHash:          fmt.Sprintf("0x%x", job.Payload.TxHash),
		LogIndex:        job.Payload.LogIndex,
		ContractAddress: fmt.Sprintf("0x%x", job.Payload.ContractAddress),
		Topics:          topics,
		Data:            fmt.Sprintf("0x%x", job.Payload.Data),
		Removed:         job.Payload.Removed,
		EndpointID:      job.EndpointID,
		Attempt:         job.Attempt,
		Timestamp:       time.Now().Unix(),
		EventID:         job.EventFingerprint,
	}
}

// shardFor mirrors C5's fnv32(endpoint_id) % S scheme (§4.4 step 4), so a
// re-emitted job lands back on the shard its endpoint is pinned to.
func shardFor(endpointID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpointID))
	return int(h.Sum32() % uint32(shards))
}
