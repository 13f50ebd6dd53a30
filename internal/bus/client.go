// Package bus implements the C2 bus client: a thin, five-operation wrapper
// over a Redis Streams broker (consumer groups, pending-entry lists,
// claim-on-timeout), per §4.1 of the source specification.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// Config configures the underlying Redis connection. Single-instance only;
// cluster/sentinel addressing is out of this pipeline's scope (the pipeline
// talks to one logical bus, however that bus is actually deployed).
type Config struct {
	Addresses    []string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Message is one record read back from a stream.
type Message struct {
	ID     string
	Fields map[string]interface{}
}

// Client wraps redis.UniversalClient with the five operations §4.1
// requires: Publish, Consume, Ack, Claim, Pending, plus the group-management
// operation EnsureGroup every consumer needs before its first Consume.
type Client struct {
	rdb    redis.UniversalClient
	logger observability.Logger

	healthMu sync.RWMutex
	healthy  bool
}

// NewClient dials Redis and checks it with a ping, mirroring the teacher's
// StreamsClient. It does not start a health-check loop; callers run
// HealthCheckLoop themselves.
func NewClient(cfg Config, logger observability.Logger) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("bus: no redis addresses configured")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addresses[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 5*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 5*time.Second),
		PoolSize:     cfg.PoolSize,
	})

	c := &Client{rdb: rdb, logger: logger, healthy: true}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: ping redis: %w", err)
	}

	return c, nil
}

// NewClientFromUniversal wraps an already-constructed redis.UniversalClient
// (used by tests against a miniredis-style in-memory server).
func NewClientFromUniversal(rdb redis.UniversalClient, logger observability.Logger) *Client {
	return &Client{rdb: rdb, logger: logger, healthy: true}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// HealthCheckLoop periodically pings Redis until ctx is cancelled. Run it as
// a background goroutine from cmd/ main.
func (c *Client) HealthCheckLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := c.rdb.Ping(pingCtx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("bus health check failed", map[string]interface{}{"error": err.Error()})
	}
}

// IsHealthy reports the last observed connection health.
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// Close closes the underlying Redis client.
func (c *Client) Close() error { return c.rdb.Close() }

// EnsureGroup creates the consumer group at the stream's current tail,
// creating the stream itself if necessary. Idempotent: a BUSYGROUP error
// (group already exists) is not reported as a failure.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

// Publish appends a record to stream and returns its monotonic, timestamp-
// based record id.
func (c *Client) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: publish to %s: %w", stream, err)
	}
	return id, nil
}

// Consume performs a consumer-group read, returning records new to this
// consumer. Blocks up to block if none are available.
func (c *Client) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: consume %s/%s: %w", stream, group, err)
	}
	return toMessages(res), nil
}

// Ack marks ids processed for group on stream; they leave the pending list.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("bus: ack %s/%s: %w", stream, group, err)
	}
	return nil
}

// Claim steals pending entries idle at least minIdle, handing them to
// consumer — recovery after a consumer crash.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: claim %s/%s: %w", stream, group, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Fields: m.Values})
	}
	return out, nil
}

// PendingIDs lists the ids of entries idle at least minIdle, for claim.
func (c *Client) PendingIDs(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]string, error) {
	res, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: pending-ext %s/%s: %w", stream, group, err)
	}
	ids := make([]string, 0, len(res))
	for _, p := range res {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Pending returns the total number of unacked entries for group on stream
// (observability surface named in §4.1).
func (c *Client) Pending(ctx context.Context, stream, group string) (int64, error) {
	res, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("bus: pending %s/%s: %w", stream, group, err)
	}
	return res.Count, nil
}

func toMessages(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Fields: m.Values})
		}
	}
	return out
}
