package ingestor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// fakeSubscription is a hand-written ethereum.Subscription double.
type fakeSubscription struct {
	errCh chan error
}

func newFakeSubscription() *fakeSubscription { return &fakeSubscription{errCh: make(chan error, 1)} }
func (s *fakeSubscription) Err() <-chan error { return s.errCh }
func (s *fakeSubscription) Unsubscribe()      {}

// fakeEthClient is a hand-written EthClient double driven entirely by the
// test: it hands back channels the test can push synthetic frames into.
type fakeEthClient struct {
	mu          sync.Mutex
	logCh       chan<- types.Log
	logSub      *fakeSubscription
	headSub     *fakeSubscription
	filterLogs  []types.Log
	filterErr   error
	subscribeErr error
	closed      bool
}

func (c *fakeEthClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.mu.Lock()
	c.logCh = ch
	c.logSub = newFakeSubscription()
	c.mu.Unlock()
	return c.logSub, nil
}

func (c *fakeEthClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	c.headSub = newFakeSubscription()
	c.mu.Unlock()
	return c.headSub, nil
}

func (c *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// Mirrors real go-ethereum/rpc behavior: any call on a closed
		// client's connection fails.
		return nil, errors.New("use of closed network connection")
	}
	return c.filterLogs, c.filterErr
}

func (c *fakeEthClient) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeEthClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeEthClient) pushLog(lg types.Log) {
	c.mu.Lock()
	ch := c.logCh
	c.mu.Unlock()
	if ch != nil {
		ch <- lg
	}
}

func (c *fakeEthClient) failLogSub(err error) {
	c.mu.Lock()
	sub := c.logSub
	c.mu.Unlock()
	if sub != nil {
		sub.errCh <- err
	}
}

// fakePublisher records published stream/fields and can be made to fail.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedRecord
	failCount int
}

type publishedRecord struct {
	stream string
	fields map[string]interface{}
}

func (p *fakePublisher) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCount > 0 {
		p.failCount--
		return "", errors.New("simulated publish failure")
	}
	p.published = append(p.published, publishedRecord{stream: stream, fields: fields})
	return "id", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func testChain() domain.Chain {
	return domain.Chain{ChainID: 1, WSURL: "wss://fake", HTTPURL: "https://fake", DisplayName: "test"}
}

func sampleGethLog(blockNumber uint64, logIndex uint) types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics:      []common.Hash{common.HexToHash("0xaaaa")},
		Data:        []byte{1, 2, 3},
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0xbbbb"),
		BlockHash:   common.HexToHash("0xcccc"),
		Index:       logIndex,
	}
}

func TestChainWorker_PublishesDecodedLog(t *testing.T) {
	client := &fakeEthClient{}
	pub := &fakePublisher{}
	dial := func(ctx context.Context, wsURL string) (EthClient, error) { return client, nil }

	w, err := New(testChain(), DefaultConfig(), dial, pub, observability.NewNoopLogger(), observability.NewNoopMetrics())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for client == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitForState(t, w, StateStreaming, time.Second)

	client.pushLog(sampleGethLog(100, 0))

	deadline = time.Now().Add(time.Second)
	for pub.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 published record, got %d", pub.count())
	}

	cancel()
}

func TestChainWorker_DedupDropsDuplicateIdentity(t *testing.T) {
	client := &fakeEthClient{}
	pub := &fakePublisher{}
	dial := func(ctx context.Context, wsURL string) (EthClient, error) { return client, nil }

	w, err := New(testChain(), DefaultConfig(), dial, pub, observability.NewNoopLogger(), observability.NewNoopMetrics())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	waitForState(t, w, StateStreaming, time.Second)

	lg := sampleGethLog(100, 0)
	client.pushLog(lg)
	client.pushLog(lg) // exact duplicate identity

	time.Sleep(100 * time.Millisecond)
	if got := pub.count(); got != 1 {
		t.Fatalf("expected exactly 1 publish after a duplicate frame, got %d", got)
	}

	cancel()
}

func TestChainWorker_DegradedModeBuffersOnPersistentPublishFailure(t *testing.T) {
	client := &fakeEthClient{}
	pub := &fakePublisher{failCount: 1000} // always fails within the test window
	dial := func(ctx context.Context, wsURL string) (EthClient, error) { return client, nil }

	cfg := DefaultConfig()
	cfg.PublishRetryBudget = 20 * time.Millisecond

	w, err := New(testChain(), cfg, dial, pub, observability.NewNoopLogger(), observability.NewNoopMetrics())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	waitForState(t, w, StateStreaming, time.Second)

	client.pushLog(sampleGethLog(200, 0))

	waitForState(t, w, StateDegraded, 2*time.Second)

	cancel()
}

// TestChainWorker_BackfillUsesFreshlyDialedClientAfterReconnect is a
// regression test for the bug where backfill ran against the
// already-closed pre-reconnect client (always failing against a real
// provider, silently, since FilterLogs errors are only logged). It dials
// twice: the first client's log subscription errors (a gap), and the
// second (post-reconnect) client must be the one FilterLogs is actually
// issued against — never the first, closed one.
func TestChainWorker_BackfillUsesFreshlyDialedClientAfterReconnect(t *testing.T) {
	first := &fakeEthClient{}
	second := &fakeEthClient{filterLogs: []types.Log{sampleGethLog(150, 0)}}
	pub := &fakePublisher{}

	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, wsURL string) (EthClient, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}

	w, err := New(testChain(), DefaultConfig(), dial, pub, observability.NewNoopLogger(), observability.NewNoopMetrics())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitForState(t, w, StateStreaming, time.Second)

	// Establish a lastBlock via a newHeads frame, then force a gap by
	// failing the log subscription.
	w.mu.Lock()
	w.lastBlock = 200
	w.mu.Unlock()
	first.failLogSub(errors.New("simulated subscription drop"))

	// The worker should reconnect (dialing `second`) and run backfill
	// against it before resuming streaming.
	waitForState(t, w, StateStreaming, 2*time.Second)

	deadline := time.Now().Add(time.Second)
	for pub.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !first.wasClosed() {
		t.Fatal("expected the pre-reconnect client to have been closed")
	}
	if pub.count() != 1 {
		t.Fatalf("expected the backfilled log to be published exactly once, got %d", pub.count())
	}
}

func waitForState(t *testing.T, w *ChainWorker, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, w.State())
}
