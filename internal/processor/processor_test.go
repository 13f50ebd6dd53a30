package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	busenc "github.com/ipcasj/ethhook-sub004/internal/bus"
	"github.com/ipcasj/ethhook-sub004/internal/configstore"
	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/eventstore"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// inMemoryBus is a hand-written consumer-group bus double: miniredis
// doesn't support XREADGROUP/XACK (see internal/bus's own test notes), so
// consumer-group behavior is exercised here instead.
type inMemoryBus struct {
	mu      sync.Mutex
	streams map[string][]busenc.Message
	groups  map[string]bool
	acked   map[string]bool
	nextID  int
}

func newInMemoryBus() *inMemoryBus {
	return &inMemoryBus{
		streams: make(map[string][]busenc.Message),
		groups:  make(map[string]bool),
		acked:   make(map[string]bool),
	}
}

func (b *inMemoryBus) EnsureGroup(ctx context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[stream+"/"+group] = true
	return nil
}

func (b *inMemoryBus) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := string(rune('a' + b.nextID))
	b.streams[stream] = append(b.streams[stream], busenc.Message{ID: id, Fields: fields})
	return id, nil
}

// Consume returns every not-yet-acked message on each call, so an unacked
// entry is handed out again on the next call (like a redelivery). With
// nothing unacked it waits 5ms and returns empty, or returns ctx.Err() once
// ctx is done.
func (b *inMemoryBus) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]busenc.Message, error) {
	b.mu.Lock()
	var out []busenc.Message
	for _, m := range b.streams[stream] {
		if !b.acked[m.ID] {
			out = append(out, m)
		}
	}
	b.mu.Unlock()

	if len(out) > 0 {
		return out, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (b *inMemoryBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.acked[id] = true
	}
	return nil
}

func (b *inMemoryBus) isAcked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[id]
}

func (b *inMemoryBus) streamLen(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[stream])
}

// fakeStore is a hand-written Store double — the same shape as
// internal/configstore's own test double.
type fakeStore struct {
	endpoints []domain.Endpoint
}

func (f *fakeStore) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress [20]byte) ([]domain.Endpoint, error) {
	var out []domain.Endpoint
	for _, e := range f.endpoints {
		if e.MatchesChainAndContract(chainID, contractAddress) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeStore) EndpointByID(ctx context.Context, id string) (*domain.Endpoint, error) { return nil, nil }
func (f *fakeStore) NoteEndpointChange(string)                                              {}

var _ configstore.Store = (*fakeStore)(nil)

func sampleLog(removed bool) domain.RawLog {
	return domain.RawLog{
		ChainID:         1,
		BlockNumber:     10,
		BlockHash:       [32]byte{1},
		TxHash:          [32]byte{2},
		LogIndex:        0,
		ContractAddress: [20]byte{3},
		Topics:          [][32]byte{{0xAA}},
		Data:            []byte{1},
		Removed:         removed,
	}
}

func testEndpoint(id string, topic0 [32]byte) domain.Endpoint {
	return domain.Endpoint{
		EndpointID:        id,
		IsActive:          true,
		ChainIDs:          map[uint64]struct{}{1: {}},
		ContractAddresses: map[[20]byte]struct{}{{3}: {}},
		EventSignatures:   map[[32]byte]struct{}{topic0: {}},
	}
}

func newTestWriter() *eventstore.Writer {
	w := eventstore.New(eventstore.DefaultConfig(), eventstore.NewLogSink(observability.NewNoopLogger()), observability.NewNoopLogger(), observability.NewNoopMetrics())
	w.Start(context.Background())
	return w
}

func TestProcessor_MatchesAndFansOut(t *testing.T) {
	b := newInMemoryBus()
	store := &fakeStore{endpoints: []domain.Endpoint{testEndpoint("ep-1", [32]byte{0xAA})}}
	writer := newTestWriter()
	defer writer.Stop()

	p := New(1, DefaultConfig(), b, store, writer, observability.NewNoopLogger(), observability.NewNoopMetrics(), observability.NewNoopTracer())

	now := time.Now()
	id, _ := b.Publish(context.Background(), "events:1", busenc.EncodeRawLog(sampleLog(false), now))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx, 1) }()

	deadline := time.Now().Add(time.Second)
	for !b.isAcked(id) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !b.isAcked(id) {
		t.Fatal("expected the source record to be acked")
	}

	shard := ShardFor("ep-1", DefaultConfig().DeliveryShards)
	deadline = time.Now().Add(time.Second)
	for b.streamLen(busenc.DeliveryStream(shard)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.streamLen(busenc.DeliveryStream(shard)); got != 1 {
		t.Fatalf("expected exactly 1 delivery job fanned out, got %d", got)
	}

	cancel()
}

func TestProcessor_ZeroMatchesStillAcksAndPersists(t *testing.T) {
	b := newInMemoryBus()
	store := &fakeStore{} // no endpoints at all
	writer := newTestWriter()
	defer writer.Stop()

	p := New(1, DefaultConfig(), b, store, writer, observability.NewNoopLogger(), observability.NewNoopMetrics(), observability.NewNoopTracer())

	now := time.Now()
	id, _ := b.Publish(context.Background(), "events:1", busenc.EncodeRawLog(sampleLog(false), now))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx, 1) }()

	deadline := time.Now().Add(time.Second)
	for !b.isAcked(id) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !b.isAcked(id) {
		t.Fatal("expected the record to be acked even with zero matches")
	}

	for _, s := range []string{busenc.DeliveryStream(0), busenc.DeliveryStream(1)} {
		if n := b.streamLen(s); n != 0 {
			t.Fatalf("expected no delivery jobs for zero matches, got %d on %s", n, s)
		}
	}

	deadline = time.Now().Add(3 * time.Second)
	for writer.Stats().EventsWritten == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := writer.Stats().EventsWritten; got != 1 {
		t.Fatalf("expected the zero-match event to be persisted once, got %d", got)
	}

	cancel()
}

func TestProcessor_RemovedLogSkipsDelivery(t *testing.T) {
	b := newInMemoryBus()
	store := &fakeStore{endpoints: []domain.Endpoint{testEndpoint("ep-1", [32]byte{0xAA})}}
	writer := newTestWriter()
	defer writer.Stop()

	p := New(1, DefaultConfig(), b, store, writer, observability.NewNoopLogger(), observability.NewNoopMetrics(), observability.NewNoopTracer())

	now := time.Now()
	id, _ := b.Publish(context.Background(), "events:1", busenc.EncodeRawLog(sampleLog(true), now))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx, 1) }()

	deadline := time.Now().Add(time.Second)
	for !b.isAcked(id) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !b.isAcked(id) {
		t.Fatal("expected the removed=true record to still be acked")
	}

	shard := ShardFor("ep-1", DefaultConfig().DeliveryShards)
	if n := b.streamLen(busenc.DeliveryStream(shard)); n != 0 {
		t.Fatalf("expected no delivery job for a reorg'd log, got %d", n)
	}

	cancel()
}

func TestProcessor_DecodeFailureAcksAndDrops(t *testing.T) {
	b := newInMemoryBus()
	store := &fakeStore{}
	writer := newTestWriter()
	defer writer.Stop()

	p := New(1, DefaultConfig(), b, store, writer, observability.NewNoopLogger(), observability.NewNoopMetrics(), observability.NewNoopTracer())

	id, _ := b.Publish(context.Background(), "events:1", map[string]interface{}{"chain_id": "1"}) // missing required fields

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx, 1) }()

	deadline := time.Now().Add(time.Second)
	for !b.isAcked(id) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !b.isAcked(id) {
		t.Fatal("expected a malformed record to be acked to avoid a poison-pill loop")
	}

	cancel()
}
