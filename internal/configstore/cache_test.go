package configstore

import (
	"context"
	"testing"
	"time"

	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// fakeStore is a small hand-written in-memory double for Store: the query
// surface is three narrow methods, not worth mocking database/sql for.
type fakeStore struct {
	calls     int
	endpoints []domain.Endpoint
	noted     []string
}

func (f *fakeStore) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress [20]byte) ([]domain.Endpoint, error) {
	f.calls++
	out := make([]domain.Endpoint, 0, len(f.endpoints))
	for _, e := range f.endpoints {
		if e.MatchesChainAndContract(chainID, contractAddress) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) EndpointByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	for _, e := range f.endpoints {
		if e.EndpointID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) NoteEndpointChange(endpointID string) {
	f.noted = append(f.noted, endpointID)
}

func testEndpoint(id string, chainID uint64, addr [20]byte) domain.Endpoint {
	return domain.Endpoint{
		EndpointID:        id,
		IsActive:          true,
		ChainIDs:          map[uint64]struct{}{chainID: {}},
		ContractAddresses: map[[20]byte]struct{}{addr: {}},
	}
}

func TestCachedStore_ServesFromCacheWithinTTL(t *testing.T) {
	addr := [20]byte{1}
	fs := &fakeStore{endpoints: []domain.Endpoint{testEndpoint("ep-1", 1, addr)}}
	cs, err := NewCachedStore(fs, CacheConfig{TTL: time.Minute, Size: 100}, observability.NewNoopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		eps, err := cs.EndpointsMatching(context.Background(), 1, addr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(eps) != 1 {
			t.Fatalf("expected 1 endpoint, got %d", len(eps))
		}
	}

	if fs.calls != 1 {
		t.Fatalf("expected exactly 1 underlying query (cache hits for the rest), got %d", fs.calls)
	}
}

func TestCachedStore_RefetchesAfterTTLExpiry(t *testing.T) {
	addr := [20]byte{2}
	fs := &fakeStore{endpoints: []domain.Endpoint{testEndpoint("ep-2", 1, addr)}}
	cs, err := NewCachedStore(fs, CacheConfig{TTL: 5 * time.Millisecond, Size: 100}, observability.NewNoopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := cs.EndpointsMatching(context.Background(), 1, addr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := cs.EndpointsMatching(context.Background(), 1, addr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fs.calls != 2 {
		t.Fatalf("expected a re-fetch after TTL expiry, got %d underlying calls", fs.calls)
	}
}

func TestCachedStore_NoteEndpointChangeEvictsMatchingEntries(t *testing.T) {
	addrA := [20]byte{0xAA}
	addrB := [20]byte{0xBB}
	fs := &fakeStore{endpoints: []domain.Endpoint{
		testEndpoint("ep-a", 1, addrA),
		testEndpoint("ep-b", 1, addrB),
	}}
	cs, err := NewCachedStore(fs, CacheConfig{TTL: time.Hour, Size: 100}, observability.NewNoopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := cs.EndpointsMatching(context.Background(), 1, addrA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cs.EndpointsMatching(context.Background(), 1, addrB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.calls != 2 {
		t.Fatalf("expected 2 underlying calls priming the cache, got %d", fs.calls)
	}

	cs.NoteEndpointChange("ep-a")

	// The entry touching ep-a should be refetched; the untouched ep-b entry
	// should still be served from cache.
	if _, err := cs.EndpointsMatching(context.Background(), 1, addrA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cs.EndpointsMatching(context.Background(), 1, addrB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fs.calls != 3 {
		t.Fatalf("expected exactly one refetch after invalidation, got %d total underlying calls", fs.calls)
	}
}

func TestCachedStore_EndpointByIDBypassesCache(t *testing.T) {
	addr := [20]byte{3}
	fs := &fakeStore{endpoints: []domain.Endpoint{testEndpoint("ep-3", 1, addr)}}
	cs, err := NewCachedStore(fs, DefaultCacheConfig(), observability.NewNoopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, err := cs.EndpointByID(context.Background(), "ep-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e == nil || e.EndpointID != "ep-3" {
		t.Fatalf("expected to find ep-3, got %+v", e)
	}

	if _, err := cs.EndpointByID(context.Background(), "missing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
