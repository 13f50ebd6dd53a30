package configstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// cacheKey is the (chain_id, contract_address) tuple §4.2 caches on.
type cacheKey struct {
	chainID         uint64
	contractAddress [20]byte
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d:%x", k.chainID, k.contractAddress)
}

type cacheValue struct {
	endpoints []domain.Endpoint
	expiresAt time.Time
}

// CachedStore wraps a Store with an in-process LRU+TTL cache keyed by
// (chain_id, contract_address), per §4.2. NoteEndpointChange walks the
// cache and evicts every entry whose cached endpoint list includes the
// changed endpoint, so a config mutation is visible to new lookups without
// waiting out the TTL.
type CachedStore struct {
	inner  Store
	logger observability.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, cacheValue]
}

// CacheConfig configures CachedStore. Zero values fall back to §4.2's
// defaults (TTL 60s, size 10000).
type CacheConfig struct {
	TTL  time.Duration
	Size int
}

// DefaultCacheConfig returns §4.2's stated defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 60 * time.Second, Size: 10000}
}

// NewCachedStore wraps inner with an LRU+TTL cache.
func NewCachedStore(inner Store, cfg CacheConfig, logger observability.Logger) (*CachedStore, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	c, err := lru.New[string, cacheValue](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("configstore: create lru cache: %w", err)
	}
	return &CachedStore{inner: inner, logger: logger, ttl: cfg.TTL, cache: c}, nil
}

// EndpointsMatching implements Store.EndpointsMatching, serving from cache
// when a fresh entry exists and falling through to inner on miss or expiry.
func (c *CachedStore) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress [20]byte) ([]domain.Endpoint, error) {
	key := cacheKey{chainID: chainID, contractAddress: contractAddress}.String()

	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok && time.Now().Before(v.expiresAt) {
		c.mu.Unlock()
		return v.endpoints, nil
	}
	c.mu.Unlock()

	endpoints, err := c.inner.EndpointsMatching(ctx, chainID, contractAddress)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, cacheValue{endpoints: endpoints, expiresAt: time.Now().Add(c.ttl)})
	c.mu.Unlock()

	return endpoints, nil
}

// EndpointByID always bypasses the cache: §4.5 step 1 needs a live
// is_active check immediately before a delivery attempt, not a
// potentially-stale cached copy.
func (c *CachedStore) EndpointByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	return c.inner.EndpointByID(ctx, id)
}

// NoteEndpointChange evicts every cache entry whose cached endpoint list
// references endpointID, per §4.2's invalidation contract.
func (c *CachedStore) NoteEndpointChange(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.cache.Keys() {
		v, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		for _, e := range v.endpoints {
			if e.EndpointID == endpointID {
				c.cache.Remove(key)
				break
			}
		}
	}

	c.inner.NoteEndpointChange(endpointID)

	c.logger.Debug("configstore: invalidated cache entries for endpoint", map[string]interface{}{
		"endpoint_id": endpointID,
	})
}
