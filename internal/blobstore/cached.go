package blobstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultCacheCost is the default byte capacity of a Cached store.
const DefaultCacheCost = 256 << 20

// Cached decorates a Store with a bounded read cache. Blobs are immutable,
// so cached entries never need invalidation.
type Cached struct {
	Store
	cache *ristretto.Cache[string, []byte]
}

// NewCached wraps inner with a cache holding at most maxCost bytes.
func NewCached(inner Store, maxCost int64) (*Cached, error) {
	if maxCost <= 0 {
		maxCost = DefaultCacheCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// ~10x the expected number of entries, assuming 1 MiB blobs.
		NumCounters: max(maxCost>>20, 100) * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: create cache: %w", err)
	}
	return &Cached{Store: inner, cache: cache}, nil
}

// Put writes through and primes the cache with the new blob.
func (c *Cached) Put(ctx context.Context, data []byte, opts PutOptions) (string, error) {
	ref, err := c.Store.Put(ctx, data, opts)
	if err != nil {
		return "", err
	}
	c.set(ref, data)
	return ref, nil
}

func (c *Cached) Get(ctx context.Context, ref string) ([]byte, error) {
	if data, ok := c.cache.Get(ref); ok {
		return clone(data), nil
	}
	data, err := c.Store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.set(ref, data)
	return data, nil
}

func (c *Cached) set(ref string, data []byte) {
	c.cache.Set(ref, clone(data), int64(len(data)))
}

// Wait blocks until buffered cache writes are applied.
func (c *Cached) Wait() {
	c.cache.Wait()
}

func (c *Cached) Close() error {
	c.cache.Close()
	return c.Store.Close()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ Store = (*Cached)(nil)
