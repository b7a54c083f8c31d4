package embedding

import (
	"container/list"
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"nlud/internal/logging"
)

// VectorStore is an optional persistence layer behind the in-memory cache.
// A miss is (nil, nil). Implemented by store.EmbedCache.
type VectorStore interface {
	Get(ctx context.Context, text string) ([]float32, error)
	Put(ctx context.Context, text string, vec []float32) error
	Close() error
}

// CachedEngine wraps an Engine with a bounded in-memory LRU keyed by the
// xxhash of the text, optionally backed by a persistent VectorStore so
// restarts do not re-embed the example corpora. Correctness never depends on
// the cache; every layer is a pure accelerator.
type CachedEngine struct {
	inner Engine
	store VectorStore

	mu  sync.Mutex
	lru *lruCache
}

// NewCachedEngine wraps engine with a cache of at most size entries.
// store may be nil.
func NewCachedEngine(engine Engine, size int, store VectorStore) *CachedEngine {
	if size <= 0 {
		size = 1000
	}
	return &CachedEngine{
		inner: engine,
		store: store,
		lru:   newLRUCache(size),
	}
}

// Embed returns the cached embedding for text, consulting memory, then the
// persistent store, then the wrapped engine.
func (c *CachedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	key := xxhash.Sum64String(text)

	c.mu.Lock()
	if vec, ok := c.lru.get(key); ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	if c.store != nil {
		vec, err := c.store.Get(ctx, text)
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("Persistent cache read failed: %v", err)
		} else if vec != nil {
			c.mu.Lock()
			c.lru.add(key, vec)
			c.mu.Unlock()
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lru.add(key, vec)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Put(ctx, text, vec); err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("Persistent cache write failed: %v", err)
		}
	}
	return vec, nil
}

// EmbedBatch embeds texts one by one so cached entries are reused.
func (c *CachedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions delegates to the wrapped engine.
func (c *CachedEngine) Dimensions() int { return c.inner.Dimensions() }

// Name delegates to the wrapped engine.
func (c *CachedEngine) Name() string { return c.inner.Name() }

// Len reports the number of in-memory cached entries.
func (c *CachedEngine) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.len()
}

// Close releases the persistent store, if any.
func (c *CachedEngine) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// lruCache is a minimal fixed-capacity LRU. Callers hold the lock.
type lruCache struct {
	cap   int
	ll    *list.List
	items map[uint64]*list.Element
}

type lruEntry struct {
	key uint64
	vec []float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[uint64]*list.Element, capacity),
	}
}

func (c *lruCache) get(key uint64) ([]float32, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).vec, true
}

func (c *lruCache) add(key uint64, vec []float32) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).vec = vec
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, vec: vec})
	c.items[key] = el
	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lruCache) len() int { return c.ll.Len() }
