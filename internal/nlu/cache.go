package nlu

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// predictionCache is a bounded LRU keyed by the xxhash of the input text.
// Shared by concurrent requests; misses may compute concurrently for the
// same key, last write wins.
type predictionCache[V any] struct {
	mu      sync.Mutex
	cap     int
	order   *list.List
	entries map[uint64]*list.Element
}

type cacheEntry[V any] struct {
	key uint64
	val V
}

func newPredictionCache[V any](capacity int) *predictionCache[V] {
	return &predictionCache[V]{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[uint64]*list.Element),
	}
}

func (c *predictionCache[V]) get(key string) (V, bool) {
	var zero V
	if c == nil || c.cap <= 0 {
		return zero, false
	}
	h := xxhash.Sum64String(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[h]
	if !ok {
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry[V]).val, true
}

func (c *predictionCache[V]) put(key string, val V) {
	if c == nil || c.cap <= 0 {
		return
	}
	h := xxhash.Sum64String(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[h]; ok {
		el.Value.(*cacheEntry[V]).val = val
		c.order.MoveToFront(el)
		return
	}
	c.entries[h] = c.order.PushFront(&cacheEntry[V]{key: h, val: val})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry[V]).key)
	}
}

func (c *predictionCache[V]) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
