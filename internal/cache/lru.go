package cache

import (
	"container/list"
	"errors"
	"fmt"
)

var ErrDuplicateKey = errors.New("cache: key already set")

type entry[K comparable, V any] struct {
	key   K
	value V
}

type Option[K comparable, V any] func(*LRU[K, V])

// WithEvictFunc registers a function called for every entry removed by Pop or Expire.
func WithEvictFunc[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *LRU[K, V]) { c.onEvict = fn }
}

// LRU is a bounded least-recently-used cache. It does not evict on Set:
// callers shed entries in batches with Expire once the count exceeds the
// high-water mark. The front of the list is the most recently used entry.
//
// LRU is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	highWaterMark int
	items         map[K]*list.Element
	lruList       *list.List
	onEvict       func(K, V)
}

// NewLRU creates a cache holding up to highWaterMark entries after Expire.
// A high-water mark of zero or less disables expiry.
func NewLRU[K comparable, V any](highWaterMark int, opts ...Option[K, V]) *LRU[K, V] {
	c := &LRU[K, V]{
		highWaterMark: highWaterMark,
		items:         make(map[K]*list.Element),
		lruList:       list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LRU[K, V]) HighWaterMark() int {
	return c.highWaterMark
}

func (c *LRU[K, V]) Count() int {
	return c.lruList.Len()
}

func (c *LRU[K, V]) ContainsKey(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Get returns the value for key and marks it as most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if elem != c.lruList.Front() {
		c.lruList.MoveToFront(elem)
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Peek returns the value for key without changing its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Set inserts key as the most recently used entry. Existing keys are never
// overwritten; Remove them first.
func (c *LRU[K, V]) Set(key K, value V) error {
	if _, ok := c.items[key]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	c.items[key] = c.lruList.PushFront(&entry[K, V]{key: key, value: value})
	return nil
}

// Remove deletes key without calling the evict function.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent := c.lruList.Remove(elem).(*entry[K, V])
	delete(c.items, key)
	return ent.value, true
}

// PeekLastKey returns the key of the least recently used entry.
func (c *LRU[K, V]) PeekLastKey() (K, bool) {
	oldest := c.lruList.Back()
	if oldest == nil {
		var zero K
		return zero, false
	}
	return oldest.Value.(*entry[K, V]).key, true
}

// Pop removes and returns the least recently used value.
func (c *LRU[K, V]) Pop() (V, bool) {
	oldest := c.lruList.Back()
	if oldest == nil {
		var zero V
		return zero, false
	}
	ent := c.lruList.Remove(oldest).(*entry[K, V])
	delete(c.items, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
	return ent.value, true
}

func (c *LRU[K, V]) CanExpire() bool {
	return c.highWaterMark > 0 && c.lruList.Len() > c.highWaterMark
}

// Expire pops entries until the count is back under the high-water mark and
// returns the number of evicted entries.
func (c *LRU[K, V]) Expire() int {
	n := 0
	for c.CanExpire() {
		c.Pop()
		n++
	}
	return n
}

// ExpireKeeping behaves like Expire but stops as soon as the least recently
// used key is one the caller still needs.
func (c *LRU[K, V]) ExpireKeeping(keep func(K) bool) int {
	n := 0
	for c.CanExpire() {
		key, _ := c.PeekLastKey()
		if keep(key) {
			break
		}
		c.Pop()
		n++
	}
	return n
}

// Keys lists keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, c.lruList.Len())
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}

// Clear drops every entry without calling the evict function.
func (c *LRU[K, V]) Clear() {
	c.items = make(map[K]*list.Element)
	c.lruList = list.New()
}
