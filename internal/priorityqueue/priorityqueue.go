// Package priorityqueue implements a keyed binary min-heap whose priorities
// are computed by a caller-supplied function and can be re-evaluated in bulk.
package priorityqueue

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
)

// Drop is the priority that excludes an element from the queue.
// Any priority >= Drop, and NaN, is treated as Drop.
const Drop = math.MaxFloat64

var (
	ErrDuplicateKey = errors.New("priorityqueue: key already queued")
	ErrEmptyQueue   = errors.New("priorityqueue: queue is empty")
)

// PriorityFunc returns the priority of an element. Lower values are dequeued first.
type PriorityFunc[T any] func(T) float64

// KeyFunc returns the membership key of an element.
type KeyFunc[T any, K comparable] func(T) K

type Option[T any, K comparable] func(*Queue[T, K])

// WithDropFunc registers a function called for every element removed by Reprioritize.
func WithDropFunc[T any, K comparable](fn func(T)) Option[T, K] {
	return func(q *Queue[T, K]) { q.onDrop = fn }
}

// Queue is not safe for concurrent use.
type Queue[T any, K comparable] struct {
	priorityFn PriorityFunc[T]
	keyFn      KeyFunc[T, K]
	items      entries[T]
	queued     map[K]struct{}
	onDrop     func(T)
}

func New[T any, K comparable](priorityFn PriorityFunc[T], keyFn KeyFunc[T, K], opts ...Option[T, K]) *Queue[T, K] {
	q := &Queue[T, K]{
		priorityFn: priorityFn,
		keyFn:      keyFn,
		queued:     make(map[K]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts element unless its priority is Drop. It reports whether the
// element was inserted.
func (q *Queue[T, K]) Enqueue(element T) (bool, error) {
	key := q.keyFn(element)
	if _, ok := q.queued[key]; ok {
		return false, fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	priority := q.priorityFn(element)
	if isDrop(priority) {
		return false, nil
	}
	heap.Push(&q.items, entry[T]{value: element, priority: priority})
	q.queued[key] = struct{}{}
	return true, nil
}

// Dequeue removes and returns the element with the lowest priority.
func (q *Queue[T, K]) Dequeue() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmptyQueue
	}
	e := heap.Pop(&q.items).(entry[T])
	delete(q.queued, q.keyFn(e.value))
	return e.value, nil
}

// Reprioritize recomputes the priority of every queued element, removes the
// ones that now evaluate to Drop and rebuilds the heap.
func (q *Queue[T, K]) Reprioritize() {
	n := 0
	for _, e := range q.items {
		priority := q.priorityFn(e.value)
		if isDrop(priority) {
			delete(q.queued, q.keyFn(e.value))
			if q.onDrop != nil {
				q.onDrop(e.value)
			}
			continue
		}
		q.items[n] = entry[T]{value: e.value, priority: priority}
		n++
	}
	clear(q.items[n:])
	q.items = q.items[:n]
	heap.Init(&q.items)
}

func (q *Queue[T, K]) IsKeyQueued(key K) bool {
	_, ok := q.queued[key]
	return ok
}

func (q *Queue[T, K]) IsQueued(element T) bool {
	return q.IsKeyQueued(q.keyFn(element))
}

func (q *Queue[T, K]) Count() int {
	return len(q.items)
}

func (q *Queue[T, K]) IsEmpty() bool {
	return len(q.items) == 0
}

// Clear removes every element without calling the drop function.
func (q *Queue[T, K]) Clear() {
	clear(q.items)
	q.items = q.items[:0]
	clear(q.queued)
}

func isDrop(priority float64) bool {
	return priority >= Drop || math.IsNaN(priority)
}

type entry[T any] struct {
	value    T
	priority float64
}

// entries implements heap.Interface ordered by ascending priority.
type entries[T any] []entry[T]

var _ heap.Interface = (*entries[int])(nil)

func (h entries[T]) Len() int           { return len(h) }
func (h entries[T]) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h entries[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entries[T]) Push(x any) {
	*h = append(*h, x.(entry[T]))
}

func (h *entries[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry[T]{} // avoid memory leak
	*h = old[:n-1]
	return e
}
