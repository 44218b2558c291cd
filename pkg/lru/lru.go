package lru

import (
	"fmt"

	"github.com/pmkol/hyperdns/pkg/list"
)

// LRU is a fixed size cache that evicts the least recently used entry.
// It is not safe for concurrent use. See concurrent_lru.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[KV[K, V]]
	m map[K]*list.Elem[KV[K, V]]
}

type KV[K comparable, V any] struct {
	key K
	v   V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[KV[K, V]](),
		m:       make(map[K]*list.Elem[KV[K, V]]),
	}
}

// Add inserts or replaces key. Replacing an existing key marks it as
// the most recently used one.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	// Reuse the oldest element if full.
	if q.l.Len() >= q.maxSize {
		e := q.l.Front()

		if q.onEvict != nil {
			q.onEvict(e.Value.key, e.Value.v)
		}

		delete(q.m, e.Value.key)

		e.Value.key = key
		e.Value.v = v

		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(KV[K, V]{
		key: key,
		v:   v,
	})
	q.m[key] = e
	q.l.PushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

// Peek is like Get but does not update the recentness of key.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.delElem(e)
}

// Clean removes every entry for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.Front()
	for e != nil {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

// Purge removes all entries. onEvict is not called.
func (q *LRU[K, V]) Purge() {
	q.l.Reset()
	clear(q.m)
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) delElem(e *list.Elem[KV[K, V]]) {
	key, v := e.Value.key, e.Value.v
	q.l.PopElem(e)
	delete(q.m, key)

	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
