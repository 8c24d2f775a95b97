package dbus

import (
	"errors"
	"sync"
)

var errNotFound = errors.New("cache entry not found")

type cacheEntry[V any] struct {
	val V
	err error
}

// cache is a concurrency-safe memoization table. Entries can record
// either a value or the error that computing the value produced.
type cache[K comparable, V any] struct {
	m sync.Map
}

// Get returns the cached value for k. If k has no entry, Get returns
// errNotFound.
func (c *cache[K, V]) Get(k K) (V, error) {
	v, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	ent := v.(cacheEntry[V])
	return ent.val, ent.err
}

func (c *cache[K, V]) Set(k K, v V) {
	c.m.Store(k, cacheEntry[V]{val: v})
}

func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
