package oracle

import (
	lru "github.com/hashicorp/golang-lru"
)

// Cache is the read-through capability the service composes around feed
// lookups. Plain composition replaces the decorator-based interception the
// dashboard backend used.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Invalidate(keys ...string)
}

type lruCache struct {
	c *lru.Cache
}

// NewLRUCache returns a fixed-size in-process cache.
func NewLRUCache(size int) (Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &lruCache{c: c}, nil
}

func (l *lruCache) Get(key string) (any, bool) {
	return l.c.Get(key)
}

func (l *lruCache) Set(key string, value any) {
	l.c.Add(key, value)
}

func (l *lruCache) Invalidate(keys ...string) {
	for _, k := range keys {
		l.c.Remove(k)
	}
}

type nopCache struct{}

// NewNopCache disables caching.
func NewNopCache() Cache { return nopCache{} }

func (nopCache) Get(string) (any, bool) { return nil, false }
func (nopCache) Set(string, any)        {}
func (nopCache) Invalidate(...string)   {}
