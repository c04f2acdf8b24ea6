package vstore

import (
	"github.com/VictoriaMetrics/fastcache"
)

// CachedBacking wraps a Backing with a bounded in-process read cache, used
// in front of PebbleBacking for Main's hot account/storage reads. Writes
// invalidate the cache entry so readers never observe stale data.
type CachedBacking struct {
	inner Backing
	cache *fastcache.Cache
}

// NewCachedBacking wraps inner with an in-memory cache of maxBytes capacity.
func NewCachedBacking(inner Backing, maxBytes int) *CachedBacking {
	return &CachedBacking{inner: inner, cache: fastcache.New(maxBytes)}
}

func (c *CachedBacking) Get(key []byte) ([]byte, bool, error) {
	if buf, ok := c.cache.HasGet(nil, key); ok {
		return buf, true, nil
	}
	val, ok, err := c.inner.Get(key)
	if err != nil || !ok {
		return val, ok, err
	}
	c.cache.Set(key, val)
	return val, true, nil
}

func (c *CachedBacking) Put(key, value []byte) error {
	if err := c.inner.Put(key, value); err != nil {
		return err
	}
	c.cache.Set(key, value)
	return nil
}

func (c *CachedBacking) Delete(key []byte) error {
	if err := c.inner.Delete(key); err != nil {
		return err
	}
	c.cache.Del(key)
	return nil
}
