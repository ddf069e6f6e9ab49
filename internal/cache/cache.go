// Package cache provides a bounded, capacity-evicting read-through cache for
// object metadata. The cache is purely an optimization: the metadata store
// remains the source of truth, and every caller must behave correctly (just
// slower) if the cache were absent.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"pail/internal/metadata"
)

// Key identifies a cached metadata snapshot.
type Key struct {
	Bucket string
	Object string
}

// Cache maps (bucket, key) to the last-known metadata snapshot for that
// object. Entries are evicted least-recently-used first once the fixed
// capacity is reached. All methods are safe for concurrent use.
type Cache struct {
	entries *lru.Cache[Key, metadata.Object]
}

// New creates a Cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	entries, err := lru.New[Key, metadata.Object](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Get returns the cached snapshot for (bucket, key) and marks it recently
// used.
func (c *Cache) Get(bucket, key string) (metadata.Object, bool) {
	return c.entries.Get(Key{Bucket: bucket, Object: key})
}

// Put inserts or refreshes the snapshot for (bucket, key), evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache) Put(bucket, key string, obj metadata.Object) {
	c.entries.Add(Key{Bucket: bucket, Object: key}, obj)
}

// Invalidate drops the entry for (bucket, key) if present. Invalidating an
// absent entry is a no-op.
func (c *Cache) Invalidate(bucket, key string) {
	c.entries.Remove(Key{Bucket: bucket, Object: key})
}

// InvalidateBucket drops every entry belonging to bucket. Used when the
// whole bucket namespace is deleted and per-key invalidation is impossible.
func (c *Cache) InvalidateBucket(bucket string) {
	for _, k := range c.entries.Keys() {
		if k.Bucket == bucket {
			c.entries.Remove(k)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}
