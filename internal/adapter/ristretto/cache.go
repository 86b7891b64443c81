// Package ristretto implements the cache port with dgraph-io/ristretto as
// the in-process L1 cache.
package ristretto

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is an in-process L1 cache bounded by total value size.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxSizeMB megabytes of values.
func New(maxSizeMB int64) (*Cache, error) {
	if maxSizeMB < 1 {
		return nil, errors.New("ristretto: max size must be at least 1 MB")
	}
	maxCost := maxSizeMB << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Classification entries are a few hundred bytes; count ~10x the
		// number that fit.
		NumCounters: maxCost / 256 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached value for key.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value for ttl. Writes are buffered; Wait makes them visible.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.c.Wait()
}

// Close releases the cache's goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
