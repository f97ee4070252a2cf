// Package respcache is a size-capped store for cached HTTP responses, used
// by the public read paths of the object store and blob tiers.
package respcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregjones/httpcache"
	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultMaxBytes = 64 << 20
	DefaultTTL      = time.Hour
)

// Cache implements httpcache.Cache. Entries expire after the TTL and a
// response that would push the total past the byte budget is not kept.
type Cache struct {
	c        *gocache.Cache
	maxBytes int64
	size     atomic.Int64

	mu sync.Mutex
}

var _ httpcache.Cache = (*Cache)(nil)

// New returns a cache holding at most maxBytes of responses for ttl each.
// Non-positive values use the defaults.
func New(maxBytes int64, ttl time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rc := &Cache{c: gocache.New(ttl, ttl/2), maxBytes: maxBytes}
	rc.c.OnEvicted(func(_ string, v interface{}) {
		if b, ok := v.([]byte); ok {
			rc.size.Add(-int64(len(b)))
		}
	})
	return rc
}

// NewTransport returns an httpcache transport backed by a new Cache
func NewTransport(maxBytes int64, ttl time.Duration) *httpcache.Transport {
	return httpcache.NewTransport(New(maxBytes, ttl))
}

func (rc *Cache) Get(key string) ([]byte, bool) {
	v, ok := rc.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (rc *Cache) Set(key string, resp []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	// eviction callbacks keep size current
	rc.c.Delete(key)
	if rc.size.Load()+int64(len(resp)) > rc.maxBytes {
		return
	}
	rc.c.SetDefault(key, resp)
	rc.size.Add(int64(len(resp)))
}

func (rc *Cache) Delete(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.c.Delete(key)
}

// Size is the number of response bytes currently held
func (rc *Cache) Size() int64 {
	return rc.size.Load()
}
