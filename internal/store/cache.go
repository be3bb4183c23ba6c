package store

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	playbook "github.com/parchmint/playbook-engine"
)

// CompletionCache is a thread-safe in-memory cache for completion responses
// with TTL expiry. Expired entries are dropped lazily on read and swept by a
// background loop. Implements playbook.CompletionCache.
type CompletionCache struct {
	store map[string]cacheItem
	mutex sync.RWMutex
	ttl   time.Duration
	stop  chan struct{}
}

type cacheItem struct {
	resp       *playbook.CompletionResponse
	expiration int64
}

// NewCompletionCache creates a cache whose entries live for ttl.
func NewCompletionCache(ttl time.Duration) *CompletionCache {
	c := &CompletionCache{
		store: make(map[string]cacheItem),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go c.cleanupLoop(10 * time.Minute)
	return c
}

// Get implements playbook.CompletionCache.
func (c *CompletionCache) Get(ctx context.Context, key string) (*playbook.CompletionResponse, bool) {
	resp, err := c.lookup(ctx, key)
	if err != nil {
		return nil, false
	}
	return resp, true
}

func (c *CompletionCache) lookup(ctx context.Context, key string) (*playbook.CompletionResponse, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().UnixNano() > item.expiration {
		// lazy cleanup
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.resp, nil
}

// Set implements playbook.CompletionCache.
func (c *CompletionCache) Set(ctx context.Context, key string, resp *playbook.CompletionResponse) {
	if ctx.Err() != nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		resp:       resp,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
}

// Close stops the background cleanup loop.
func (c *CompletionCache) Close() {
	close(c.stop)
}

// cleanupLoop periodically removes expired items.
func (c *CompletionCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now().UnixNano()
			for key, item := range c.store {
				if now > item.expiration {
					delete(c.store, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}
