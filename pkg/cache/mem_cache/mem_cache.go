package mem_cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/concurrent_lru"
	"github.com/pmkol/hyperdns/pkg/utils"
)

const (
	defaultSize  = 1000
	maxShards    = 64
	minShardSize = 64
)

type MemCacheOpts struct {
	// Size is the maximum number of records. Default is 1000.
	Size int

	// CleanerInterval is the interval of the background flush.
	// Zero or negative disables the cleaner.
	CleanerInterval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// MemCache is an in-memory LRU cache.Backend keyed by "{protocol}:{name}".
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}
	clock            clockwork.Clock
	lru              *concurrent_lru.ShardedLRU[cache.Record]
}

var _ cache.Backend = (*MemCache)(nil)

func NewMemCache(opts MemCacheOpts) *MemCache {
	utils.SetDefaultNum(&opts.Size, defaultSize)
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	shards := 1
	for shards < maxShards && shards*2*minShardSize <= opts.Size {
		shards *= 2
	}
	sizePerShard := (opts.Size + shards - 1) / shards

	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		clock:            opts.Clock,
		lru:              concurrent_lru.NewShardedLRU[cache.Record](shards, sizePerShard, nil),
	}

	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

// Get returns the record of name, expired or not. Only live records
// are moved to the front of the LRU.
func (c *MemCache) Get(_ context.Context, protocol, name string) (*cache.Record, error) {
	if c.isClosed() {
		return nil, nil
	}
	k := cache.Key(protocol, name)
	r, ok := c.lru.Peek(k)
	if !ok {
		return nil, nil
	}
	if !r.Expired(c.clock.Now().UnixMilli()) {
		c.lru.Get(k)
	}
	return &r, nil
}

func (c *MemCache) Store(_ context.Context, protocol, name string, r cache.Record) error {
	if c.isClosed() {
		return nil
	}
	c.lru.Add(cache.Key(protocol, name), r)
	return nil
}

func (c *MemCache) ClearName(_ context.Context, name string) error {
	c.lru.Clean(func(k string, _ cache.Record) bool {
		_, n, ok := cache.SplitKey(k)
		return ok && n == name
	})
	return nil
}

func (c *MemCache) Clear(_ context.Context) error {
	c.lru.Purge()
	return nil
}

func (c *MemCache) Flush(_ context.Context) error {
	c.flush()
	return nil
}

func (c *MemCache) flush() int {
	now := c.clock.Now().UnixMilli()
	return c.lru.Clean(func(_ string, r cache.Record) bool {
		return r.Expired(now)
	})
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
