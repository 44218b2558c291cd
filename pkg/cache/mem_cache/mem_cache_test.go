package mem_cache

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/hyperdns/pkg/cache"
)

func Test_memCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(MemCacheOpts{Size: 1024})
	defer c.Close()

	for i := 0; i < 128; i++ {
		name := strconv.Itoa(i) + ".example.com"
		require.NoError(t, c.Store(ctx, "dat", name, cache.Record{Key: name, Expires: 1}))
		r, err := c.Get(ctx, "dat", name)
		require.NoError(t, err)
		require.NotNil(t, r)
		require.Equal(t, name, r.Key)
	}

	for i := 0; i < 1024*4; i++ {
		require.NoError(t, c.Store(ctx, "dat", strconv.Itoa(i), cache.Record{Expires: 1}))
	}
	require.LessOrEqual(t, c.Len(), 1024)

	r, err := c.Get(ctx, "hyper", "nowhere.example.com")
	require.NoError(t, err)
	require.Nil(t, r)
}

func Test_memCache_evictLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := NewMemCache(MemCacheOpts{Size: 2, Clock: clock})
	defer c.Close()
	live := clock.Now().Add(time.Hour).UnixMilli()

	require.NoError(t, c.Store(ctx, "dat", "a.com", cache.Record{Key: "a", Expires: live}))
	require.NoError(t, c.Store(ctx, "dat", "b.com", cache.Record{Key: "b", Expires: live}))
	r, _ := c.Get(ctx, "dat", "a.com")
	require.NotNil(t, r)
	require.NoError(t, c.Store(ctx, "dat", "c.com", cache.Record{Key: "c", Expires: live}))

	r, _ = c.Get(ctx, "dat", "b.com")
	require.Nil(t, r)
	r, _ = c.Get(ctx, "dat", "a.com")
	require.NotNil(t, r)
}

func Test_memCache_expiredNotPromoted(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := NewMemCache(MemCacheOpts{Size: 2, Clock: clock})
	defer c.Close()
	now := clock.Now().UnixMilli()

	require.NoError(t, c.Store(ctx, "dat", "a.com", cache.Record{Key: "a", Expires: now - 1}))
	require.NoError(t, c.Store(ctx, "dat", "b.com", cache.Record{Key: "b", Expires: now + 1000}))
	r, _ := c.Get(ctx, "dat", "a.com")
	require.NotNil(t, r)
	require.Equal(t, "a", r.Key)
	require.NoError(t, c.Store(ctx, "dat", "c.com", cache.Record{Key: "c", Expires: now + 1000}))

	r, _ = c.Get(ctx, "dat", "a.com")
	require.Nil(t, r)
	r, _ = c.Get(ctx, "dat", "b.com")
	require.NotNil(t, r)
}

func Test_memCache_clearName(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(MemCacheOpts{Size: 64})
	defer c.Close()

	for _, p := range []string{"dat", "hyper", "cabal"} {
		require.NoError(t, c.Store(ctx, p, "a.com", cache.Record{Key: p + "-a", Expires: 1}))
		require.NoError(t, c.Store(ctx, p, "b.com", cache.Record{Key: p + "-b", Expires: 1}))
	}
	require.NoError(t, c.ClearName(ctx, "a.com"))

	for _, p := range []string{"dat", "hyper", "cabal"} {
		r, _ := c.Get(ctx, p, "a.com")
		require.Nil(t, r, p)
		r, _ = c.Get(ctx, p, "b.com")
		require.NotNil(t, r, p)
		require.Equal(t, p+"-b", r.Key)
	}

	require.NoError(t, c.Clear(ctx))
	require.Equal(t, 0, c.Len())
}

func Test_memCache_flush(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := NewMemCache(MemCacheOpts{Size: 64, Clock: clock})
	defer c.Close()

	now := clock.Now().UnixMilli()
	require.NoError(t, c.Store(ctx, "dat", "old.com", cache.Record{Key: "old", Expires: now - 1}))
	require.NoError(t, c.Store(ctx, "dat", "new.com", cache.Record{Key: "new", Expires: now + 1000}))

	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 1, c.Len())

	// flushing again changes nothing
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 1, c.Len())
	r, _ := c.Get(ctx, "dat", "new.com")
	require.NotNil(t, r)

	clock.Advance(2 * time.Second)
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 0, c.Len())
}

func Test_memCache_cleaner(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(MemCacheOpts{Size: 1024, CleanerInterval: time.Millisecond * 10})
	defer c.Close()

	expired := time.Now().Add(-time.Second).UnixMilli()
	for i := 0; i < 64; i++ {
		require.NoError(t, c.Store(ctx, "dat", strconv.Itoa(i), cache.Record{Expires: expired}))
	}

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond*10)
}

func Test_memCache_closed(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(MemCacheOpts{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.NoError(t, c.Store(ctx, "dat", "a.com", cache.Record{Key: "a", Expires: 1}))
	r, err := c.Get(ctx, "dat", "a.com")
	require.NoError(t, err)
	require.Nil(t, r)
}

func Test_memCache_race(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(MemCacheOpts{Size: 1024})
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				name := strconv.Itoa(i)
				_ = c.Store(ctx, "dat", name, cache.Record{Expires: 1})
				_, _ = c.Get(ctx, "dat", name)
				_ = c.ClearName(ctx, "0")
				_ = c.Flush(ctx)
			}
		}()
	}
	wg.Wait()
}
