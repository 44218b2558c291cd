package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/protocol"
	"github.com/pmkol/hyperdns/pkg/resolve_context"
)

// resolveProtocol resolves name with p. Concurrent calls for the same
// protocol and name share one resolution unless the cache is ignored.
// An empty key means that nothing was found.
func (r *Resolver) resolveProtocol(ctx context.Context, s *settings, rc *resolve_context.Context, p *protocol.Protocol, name string) (string, error) {
	if s.ignoreCache {
		return r.resolveOnce(ctx, s, rc, p, name)
	}

	led := false
	ch := r.inflight.DoChan(cache.Key(p.Name, name), func() (any, error) {
		led = true
		return r.resolveOnce(ctx, s, rc, p, name)
	})
	select {
	case res := <-ch:
		if !led {
			r.metrics.coalesced.WithLabelValues(p.Name).Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) resolveOnce(ctx context.Context, s *settings, rc *resolve_context.Context, p *protocol.Protocol, name string) (string, error) {
	lg := r.logger.With(rc.InfoField(), zap.String("protocol", p.Name), zap.String("name", name))

	var cached *cache.Record
	if s.cache != nil && !s.ignoreCache {
		var err error
		if cached, err = r.cacheEntry(ctx, s, p, name); err != nil {
			return "", err
		}
		if r.isEntryActive(lg, cached, s.ignoreCachedMiss) {
			if cached.Miss() {
				r.metrics.result(p.Name, resultCachedMiss)
			} else {
				r.metrics.result(p.Name, resultCacheHit)
			}
			lg.Debug("cache hit", zap.String("key", cached.Key), zap.Int64("expires", cached.Expires))
			return cached.Key, nil
		}
	}

	entry, err := r.lookup(ctx, s, rc, p, name, lg)
	if err != nil {
		if isFatal(err) {
			return "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return r.fallbackToCache(ctx, s, p, name, cached, err, lg)
	}

	r.storeEntry(ctx, s, p, name, entry, lg)
	if entry.Miss() {
		r.metrics.result(p.Name, resultMiss)
	} else {
		r.metrics.result(p.Name, resultResolved)
	}
	return entry.Key, nil
}

// cacheEntry reads the cached record of name. Cache failures and
// records whose key is not a valid key of p are treated as absent.
func (r *Resolver) cacheEntry(ctx context.Context, s *settings, p *protocol.Protocol, name string) (*cache.Record, error) {
	e, err := s.cache.Get(ctx, p.Name, name)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("failed to read cache", zap.String("protocol", p.Name), zap.String("name", name), zap.Error(err))
		return nil, nil
	}
	if e == nil {
		return nil, nil
	}
	if !e.Miss() && !p.IsKey(e.Key) {
		r.logger.Debug("ignoring cached entry with an invalid key", zap.String("protocol", p.Name), zap.String("name", name), zap.String("key", e.Key))
		return nil, nil
	}
	return e, nil
}

func (r *Resolver) isEntryActive(lg *zap.Logger, e *cache.Record, ignoreCachedMiss bool) bool {
	if e == nil {
		return false
	}
	now := r.clock.Now().UnixMilli()
	if e.Expired(now) {
		lg.Debug("cached entry expired", zap.Int64("expires", e.Expires), zap.Int64("now", now))
		return false
	}
	if e.Miss() && ignoreCachedMiss {
		lg.Debug("ignoring cached miss")
		return false
	}
	return true
}

// lookup runs the protocol and turns its result into a cache record.
// Records without a TTL get no expiration and are never stored.
func (r *Resolver) lookup(ctx context.Context, s *settings, rc *resolve_context.Context, p *protocol.Protocol, name string, lg *zap.Logger) (cache.Record, error) {
	start := time.Now()
	res, err := p.Lookup(ctx, rc, name)
	r.metrics.lookupDuration.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return cache.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return cache.Record{}, err
	}

	ttl, hasTTL := s.ttl, true
	var entry cache.Record
	if res != nil {
		entry.Key = res.Key
		if res.TTL < 0 {
			hasTTL = false
		} else {
			ttl = res.TTL
		}
	}
	if hasTTL {
		ttl = s.clampTTL(ttl)
		entry.Expires = r.clock.Now().UnixMilli() + int64(ttl)*1000
	}

	if entry.Miss() {
		lg.Debug("lookup found nothing, marking it as a miss", zap.Int("ttl", ttl))
	} else {
		lg.Debug("lookup succeeded", zap.String("key", entry.Key), zap.Int("ttl", ttl), zap.Bool("cacheable", hasTTL))
	}
	return entry, nil
}

// storeEntry writes entry to the cache if it expires in the future but
// not later than MaxTTL from now. Failures are logged only.
func (r *Resolver) storeEntry(ctx context.Context, s *settings, p *protocol.Protocol, name string, entry cache.Record, lg *zap.Logger) {
	if s.cache == nil || entry.Expires == 0 {
		return
	}
	now := r.clock.Now().UnixMilli()
	if now >= entry.Expires || entry.Expires > now+int64(s.maxTTL)*1000 {
		return
	}
	if err := s.cache.Store(ctx, p.Name, name, entry); err != nil {
		lg.Warn("failed to store cache entry", zap.Error(err))
	}
}

func (r *Resolver) fallbackToCache(ctx context.Context, s *settings, p *protocol.Protocol, name string, cached *cache.Record, lookupErr error, lg *zap.Logger) (string, error) {
	if s.ignoreCache && s.cache != nil {
		lg.Debug("lookup failed, falling back to cache", zap.Error(lookupErr))
		e, err := r.cacheEntry(ctx, s, p, name)
		if err != nil {
			return "", err
		}
		if e != nil {
			r.metrics.result(p.Name, resultStale)
			return e.Key, nil
		}
		r.metrics.result(p.Name, resultFailed)
		return "", nil
	}
	if cached != nil {
		lg.Debug("lookup failed, using stale cache entry", zap.Int64("expires", cached.Expires), zap.Error(lookupErr))
		r.metrics.result(p.Name, resultStale)
		return cached.Key, nil
	}
	lg.Debug("lookup failed", zap.Error(lookupErr))
	r.metrics.result(p.Name, resultFailed)
	return "", nil
}
