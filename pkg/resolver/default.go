package resolver

import (
	"context"
	"sync"

	"github.com/pmkol/hyperdns/pkg/cache/mem_cache"
	"github.com/pmkol/hyperdns/pkg/light_url"
)

const defaultCacheSize = 1000

var (
	defaultMu       sync.Mutex
	defaultResolver *Resolver
)

// Default returns the process wide Resolver. It is created on first
// use with the builtin protocols and an in-memory cache.
func Default() (*Resolver, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultResolver != nil {
		return defaultResolver, nil
	}
	r, err := NewResolver(Opts{
		Cache: mem_cache.NewMemCache(mem_cache.MemCacheOpts{Size: defaultCacheSize}),
	})
	if err != nil {
		return nil, err
	}
	defaultResolver = r
	return r, nil
}

// SetDefault replaces the process wide Resolver. The previous one is
// returned and not closed.
func SetDefault(r *Resolver) *Resolver {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultResolver
	defaultResolver = r
	return prev
}

// ResolveName calls ResolveName of the default Resolver.
func ResolveName(ctx context.Context, protocolName, name string, q *QueryOpts) (string, error) {
	r, err := Default()
	if err != nil {
		return "", err
	}
	return r.ResolveName(ctx, protocolName, name, q)
}

// ResolveURL calls ResolveURL of the default Resolver.
func ResolveURL(ctx context.Context, input string, q *QueryOpts) (*light_url.URL, error) {
	r, err := Default()
	if err != nil {
		return nil, err
	}
	return r.ResolveURL(ctx, input, q)
}
