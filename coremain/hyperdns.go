package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/hyperdns/mlog"
	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/cache/bolt_cache"
	"github.com/pmkol/hyperdns/pkg/cache/mem_cache"
	"github.com/pmkol/hyperdns/pkg/cache/redis_cache"
	"github.com/pmkol/hyperdns/pkg/light_url"
	"github.com/pmkol/hyperdns/pkg/protocol"
	"github.com/pmkol/hyperdns/pkg/resolver"
	"github.com/pmkol/hyperdns/pkg/server"
	"github.com/pmkol/hyperdns/pkg/server/http_handler"
	"github.com/pmkol/hyperdns/pkg/upstream/sysdns"
	"github.com/pmkol/hyperdns/pkg/utils"
)

var errClosed = errors.New("hyperdns is closed")

const (
	defaultCacheSize            = 1000
	defaultCacheCleanerInterval = 60
)

// Hyperdns owns the cache and the current resolver. The resolver can
// be replaced at runtime, the cache lives as long as Hyperdns.
type Hyperdns struct {
	logger *zap.Logger

	cache    cache.Backend
	cacheCfg CacheConfig
	resolver atomic.Pointer[resolver.Resolver]
	reloadMu sync.Mutex
	closed   bool

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
}

func NewHyperdns(cfg *Config, lg *zap.Logger) (*Hyperdns, error) {
	m := &Hyperdns{
		logger:     lg,
		cacheCfg:   cfg.Cache,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}

	c, err := newCache(cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}
	m.cache = c

	r, err := newResolver(cfg, sharedCache{c}, lg, m.GetMetricsReg())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to init resolver, %w", err)
	}
	m.resolver.Store(r)

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m, nil
}

// RunHyperdns serves the api of cfg until ctx is done. If watch is
// set, changes of the config file f replace the resolver.
func RunHyperdns(ctx context.Context, cfg *Config, f *configFile, watch bool) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := NewHyperdns(cfg, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			lg.Warn("failed to close", zap.Error(err))
		}
	}()

	if watch && f != nil {
		f.watch(lg, func() {
			newCfg, err := f.load()
			if err != nil {
				lg.Error("failed to reload config", zap.Error(err))
				return
			}
			if err := m.Reload(newCfg); err != nil {
				lg.Error("failed to reload resolver", zap.Error(err))
				return
			}
			lg.Info("resolver reloaded")
		})
	}
	return m.Serve(ctx, cfg.API)
}

// Serve serves the api until ctx is done.
func (m *Hyperdns) Serve(ctx context.Context, api APIConfig) error {
	if len(api.HTTP) == 0 {
		return errors.New("no api http address is configured")
	}
	h, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Resolver:    m,
		SrcIPHeader: api.SrcIPHeader,
		Logger:      m.logger,
	})
	if err != nil {
		return err
	}
	m.httpAPIMux.Handle("/", h)

	l, err := net.Listen("tcp", api.HTTP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s, %w", api.HTTP, err)
	}
	srv := server.NewServer(server.ServerOpts{
		Logger:      m.logger,
		HttpHandler: m.httpAPIMux,
		IdleTimeout: api.IdleTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.logger.Info("starting api http server", zap.String("addr", api.HTTP))
		if err := srv.ServeHTTP(l); !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("api http server exited, %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		return nil
	})
	return g.Wait()
}

// Reload replaces the resolver with one built from cfg. The cache is
// kept, changes of its config need a restart. Reload fails after Close.
func (m *Hyperdns) Reload(cfg *Config) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.closed {
		return errClosed
	}

	if cfg.Cache != m.cacheCfg {
		m.logger.Warn("cache config changed, restart to apply it")
	}
	r, err := newResolver(cfg, sharedCache{m.cache}, m.logger, m.GetMetricsReg())
	if err != nil {
		return err
	}
	if old := m.resolver.Swap(r); old != nil {
		return old.Close()
	}
	return nil
}

// Resolver returns the current resolver.
func (m *Hyperdns) Resolver() *resolver.Resolver {
	return m.resolver.Load()
}

func (m *Hyperdns) Resolve(ctx context.Context, name string, q *resolver.QueryOpts) (map[string]string, error) {
	return m.Resolver().Resolve(ctx, name, q)
}

func (m *Hyperdns) ResolveName(ctx context.Context, protocol, name string, q *resolver.QueryOpts) (string, error) {
	return m.Resolver().ResolveName(ctx, protocol, name, q)
}

func (m *Hyperdns) ResolveURL(ctx context.Context, input string, q *resolver.QueryOpts) (*light_url.URL, error) {
	return m.Resolver().ResolveURL(ctx, input, q)
}

func (m *Hyperdns) ClearName(ctx context.Context, name string) error {
	return m.cache.ClearName(ctx, name)
}

func (m *Hyperdns) Clear(ctx context.Context) error {
	return m.cache.Clear(ctx)
}

func (m *Hyperdns) Flush(ctx context.Context) error {
	return m.cache.Flush(ctx)
}

// Close closes the resolver and the cache. The closed resolver stays
// in place for callers that are still running.
func (m *Hyperdns) Close() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return multierr.Append(m.resolver.Load().Close(), m.cache.Close())
}

func (m *Hyperdns) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("hyperdns_", m.metricsReg)
}

func (m *Hyperdns) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// sharedCache is a cache that outlives the resolvers using it.
type sharedCache struct {
	cache.Backend
}

func (sharedCache) Close() error {
	return nil
}

// defaultCacheFile returns {user cache dir}/hyperdns/cache.db.
func defaultCacheFile() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hyperdns", "cache.db"), nil
}

func newCache(cfg CacheConfig, lg *zap.Logger) (cache.Backend, error) {
	utils.SetDefaultNum(&cfg.Size, defaultCacheSize)
	if cfg.CleanerInterval == 0 {
		cfg.CleanerInterval = defaultCacheCleanerInterval * time.Second
	}
	mem := mem_cache.NewMemCache(mem_cache.MemCacheOpts{
		Size:            cfg.Size,
		CleanerInterval: cfg.CleanerInterval,
	})

	var durable cache.Backend
	switch cfg.Backend {
	case "", "file":
		file := cfg.File
		if len(file) == 0 {
			var err error
			if file, err = defaultCacheFile(); err != nil {
				mem.Close()
				return nil, fmt.Errorf("no cache file is configured and the user cache dir is unknown, %w", err)
			}
		}
		c, err := bolt_cache.NewBoltCache(bolt_cache.BoltCacheOpts{
			File:        file,
			AutoClose:   cfg.AutoClose,
			MaxFileSize: cfg.MaxFileSize,
			Logger:      lg,
		})
		if err != nil {
			mem.Close()
			return nil, err
		}
		lg.Info("file cache enabled", zap.String("file", file))
		durable = c
	case "redis":
		opt, err := redis.ParseURL(cfg.Redis)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		c, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: cfg.RedisTimeout,
			KeyPrefix:     cfg.RedisPrefix,
			Logger:        lg,
		})
		if err != nil {
			client.Close()
			mem.Close()
			return nil, err
		}
		lg.Info("redis cache enabled", zap.String("addr", opt.Addr))
		durable = c
	case "none":
		return mem, nil
	default:
		mem.Close()
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	return cache.NewLayered(mem, durable), nil
}

func newProtocols(cfg *Config) ([]*protocol.Protocol, error) {
	var ps []*protocol.Protocol
	builtin := protocol.Builtin()
	if len(cfg.Resolver.Builtin) == 0 {
		ps = builtin
	} else {
		for _, name := range cfg.Resolver.Builtin {
			i := slices.IndexFunc(builtin, func(p *protocol.Protocol) bool { return p.Name == name })
			if i < 0 {
				return nil, fmt.Errorf("unknown builtin protocol %s", name)
			}
			ps = append(ps, builtin[i])
		}
	}
	for _, pc := range cfg.Protocols {
		p, err := protocol.FromConfig(pc)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, nil
}

func newResolver(cfg *Config, c cache.Backend, lg *zap.Logger, reg prometheus.Registerer) (*resolver.Resolver, error) {
	rc := cfg.Resolver
	ps, err := newProtocols(cfg)
	if err != nil {
		return nil, err
	}

	opts := resolver.Opts{
		Protocols:          ps,
		Cache:              c,
		DoH:                rc.DoH,
		NoDoH:              rc.NoDoH,
		HTTP3:              rc.HTTP3,
		UserAgent:          rc.UserAgent,
		TTL:                rc.TTL,
		MinTTL:             rc.MinTTL,
		MaxTTL:             rc.MaxTTL,
		IgnoreCache:        rc.IgnoreCache,
		IgnoreCachedMiss:   rc.IgnoreCachedMiss,
		NoCorsWarning:      rc.NoCorsWarning,
		Timeout:            rc.Timeout,
		ProtocolPreference: rc.ProtocolPreference,
		FallbackProtocol:   rc.FallbackProtocol,
		Logger:             lg,
		Registerer:         reg,
	}
	if len(rc.SystemServers) > 0 || len(rc.ResolvConf) > 0 {
		s, err := sysdns.NewResolver(sysdns.Opts{
			Servers:    rc.SystemServers,
			ResolvConf: rc.ResolvConf,
			Logger:     lg,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init system dns, %w", err)
		}
		opts.System = s
	}
	return resolver.NewResolver(opts)
}
