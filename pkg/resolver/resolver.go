package resolver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/hyperdns/pkg/dnsutils"
	"github.com/pmkol/hyperdns/pkg/light_url"
	"github.com/pmkol/hyperdns/pkg/protocol"
	"github.com/pmkol/hyperdns/pkg/resolve_context"
	"github.com/pmkol/hyperdns/pkg/upstream/doh"
	"github.com/pmkol/hyperdns/pkg/upstream/sysdns"
	"github.com/pmkol/hyperdns/pkg/upstream/transport"
)

// Resolver resolves names to keys of p2p protocols.
type Resolver struct {
	opts   Opts
	logger *zap.Logger
	clock  clockwork.Clock

	protocols  map[string]*protocol.Protocol
	txt        []resolve_context.TxtResolver
	system     resolve_context.TxtResolver
	httpClient resolve_context.Doer
	closers    []io.Closer

	inflight singleflight.Group
	metrics  *metrics

	closeOnce sync.Once
}

func NewResolver(opts Opts) (*Resolver, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	r := &Resolver{
		opts:      opts,
		logger:    opts.Logger,
		clock:     opts.Clock,
		protocols: make(map[string]*protocol.Protocol, len(opts.Protocols)),
		system:    opts.System,
		metrics:   m,
	}
	for _, p := range opts.Protocols {
		r.protocols[p.Name] = p
	}

	r.httpClient = opts.HTTPClient
	if r.httpClient == nil {
		c, err := transport.NewClient(transport.Opts{HTTP3: opts.HTTP3, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		r.httpClient = c
		r.closers = append(r.closers, c)
	}

	r.txt = opts.TxtResolvers
	if r.txt == nil {
		for _, endpoint := range opts.DoH {
			r.txt = append(r.txt, doh.NewUpstream(endpoint, r.httpClient, opts.UserAgent))
		}
	}

	if r.system == nil {
		s, err := sysdns.NewResolver(sysdns.Opts{Logger: opts.Logger})
		if err != nil {
			r.logger.Warn("system dns is not available, txt lookups rely on doh only", zap.Error(err))
		} else {
			r.system = s
		}
	}
	return r, nil
}

func (r *Resolver) corsWarning(name, url string) {
	if r.opts.NoCorsWarning {
		return
	}
	if f := r.opts.CorsWarning; f != nil {
		f(name, url)
		return
	}
	r.logger.Warn("well-known record is not served with access-control-allow-origin=*, it is not universally accessible",
		zap.String("name", name), zap.String("url", url))
}

func (r *Resolver) protocol(name string) (*protocol.Protocol, error) {
	p, ok := r.protocols[name]
	if !ok {
		names := make([]string, 0, len(r.opts.Protocols))
		for _, p := range r.opts.Protocols {
			names = append(names, p.Name)
		}
		return nil, configErrorf("unsupported protocol %s, supported protocols are [%s]", name, strings.Join(names, ", "))
	}
	return p, nil
}

// Protocols returns the names of the configured protocols.
func (r *Resolver) Protocols() []string {
	names := make([]string, 0, len(r.opts.Protocols))
	for _, p := range r.opts.Protocols {
		names = append(names, p.Name)
	}
	return names
}

func (r *Resolver) newContext(s *settings) *resolve_context.Context {
	var corsWarning func(name, url string)
	if !r.opts.NoCorsWarning {
		corsWarning = s.corsWarning
	}
	return resolve_context.NewContext(resolve_context.Opts{
		DoH:         r.txt,
		System:      r.system,
		NoDoH:       s.noDoH,
		Doer:        r.httpClient,
		UserAgent:   r.opts.UserAgent,
		TTL:         s.ttl,
		LocalPort:   s.localPort,
		CorsWarning: corsWarning,
		Logger:      r.logger,
	})
}

func withTimeout(ctx context.Context, s *settings) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// ResolveProtocol resolves name with the protocol called protocolName.
// An empty key means that nothing was found.
func (r *Resolver) ResolveProtocol(ctx context.Context, protocolName, name string, q *QueryOpts) (string, error) {
	s, err := r.settings(q)
	if err != nil {
		return "", err
	}
	p, err := r.protocol(protocolName)
	if err != nil {
		return "", err
	}
	ctx, cancel := withTimeout(ctx, s)
	defer cancel()
	return r.resolveProtocol(ctx, s, r.newContext(s), p, name)
}

// Resolve resolves name with all protocols in parallel. The result maps
// every protocol name to its key, an empty key means nothing was found.
func (r *Resolver) Resolve(ctx context.Context, name string, q *QueryOpts) (map[string]string, error) {
	s, err := r.settings(q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s)
	defer cancel()
	rc := r.newContext(s)

	var mu sync.Mutex
	keys := make(map[string]string, len(s.protocols))
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.protocols {
		g.Go(func() error {
			key, err := r.resolveProtocol(gctx, s, rc, p, name)
			if err != nil {
				return err
			}
			mu.Lock()
			keys[p.Name] = key
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.logger.Debug("resolved", rc.InfoField(), zap.String("name", name), zap.Duration("elapsed", time.Since(rc.StartTime())))
	return keys, nil
}

// ResolveURL replaces the hostname of input with its key.
// A url with a supported protocol must resolve or RecordNotFoundError
// is returned. A url without protocol gets the first protocol that
// resolves, in preference order, or the fallback protocol. Urls of
// other protocols are returned as they are.
func (r *Resolver) ResolveURL(ctx context.Context, input string, q *QueryOpts) (*light_url.URL, error) {
	parts := light_url.Split(input)
	if len(parts.Hostname) == 0 {
		return nil, light_url.ErrNoHostname
	}

	qq := QueryOpts{}
	if q != nil {
		qq = *q
	}
	if len(qq.LocalPort) == 0 {
		qq.LocalPort = parts.Port
	}
	s, err := r.settings(&qq)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s)
	defer cancel()
	rc := r.newContext(s)

	if len(parts.Protocol) > 0 {
		p, ok := s.supports(strings.TrimSuffix(parts.Protocol, ":"))
		if !ok {
			return light_url.FromParts(parts), nil
		}
		key, err := r.resolveProtocol(ctx, s, rc, p, parts.Hostname)
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			return nil, &RecordNotFoundError{Name: parts.Hostname}
		}
		parts.Hostname = key
		return light_url.FromParts(parts), nil
	}

	for _, p := range s.ordered() {
		key, err := r.resolveProtocol(ctx, s, rc, p, parts.Hostname)
		if err != nil {
			return nil, err
		}
		if len(key) > 0 {
			parts.Protocol = p.Name + ":"
			parts.Hostname = key
			parts.Slashes = "//"
			return light_url.FromParts(parts), nil
		}
	}
	parts.Protocol = s.fallback + ":"
	return light_url.FromParts(parts), nil
}

// ResolveName is ResolveProtocol for user input. Keys are returned as
// they are. Other input must be a fully qualified domain name, it may
// carry a version ("example.com+5") and use unicode. A name without
// key is a RecordNotFoundError.
func (r *Resolver) ResolveName(ctx context.Context, protocolName, name string, q *QueryOpts) (string, error) {
	p, err := r.protocol(protocolName)
	if err != nil {
		return "", err
	}
	if key, ok := p.Key.Match(name); ok {
		return key, nil
	}

	domain, err := CleanName(name)
	if err != nil {
		return "", err
	}
	key, err := r.ResolveProtocol(ctx, protocolName, domain, q)
	if err != nil {
		return "", err
	}
	if len(key) == 0 {
		return "", &RecordNotFoundError{Name: name}
	}
	return key, nil
}

// CleanName extracts the domain of name, e.g. "example.com" of
// "hyper://example.com+5/", and checks that it is a fqdn. The result
// is ascii.
func CleanName(name string) (string, error) {
	parts := light_url.Split(name)
	host := parts.Hostname
	if len(host) == 0 {
		host = parts.Pathname
	}
	host = dnsutils.TrimFqdn(host)
	if !strings.Contains(host, ".") {
		return "", fmt.Errorf("%w: %s", ErrNotFQDN, name)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFQDN, name, err)
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFQDN, name)
	}
	return ascii, nil
}

// Clear removes all cached records.
func (r *Resolver) Clear(ctx context.Context) error {
	if r.opts.Cache == nil {
		return nil
	}
	return r.opts.Cache.Clear(ctx)
}

// ClearName removes the cached records of name for all protocols.
func (r *Resolver) ClearName(ctx context.Context, name string) error {
	if r.opts.Cache == nil {
		return nil
	}
	return r.opts.Cache.ClearName(ctx, name)
}

// Flush removes expired cached records.
func (r *Resolver) Flush(ctx context.Context) error {
	if r.opts.Cache == nil {
		return nil
	}
	return r.opts.Cache.Flush(ctx)
}

// Close closes the cache and the http client the resolver created.
func (r *Resolver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.opts.Cache != nil {
			err = multierr.Append(err, r.opts.Cache.Close())
		}
		for _, c := range r.closers {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}
