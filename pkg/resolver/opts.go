package resolver

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	C "github.com/pmkol/hyperdns/constant"
	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/protocol"
	"github.com/pmkol/hyperdns/pkg/resolve_context"
	"github.com/pmkol/hyperdns/pkg/utils"
)

const (
	DefaultTTL              = 60 * 60
	DefaultMinTTL           = 30
	DefaultMaxTTL           = 60 * 60 * 24 * 7
	DefaultFallbackProtocol = "https"
)

var (
	DefaultDoH = []string{
		"https://cloudflare-dns.com:443/dns-query",
		"https://dns.google:443/resolve",
	}

	DefaultUserAgent = fmt.Sprintf("hyperdns/%s", C.Version)

	nopLogger = zap.NewNop()
)

type Opts struct {
	// Protocols, default is protocol.Builtin().
	Protocols []*protocol.Protocol

	// Cache is optional. Without a cache every call is a live lookup.
	Cache cache.Backend

	// DoH lists the DNS-over-HTTPS json endpoints. Default is DefaultDoH.
	DoH []string

	// NoDoH sends all TXT queries to System.
	NoDoH bool

	// TxtResolvers replace the DoH endpoints if set.
	TxtResolvers []resolve_context.TxtResolver

	// System answers TXT queries when all DoH providers failed.
	// Default reads the nameservers from /etc/resolv.conf.
	System resolve_context.TxtResolver

	// HTTPClient sends DoH and well-known requests. It must not follow
	// redirects. Default is a transport.Client.
	HTTPClient resolve_context.Doer

	// HTTP3 makes the default HTTPClient use HTTP/3.
	HTTP3 bool

	// UserAgent, default is DefaultUserAgent.
	UserAgent string

	// TTL is used for results without a TTL. MinTTL and MaxTTL bound
	// every TTL. In seconds.
	TTL    int
	MinTTL int
	MaxTTL int

	IgnoreCache      bool
	IgnoreCachedMiss bool

	// CorsWarning is called for well-known responses that other origins
	// can not read. Default logs a warning. NoCorsWarning disables it.
	CorsWarning   func(name, url string)
	NoCorsWarning bool

	// Timeout of a whole call. Zero means no timeout.
	Timeout time.Duration

	// ProtocolPreference is the order in which ResolveURL tries the
	// protocols for urls without a protocol.
	ProtocolPreference []string

	// FallbackProtocol is set on urls that no protocol could resolve.
	// Default is "https".
	FallbackProtocol string

	Clock clockwork.Clock

	// Logger is the *zap.Logger for this Resolver.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Registerer receives the resolver metrics. Optional.
	Registerer prometheus.Registerer
}

func (opts *Opts) Init() error {
	if opts.Protocols == nil {
		opts.Protocols = protocol.Builtin()
	}
	if opts.DoH == nil {
		opts.DoH = DefaultDoH
	}
	utils.SetDefaultString(&opts.UserAgent, DefaultUserAgent)
	utils.SetDefaultNum(&opts.TTL, DefaultTTL)
	utils.SetDefaultNum(&opts.MinTTL, DefaultMinTTL)
	utils.SetDefaultNum(&opts.MaxTTL, DefaultMaxTTL)
	utils.SetDefaultString(&opts.FallbackProtocol, DefaultFallbackProtocol)
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	if opts.MinTTL > opts.MaxTTL {
		return configErrorf("min_ttl %d is larger than max_ttl %d", opts.MinTTL, opts.MaxTTL)
	}
	if opts.Timeout < 0 {
		return configErrorf("invalid timeout %s", opts.Timeout)
	}

	seen := make(map[string]struct{}, len(opts.Protocols))
	for _, p := range opts.Protocols {
		if err := p.Validate(); err != nil {
			return &ConfigError{Msg: "invalid protocol", Err: err}
		}
		if _, dup := seen[p.Name]; dup {
			return configErrorf("duplicated protocol %s", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	for _, name := range opts.ProtocolPreference {
		if _, ok := seen[name]; !ok {
			return configErrorf("unsupported preferred protocol %s", name)
		}
	}
	for _, endpoint := range opts.DoH {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || len(u.Host) == 0 {
			return configErrorf("invalid doh endpoint %q", endpoint)
		}
	}
	return nil
}

// QueryOpts adjust a single call. Zero values inherit the resolver
// options, so the boolean flags can only be switched on.
type QueryOpts struct {
	IgnoreCache      bool
	IgnoreCachedMiss bool
	NoDoH            bool

	TTL    int
	MinTTL int
	MaxTTL int

	Timeout time.Duration

	// Protocols restricts the protocols of the call by name.
	Protocols []string

	ProtocolPreference []string
	FallbackProtocol   string

	// LocalPort is used in well-known urls of local names. ResolveURL
	// defaults it to the port of the url.
	LocalPort string

	CorsWarning func(name, url string)
}

// settings is the immutable snapshot of one call.
type settings struct {
	protocols        []*protocol.Protocol
	cache            cache.Backend
	noDoH            bool
	ttl              int
	minTTL           int
	maxTTL           int
	ignoreCache      bool
	ignoreCachedMiss bool
	timeout          time.Duration
	preference       []*protocol.Protocol
	fallback         string
	localPort        string
	corsWarning      func(name, url string)
}

func (r *Resolver) settings(q *QueryOpts) (*settings, error) {
	o := &r.opts
	s := &settings{
		protocols:        o.Protocols,
		cache:            o.Cache,
		noDoH:            o.NoDoH,
		ttl:              o.TTL,
		minTTL:           o.MinTTL,
		maxTTL:           o.MaxTTL,
		ignoreCache:      o.IgnoreCache,
		ignoreCachedMiss: o.IgnoreCachedMiss,
		timeout:          o.Timeout,
		fallback:         o.FallbackProtocol,
		corsWarning:      r.corsWarning,
	}
	preference := o.ProtocolPreference

	if q != nil {
		s.ignoreCache = s.ignoreCache || q.IgnoreCache
		s.ignoreCachedMiss = s.ignoreCachedMiss || q.IgnoreCachedMiss
		s.noDoH = s.noDoH || q.NoDoH
		if q.TTL > 0 {
			s.ttl = q.TTL
		}
		if q.MinTTL > 0 {
			s.minTTL = q.MinTTL
		}
		if q.MaxTTL > 0 {
			s.maxTTL = q.MaxTTL
		}
		if q.Timeout > 0 {
			s.timeout = q.Timeout
		}
		if len(q.FallbackProtocol) > 0 {
			s.fallback = q.FallbackProtocol
		}
		if q.ProtocolPreference != nil {
			preference = q.ProtocolPreference
		}
		if q.CorsWarning != nil {
			s.corsWarning = q.CorsWarning
		}
		s.localPort = q.LocalPort
		if len(q.Protocols) > 0 {
			s.protocols = make([]*protocol.Protocol, 0, len(q.Protocols))
			for _, name := range q.Protocols {
				p, err := r.protocol(name)
				if err != nil {
					return nil, err
				}
				s.protocols = append(s.protocols, p)
			}
		}
	}
	if s.minTTL > s.maxTTL {
		return nil, configErrorf("min_ttl %d is larger than max_ttl %d", s.minTTL, s.maxTTL)
	}
	for _, name := range preference {
		p, err := r.protocol(name)
		if err != nil {
			return nil, err
		}
		s.preference = append(s.preference, p)
	}
	return s, nil
}

// ordered returns the preferred protocols followed by the rest.
func (s *settings) ordered() []*protocol.Protocol {
	ps := slices.Clone(s.preference)
	for _, p := range s.protocols {
		if !slices.Contains(ps, p) {
			ps = append(ps, p)
		}
	}
	return ps
}

// supports reports whether the call resolves protocol name.
func (s *settings) supports(name string) (*protocol.Protocol, bool) {
	for _, p := range s.protocols {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

func (s *settings) clampTTL(ttl int) int {
	return utils.ClampNum(ttl, s.minTTL, s.maxTTL)
}
