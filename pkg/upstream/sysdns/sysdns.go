package sysdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/pkg/dnsutils"
	"github.com/pmkol/hyperdns/pkg/utils"
)

var nopLogger = zap.NewNop()

const (
	defaultResolvConf = "/etc/resolv.conf"
	defaultTimeout    = 5 * time.Second
)

var ErrNoServer = errors.New("no dns server configured")

// RcodeError is returned when a server answers with a non-success rcode.
type RcodeError struct {
	Name  string
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("txt lookup of %s: %s", e.Name, dnsutils.RcodeToString(e.Rcode))
}

type Opts struct {
	// Servers are "host:port" addresses. If empty, the nameservers
	// of ResolvConf are used.
	Servers []string

	// ResolvConf, default is /etc/resolv.conf.
	ResolvConf string

	// Timeout of a single exchange. Default is 5s.
	Timeout time.Duration

	// Logger is the *zap.Logger for this Resolver.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	utils.SetDefaultString(&opts.ResolvConf, defaultResolvConf)
	utils.SetDefaultNum(&opts.Timeout, defaultTimeout)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if len(opts.Servers) == 0 {
		conf, err := dns.ClientConfigFromFile(opts.ResolvConf)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.ResolvConf, err)
		}
		for _, s := range conf.Servers {
			opts.Servers = append(opts.Servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(opts.Servers) == 0 {
		return ErrNoServer
	}
	return nil
}

// Resolver is the operating system's view of DNS: it sends plain
// TXT queries to the configured nameservers in order.
type Resolver struct {
	opts Opts
	udp  *dns.Client
	tcp  *dns.Client
}

func NewResolver(opts Opts) (*Resolver, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Resolver{
		opts: opts,
		udp:  &dns.Client{Net: "udp", Timeout: opts.Timeout},
		tcp:  &dns.Client{Net: "tcp", Timeout: opts.Timeout},
	}, nil
}

func (r *Resolver) Servers() []string {
	return r.opts.Servers
}

func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]dnsutils.TxtAnswer, error) {
	q := dnsutils.NewTXTQuery(name)

	var lastErr error
	for _, server := range r.opts.Servers {
		m, err := r.exchange(ctx, q, server)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.opts.Logger.Debug("txt exchange failed", zap.String("server", server), zap.String("name", name), zap.Error(err))
			lastErr = err
			continue
		}
		if m.Rcode != dns.RcodeSuccess {
			return nil, &RcodeError{Name: name, Rcode: m.Rcode}
		}
		return dnsutils.TxtAnswers(m), nil
	}
	return nil, lastErr
}

func (r *Resolver) exchange(ctx context.Context, q *dns.Msg, server string) (*dns.Msg, error) {
	m, _, err := r.udp.ExchangeContext(ctx, q, server)
	if err != nil {
		return nil, err
	}
	if m.Truncated {
		m, _, err = r.tcp.ExchangeContext(ctx, q, server)
	}
	return m, err
}
