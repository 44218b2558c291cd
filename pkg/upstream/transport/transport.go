package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/pmkol/hyperdns/pkg/utils"
)

var nopLogger = zap.NewNop()

const (
	defaultTimeout         = 10 * time.Second
	defaultIdleConnTimeout = 30 * time.Second
	defaultDialTimeout     = 5 * time.Second
)

type Opts struct {
	// Timeout limits a whole request including reading the body.
	// Default is 10s.
	Timeout time.Duration

	// IdleConnTimeout, default is 30s.
	IdleConnTimeout time.Duration

	// HTTP3 uses a quic transport instead of tcp.
	HTTP3 bool

	// TLSConfig is optional.
	TLSConfig *tls.Config

	// Logger is the *zap.Logger for this Client.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() {
	utils.SetDefaultNum(&opts.Timeout, defaultTimeout)
	utils.SetDefaultNum(&opts.IdleConnTimeout, defaultIdleConnTimeout)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Client is a *http.Client that never follows redirects. Callers
// handle 3xx responses themselves.
type Client struct {
	*http.Client
	closeFn func() error
}

func NewClient(opts Opts) (*Client, error) {
	opts.Init()

	var (
		rt      http.RoundTripper
		closeFn func() error
	)
	if opts.HTTP3 {
		t := &http3.Transport{
			TLSClientConfig: opts.TLSConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  opts.IdleConnTimeout,
				KeepAlivePeriod: opts.IdleConnTimeout / 2,
			},
		}
		rt = t
		closeFn = func() error {
			t.CloseIdleConnections()
			return t.Close()
		}
	} else {
		dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
		t1 := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSClientConfig:       opts.TLSConfig,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       opts.IdleConnTimeout,
			TLSHandshakeTimeout:   defaultDialTimeout,
			ExpectContinueTimeout: time.Second,
		}
		t2, err := http2.ConfigureTransports(t1)
		if err != nil {
			return nil, fmt.Errorf("failed to configure http2: %w", err)
		}
		t2.ReadIdleTimeout = opts.IdleConnTimeout
		t2.PingTimeout = defaultDialTimeout
		rt = t1
		closeFn = func() error {
			t1.CloseIdleConnections()
			return nil
		}
	}

	opts.Logger.Debug("http client created", zap.Bool("http3", opts.HTTP3), zap.Duration("timeout", opts.Timeout))
	return &Client{
		Client: &http.Client{
			Transport: rt,
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		closeFn: closeFn,
	}, nil
}

// Close closes idle connections and, for HTTP/3, the quic transport.
func (c *Client) Close() error {
	return c.closeFn()
}
