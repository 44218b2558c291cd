package resolve_context

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/pkg/dnsutils"
)

// NoTTL marks a Record that must not be cached.
const NoTTL = dnsutils.NoTTL

const maxWellKnownSize = 64 * 1024

var (
	ErrNoTxtResolver        = errors.New("no system txt resolver")
	ErrInvalidRedirectLimit = errors.New("invalid redirect limit")

	nopLogger = zap.NewNop()
	ttlLine   = regexp.MustCompile(`(?i)^ttl=(\d+)$`)
)

// Record is what a protocol found for a name.
type Record struct {
	Key string
	// TTL in seconds, NoTTL for keys that were given literally.
	TTL int
}

type TxtAnswer = dnsutils.TxtAnswer

// Matcher extracts a key from a string.
type Matcher interface {
	Match(s string) (key string, ok bool)
}

type TxtResolver interface {
	LookupTXT(ctx context.Context, name string) ([]TxtAnswer, error)
}

// Doer sends http requests. Implementations must not follow redirects.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Opts struct {
	// DoH providers, tried in random order.
	DoH []TxtResolver

	// System is used when all DoH providers failed or NoDoH is set.
	System TxtResolver
	NoDoH  bool

	// Doer is used for well-known lookups. Required for them.
	Doer      Doer
	UserAgent string

	// TTL in seconds for records that carry no valid TTL.
	TTL int

	// LocalPort is appended to well-known urls of local names.
	LocalPort string

	// CorsWarning is called for well-known responses without
	// "Access-Control-Allow-Origin: *". Optional.
	CorsWarning func(name, url string)

	// Logger is the *zap.Logger for this Context.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

// Context is shared by all protocol lookups of one resolve call.
// TXT answers are fetched at most once per name and Context.
type Context struct {
	opts      Opts
	id        uint32
	startTime time.Time

	mu  sync.Mutex
	txt map[string]*txtLookup
}

type txtLookup struct {
	done    chan struct{}
	answers []TxtAnswer
	err     error
}

var contextUid uint32

func NewContext(opts Opts) *Context {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return &Context{
		opts:      opts,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
		txt:       make(map[string]*txtLookup),
	}
}

// Id returns the Context id.
func (c *Context) Id() uint32 {
	return c.id
}

// StartTime returns the time when the Context was created.
func (c *Context) StartTime() time.Time {
	return c.startTime
}

func (c *Context) String() string {
	return fmt.Sprintf("rc %d", c.id)
}

// InfoField returns a zap.Field.
func (c *Context) InfoField() zap.Field {
	return zap.Uint32("rc", c.id)
}

// IsLocal reports whether name can not be looked up in public dns.
func IsLocal(name string) bool {
	return name == "localhost" ||
		strings.HasSuffix(name, ".local") ||
		strings.HasSuffix(name, ".localhost") ||
		!strings.Contains(name, ".")
}

func (c *Context) IsLocal(name string) bool {
	return IsLocal(name)
}

// MatchRegex returns a Record if name itself is a key.
func (c *Context) MatchRegex(name string, m Matcher) *Record {
	key, ok := m.Match(name)
	if !ok {
		return nil
	}
	c.opts.Logger.Debug("name is a key, no resolving needed", c.InfoField(), zap.String("name", name))
	return &Record{Key: key, TTL: NoTTL}
}

// DNSTxtRecord looks for a TXT record of name that m matches.
// Of several matching records the one with the largest key wins,
// public resolvers do not keep the order of TXT records stable.
// A record without a valid TTL gets the configured TTL.
// A nil Record means nothing was found.
func (c *Context) DNSTxtRecord(ctx context.Context, name string, m Matcher) (*Record, error) {
	r, err := c.DNSTxtMatch(ctx, name, m)
	if r != nil && r.TTL < 0 {
		c.opts.Logger.Debug("no valid txt ttl, using the default", c.InfoField(), zap.String("name", name), zap.Int("ttl", c.opts.TTL))
		r.TTL = c.opts.TTL
	}
	return r, err
}

// DNSTxtMatch is DNSTxtRecord without the TTL default. The TTL of the
// returned Record is NoTTL if the record carried none.
func (c *Context) DNSTxtMatch(ctx context.Context, name string, m Matcher) (*Record, error) {
	if IsLocal(name) {
		c.opts.Logger.Debug("local name, skipping dns lookup", c.InfoField(), zap.String("name", name))
		return nil, nil
	}

	answers, err := c.txtAnswers(ctx, name)
	if err != nil {
		return nil, err
	}

	var (
		best    *Record
		matches int
	)
	for _, a := range answers {
		key, ok := m.Match(a.Data)
		if !ok {
			continue
		}
		matches++
		if best == nil || key > best.Key {
			best = &Record{Key: key, TTL: a.TTL}
		}
	}
	if best == nil {
		c.opts.Logger.Debug("no matching txt record", c.InfoField(), zap.String("name", name))
		return nil, nil
	}
	if matches > 1 {
		c.opts.Logger.Debug("multiple matching txt records, using the largest key", c.InfoField(), zap.String("name", name), zap.Int("matches", matches))
	}
	if best.TTL < 0 {
		best.TTL = NoTTL
	}
	return best, nil
}

func (c *Context) txtAnswers(ctx context.Context, name string) ([]TxtAnswer, error) {
	c.mu.Lock()
	l, ok := c.txt[name]
	if !ok {
		l = &txtLookup{done: make(chan struct{})}
		c.txt[name] = l
		c.mu.Unlock()
		l.answers, l.err = c.fetchTxt(ctx, name)
		close(l.done)
		return l.answers, l.err
	}
	c.mu.Unlock()

	select {
	case <-l.done:
		return l.answers, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Context) fetchTxt(ctx context.Context, name string) ([]TxtAnswer, error) {
	if !c.opts.NoDoH {
		for _, i := range rand.Perm(len(c.opts.DoH)) {
			answers, err := c.opts.DoH[i].LookupTXT(ctx, name)
			if err == nil {
				return answers, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.opts.Logger.Debug("doh lookup failed, trying next provider", c.InfoField(), zap.String("name", name), zap.Error(err))
		}
	}
	if c.opts.System == nil {
		return nil, ErrNoTxtResolver
	}
	return c.opts.System.LookupTXT(ctx, name)
}

// WellKnown fetches https://{name}/.well-known/{schema}. Redirects are
// followed manually and only to https locations, at most maxRedirects
// times. Zero permits none. The first line of the body must match m,
// an optional second line "ttl={seconds}" overrides the default TTL.
// Fetch failures are reported as a nil Record.
func (c *Context) WellKnown(ctx context.Context, name, schema string, m Matcher, maxRedirects int) (*Record, error) {
	if maxRedirects < 0 {
		return nil, fmt.Errorf("%w %d", ErrInvalidRedirectLimit, maxRedirects)
	}
	if c.opts.Doer == nil {
		return nil, nil
	}

	host := name
	if IsLocal(name) && len(c.opts.LocalPort) > 0 {
		host = name + ":" + c.opts.LocalPort
	}
	href := "https://" + host + "/.well-known/" + schema

	body, err := c.fetchWellKnown(ctx, name, href, maxRedirects)
	if body == nil || err != nil {
		return nil, err
	}

	first, rest, _ := strings.Cut(string(body), "\n")
	key, ok := m.Match(first)
	if !ok {
		c.opts.Logger.Debug("invalid well-known record", c.InfoField(), zap.String("url", href), zap.String("line", first))
		return nil, nil
	}
	r := &Record{Key: key, TTL: c.opts.TTL}
	if second, _, _ := strings.Cut(rest, "\n"); len(second) > 0 {
		second = strings.TrimSuffix(second, "\r")
		if sm := ttlLine.FindStringSubmatch(second); sm != nil {
			if ttl, err := strconv.Atoi(sm[1]); err == nil {
				r.TTL = ttl
			}
		} else {
			c.opts.Logger.Debug("failed to parse well-known ttl", c.InfoField(), zap.String("url", href), zap.String("line", second))
		}
	}
	return r, nil
}

func (c *Context) fetchWellKnown(ctx context.Context, name, href string, maxRedirects int) ([]byte, error) {
	lg := c.opts.Logger.With(c.InfoField(), zap.String("name", name))
	lg.Debug("well-known lookup", zap.String("url", href))
	for redirects := 0; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
		if err != nil {
			lg.Debug("invalid well-known url", zap.String("url", href), zap.Error(err))
			return nil, nil
		}
		req.Header.Set("Accept", "text/plain")
		if len(c.opts.UserAgent) > 0 {
			req.Header.Set("User-Agent", c.opts.UserAgent)
		}

		res, err := c.opts.Doer.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lg.Debug("well-known fetch failed", zap.String("url", href), zap.Error(err))
			return nil, nil
		}
		if c.opts.CorsWarning != nil && res.Header.Get("Access-Control-Allow-Origin") != "*" {
			c.opts.CorsWarning(name, href)
		}

		switch res.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			res.Body.Close()
			next, ok := redirectTarget(href, res.Header.Get("Location"))
			if !ok {
				lg.Debug("well-known redirect to nowhere or to a non-https location",
					zap.String("url", href), zap.String("location", res.Header.Get("Location")))
				return nil, nil
			}
			redirects++
			if redirects > maxRedirects {
				lg.Debug("well-known redirect limit exceeded", zap.Int("limit", maxRedirects))
				return nil, nil
			}
			lg.Debug("well-known redirect", zap.String("from", href), zap.String("to", next), zap.Int("count", redirects))
			href = next
			continue
		}

		b, err := readBody(res)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lg.Debug("failed to read well-known response", zap.String("url", href), zap.Error(err))
			return nil, nil
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			lg.Debug("well-known lookup failed", zap.String("url", href), zap.Int("status", res.StatusCode))
			return nil, nil
		}
		return b, nil
	}
}

// redirectTarget resolves location against href.
func redirectTarget(href, location string) (string, bool) {
	if len(location) == 0 {
		return "", false
	}
	base, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u, err := base.Parse(location)
	if err != nil || u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func readBody(res *http.Response) ([]byte, error) {
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxWellKnownSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxWellKnownSize {
		return nil, errors.New("well-known response is too large")
	}
	return b, nil
}
