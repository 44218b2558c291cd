package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/cache/mem_cache"
	"github.com/pmkol/hyperdns/pkg/protocol"
	"github.com/pmkol/hyperdns/pkg/resolve_context"
)

var (
	keyA = strings.Repeat("a", 64)
	keyB = strings.Repeat("b", 64)
	keyC = strings.Repeat("c", 64)
)

type fakeTxt []resolve_context.TxtAnswer

func (f fakeTxt) LookupTXT(context.Context, string) ([]resolve_context.TxtAnswer, error) {
	return f, nil
}

type handlerDoer struct {
	h http.HandlerFunc
}

func (d *handlerDoer) Do(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	d.h(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

// fakeProtocol counts its lookups and answers with fn.
type fakeProtocol struct {
	calls atomic.Int32

	mu sync.Mutex
	fn func(ctx context.Context, name string) (*resolve_context.Record, error)
}

func (f *fakeProtocol) set(fn func(ctx context.Context, name string) (*resolve_context.Record, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeProtocol) returns(key string, ttl int) {
	f.set(func(context.Context, string) (*resolve_context.Record, error) {
		if len(key) == 0 {
			return nil, nil
		}
		return &resolve_context.Record{Key: key, TTL: ttl}, nil
	})
}

func (f *fakeProtocol) fails(err error) {
	f.set(func(context.Context, string) (*resolve_context.Record, error) {
		return nil, err
	})
}

func (f *fakeProtocol) protocol(name string) *protocol.Protocol {
	key := protocol.MustRegexMatcher(`(?i)^(?P<key>[0-9a-f]{64})$`)
	return &protocol.Protocol{
		Name: name,
		Key:  key,
		Lookup: func(ctx context.Context, rc *resolve_context.Context, n string) (*resolve_context.Record, error) {
			if r := rc.MatchRegex(n, key); r != nil {
				return r, nil
			}
			f.calls.Add(1)
			f.mu.Lock()
			fn := f.fn
			f.mu.Unlock()
			return fn(ctx, n)
		},
	}
}

type testEnv struct {
	r     *Resolver
	clock clockwork.FakeClock
	cache *mem_cache.MemCache
}

func newTestEnv(t *testing.T, protocols []*protocol.Protocol, edit func(o *Opts)) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	c := mem_cache.NewMemCache(mem_cache.MemCacheOpts{Size: 128, Clock: clock})
	opts := Opts{
		Protocols:     protocols,
		Cache:         c,
		TxtResolvers:  []resolve_context.TxtResolver{},
		System:        fakeTxt{},
		HTTPClient:    &handlerDoer{h: notFound},
		Clock:         clock,
		NoCorsWarning: true,
	}
	if edit != nil {
		edit(&opts)
	}
	r, err := NewResolver(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return &testEnv{r: r, clock: clock, cache: c}
}

func (e *testEnv) cached(t *testing.T, protocol, name string) *cache.Record {
	t.Helper()
	rec, err := e.cache.Get(context.Background(), protocol, name)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) nowMs() int64 {
	return e.clock.Now().UnixMilli()
}

func TestResolveProtocol_cache(t *testing.T) {
	f := &fakeProtocol{}
	f.returns(keyA, 60)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()

	key, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)
	rec := env.cached(t, "hyper", "example.com")
	require.NotNil(t, rec)
	assert.Equal(t, env.nowMs()+60_000, rec.Expires)

	key, err = env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.EqualValues(t, 1, testutil.ToFloat64(env.r.metrics.results.WithLabelValues("hyper", resultCacheHit)))

	f.returns(keyB, 60)
	env.clock.Advance(61 * time.Second)
	key, err = env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyB, key)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestResolveProtocol_ttlBounds(t *testing.T) {
	f := &fakeProtocol{}
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, func(o *Opts) {
		o.MinTTL = 30
		o.MaxTTL = 600
	})
	ctx := context.Background()

	f.returns(keyA, 5)
	_, err := env.r.ResolveProtocol(ctx, "hyper", "short.com", nil)
	require.NoError(t, err)
	assert.Equal(t, env.nowMs()+30_000, env.cached(t, "hyper", "short.com").Expires)

	f.returns(keyA, 1_000_000)
	_, err = env.r.ResolveProtocol(ctx, "hyper", "long.com", nil)
	require.NoError(t, err)
	assert.Equal(t, env.nowMs()+600_000, env.cached(t, "hyper", "long.com").Expires)

	f.returns(keyA, 1_000_000)
	_, err = env.r.ResolveProtocol(ctx, "hyper", "query.com", &QueryOpts{MaxTTL: 100})
	require.NoError(t, err)
	assert.Equal(t, env.nowMs()+100_000, env.cached(t, "hyper", "query.com").Expires)

	_, err = env.r.ResolveProtocol(ctx, "hyper", "bad.com", &QueryOpts{MinTTL: 1000})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestResolveProtocol_miss(t *testing.T) {
	f := &fakeProtocol{}
	f.returns("", 0)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()

	key, err := env.r.ResolveProtocol(ctx, "hyper", "nothing.com", nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	rec := env.cached(t, "hyper", "nothing.com")
	require.NotNil(t, rec)
	assert.True(t, rec.Miss())
	assert.Equal(t, env.nowMs()+int64(DefaultTTL)*1000, rec.Expires)

	key, err = env.r.ResolveProtocol(ctx, "hyper", "nothing.com", nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.EqualValues(t, 1, f.calls.Load())

	f.returns(keyA, 60)
	key, err = env.r.ResolveProtocol(ctx, "hyper", "nothing.com", &QueryOpts{IgnoreCachedMiss: true})
	require.NoError(t, err)
	assert.Equal(t, keyA, key)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestResolveProtocol_literalKey(t *testing.T) {
	f := &fakeProtocol{}
	f.fails(errors.New("must not be called"))
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)

	key, err := env.r.ResolveProtocol(context.Background(), "hyper", strings.ToUpper(keyA), nil)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(keyA), key)
	assert.Nil(t, env.cached(t, "hyper", strings.ToUpper(keyA)))
	assert.Zero(t, f.calls.Load())
}

func TestResolveProtocol_staleFallback(t *testing.T) {
	f := &fakeProtocol{}
	f.returns(keyA, 30)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()

	_, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	f.fails(errors.New("network down"))
	key, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.EqualValues(t, 1, testutil.ToFloat64(env.r.metrics.results.WithLabelValues("hyper", resultStale)))

	key, err = env.r.ResolveProtocol(ctx, "hyper", "other.com", nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Nil(t, env.cached(t, "hyper", "other.com"))
}

func TestResolveProtocol_ignoreCache(t *testing.T) {
	f := &fakeProtocol{}
	f.returns(keyA, 60)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()
	q := &QueryOpts{IgnoreCache: true}

	_, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)

	f.returns(keyB, 60)
	key, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", q)
	require.NoError(t, err)
	assert.Equal(t, keyB, key)
	assert.Equal(t, keyB, env.cached(t, "hyper", "example.com").Key)

	f.fails(errors.New("network down"))
	key, err = env.r.ResolveProtocol(ctx, "hyper", "example.com", q)
	require.NoError(t, err)
	assert.Equal(t, keyB, key)
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestResolveProtocol_invalidCachedKey(t *testing.T) {
	f := &fakeProtocol{}
	f.returns(keyA, 60)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()

	require.NoError(t, env.cache.Store(ctx, "hyper", "example.com", cache.Record{Key: "not-a-key", Expires: env.nowMs() + 60_000}))
	key, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestResolveProtocol_storeBounds(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	s, err := env.r.settings(nil)
	require.NoError(t, err)
	p := protocol.Hyper
	lg := env.r.logger
	ctx := context.Background()

	env.r.storeEntry(ctx, s, p, "past.com", cache.Record{Key: keyA, Expires: env.nowMs() - 1}, lg)
	env.r.storeEntry(ctx, s, p, "literal.com", cache.Record{Key: keyA}, lg)
	env.r.storeEntry(ctx, s, p, "far.com", cache.Record{Key: keyA, Expires: env.nowMs() + int64(DefaultMaxTTL)*1000 + 1}, lg)
	env.r.storeEntry(ctx, s, p, "ok.com", cache.Record{Key: keyA, Expires: env.nowMs() + 1000}, lg)

	assert.Nil(t, env.cached(t, "hyper", "past.com"))
	assert.Nil(t, env.cached(t, "hyper", "literal.com"))
	assert.Nil(t, env.cached(t, "hyper", "far.com"))
	assert.NotNil(t, env.cached(t, "hyper", "ok.com"))
}

func TestResolveProtocol_coalesce(t *testing.T) {
	f := &fakeProtocol{}
	release := make(chan struct{})
	f.set(func(context.Context, string) (*resolve_context.Record, error) {
		<-release
		return &resolve_context.Record{Key: keyA, TTL: 60}, nil
	})
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, func(o *Opts) {
		o.Cache = nil
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	keys := make([]string, 2)
	errs := make([]error, 2)
	call := func(i int) {
		defer wg.Done()
		keys[i], errs[i] = env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	}
	wg.Add(2)
	go call(0)
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	go call(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range keys {
		require.NoError(t, errs[i])
		assert.Equal(t, keyA, keys[i])
	}
	assert.EqualValues(t, 1, f.calls.Load())
	assert.EqualValues(t, 1, testutil.ToFloat64(env.r.metrics.coalesced.WithLabelValues("hyper")))

	key, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestResolveProtocol_coalescedAbort(t *testing.T) {
	f := &fakeProtocol{}
	f.set(func(ctx context.Context, _ string) (*resolve_context.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, func(o *Opts) {
		o.Cache = nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.r.ResolveProtocol(context.Background(), "hyper", "example.com", &QueryOpts{Timeout: 100 * time.Millisecond})
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		_, errs[1] = env.r.ResolveProtocol(context.Background(), "hyper", "example.com", nil)
	}()
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestResolveProtocol_errors(t *testing.T) {
	f := &fakeProtocol{}
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)

	_, err := env.r.ResolveProtocol(context.Background(), "gopher", "example.com", nil)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)

	f.fails(&ConfigError{Msg: "broken protocol"})
	_, err = env.r.ResolveProtocol(context.Background(), "hyper", "example.com", nil)
	require.ErrorAs(t, err, &ce)

	f.set(func(ctx context.Context, _ string) (*resolve_context.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err = env.r.ResolveProtocol(context.Background(), "hyper", "slow.com", &QueryOpts{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.r.ResolveProtocol(ctx, "hyper", "canceled.com", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveProtocol_invalidRedirectLimit(t *testing.T) {
	key := protocol.MustRegexMatcher(`(?i)^(?P<key>[0-9a-f]{64})$`)
	p := protocol.Standard("hyper", key, nil, key, "hyper", -1)
	env := newTestEnv(t, []*protocol.Protocol{p}, nil)
	ctx := context.Background()

	require.NoError(t, env.cache.Store(ctx, "hyper", "example.com", cache.Record{Key: keyA, Expires: env.nowMs() - 1}))
	_, err := env.r.ResolveProtocol(ctx, "hyper", "example.com", nil)
	require.ErrorIs(t, err, resolve_context.ErrInvalidRedirectLimit)
}

func TestNewResolver_configErrors(t *testing.T) {
	for name, edit := range map[string]func(o *Opts){
		"ttl range":  func(o *Opts) { o.MinTTL, o.MaxTTL = 100, 10 },
		"timeout":    func(o *Opts) { o.Timeout = -time.Second },
		"preference": func(o *Opts) { o.ProtocolPreference = []string{"gopher"} },
		"doh":        func(o *Opts) { o.DoH = []string{"ftp://example.com"} },
		"duplicate":  func(o *Opts) { o.Protocols = []*protocol.Protocol{protocol.Hyper, protocol.Hyper} },
		"invalid":    func(o *Opts) { o.Protocols = []*protocol.Protocol{{Name: "x"}} },
	} {
		t.Run(name, func(t *testing.T) {
			opts := Opts{System: fakeTxt{}, HTTPClient: &handlerDoer{h: notFound}}
			edit(&opts)
			_, err := NewResolver(opts)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestNewResolver_metricsReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := &fakeProtocol{}
	f.returns(keyA, 60)
	edit := func(o *Opts) { o.Registerer = reg }
	a := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, edit)
	b := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, edit)

	_, err := a.r.ResolveProtocol(context.Background(), "hyper", "example.com", nil)
	require.NoError(t, err)
	_, err = b.r.ResolveProtocol(context.Background(), "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, testutil.ToFloat64(a.r.metrics.results.WithLabelValues("hyper", resultResolved)))
}

func TestResolve(t *testing.T) {
	fa, fb := &fakeProtocol{}, &fakeProtocol{}
	fa.returns(keyA, 60)
	fb.returns("", 0)
	env := newTestEnv(t, []*protocol.Protocol{fa.protocol("hyper"), fb.protocol("dat")}, nil)

	keys, err := env.r.Resolve(context.Background(), "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hyper": keyA, "dat": ""}, keys)

	keys, err = env.r.Resolve(context.Background(), "example.com", &QueryOpts{Protocols: []string{"dat"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dat": ""}, keys)
}

func TestResolve_logsElapsed(t *testing.T) {
	f := &fakeProtocol{}
	f.returns(keyA, 60)
	core, logs := observer.New(zapcore.DebugLevel)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, func(o *Opts) {
		o.Logger = zap.New(core)
	})

	_, err := env.r.Resolve(context.Background(), "example.com", nil)
	require.NoError(t, err)
	entries := logs.FilterMessage("resolved").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "elapsed")
	assert.Equal(t, "example.com", entries[0].ContextMap()["name"])
}

func TestResolveURL(t *testing.T) {
	hyper, dat := &fakeProtocol{}, &fakeProtocol{}
	hyper.set(func(_ context.Context, name string) (*resolve_context.Record, error) {
		if name == "hyper.com" || name == "both.com" {
			return &resolve_context.Record{Key: keyA, TTL: 60}, nil
		}
		return nil, nil
	})
	dat.set(func(_ context.Context, name string) (*resolve_context.Record, error) {
		if name == "dat.com" || name == "both.com" {
			return &resolve_context.Record{Key: keyB, TTL: 60}, nil
		}
		return nil, nil
	})
	env := newTestEnv(t, []*protocol.Protocol{hyper.protocol("hyper"), dat.protocol("dat")}, nil)
	ctx := context.Background()

	tests := []struct {
		input string
		q     *QueryOpts
		want  string
	}{
		{input: "hyper://hyper.com/path?q#h", want: "hyper://" + keyA + "/path?q#h"},
		{input: "dat://dat.com+12/file.txt", want: "dat://" + keyB + "/file.txt"},
		{input: "https://hyper.com/index.html", want: "https://hyper.com/index.html"},
		{input: "dat.com/path", want: "dat://" + keyB + "/path"},
		{input: "both.com", want: "hyper://" + keyA},
		{input: "both.com", q: &QueryOpts{ProtocolPreference: []string{"dat"}}, want: "dat://" + keyB},
		{input: "nothing.com/path", want: "https://nothing.com/path"},
		{input: "nothing.com", q: &QueryOpts{FallbackProtocol: "http"}, want: "http://nothing.com/"},
		{input: "hyper://" + keyC + "/", want: "hyper://" + keyC + "/"},
	}
	for _, tt := range tests {
		u, err := env.r.ResolveURL(ctx, tt.input, tt.q)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, u.Href(), tt.input)
	}

	u, err := env.r.ResolveURL(ctx, "dat://dat.com+12/file.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "12", u.Version)
	assert.Equal(t, "dat://"+keyB+"+12/file.txt", u.VersionedHref())

	_, err = env.r.ResolveURL(ctx, "hyper://nothing.com/", nil)
	require.ErrorIs(t, err, ErrRecordNotFound)
	var nf *RecordNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nothing.com", nf.Name)

	_, err = env.r.ResolveURL(ctx, "/only/a/path", nil)
	require.Error(t, err)
}

func TestResolveURL_localPort(t *testing.T) {
	var got string
	doer := &handlerDoer{h: func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.String()
		w.Write([]byte(keyA))
	}}
	env := newTestEnv(t, nil, func(o *Opts) { o.HTTPClient = doer })

	u, err := env.r.ResolveURL(context.Background(), "hyper://localhost:8080/", nil)
	require.NoError(t, err)
	assert.Equal(t, "hyper://"+keyA+":8080/", u.Href())
	assert.Equal(t, "https://localhost:8080/.well-known/hyper", got)
}

func TestResolveName(t *testing.T) {
	f := &fakeProtocol{}
	var names []string
	var mu sync.Mutex
	f.set(func(_ context.Context, name string) (*resolve_context.Record, error) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		if strings.HasPrefix(name, "nothing") {
			return nil, nil
		}
		return &resolve_context.Record{Key: keyA, TTL: 60}, nil
	})
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()

	key, err := env.r.ResolveName(ctx, "hyper", keyB, nil)
	require.NoError(t, err)
	assert.Equal(t, keyB, key)

	for _, in := range []string{"example.com+5", "hyper://example.com/path", "example.com."} {
		key, err = env.r.ResolveName(ctx, "hyper", in, nil)
		require.NoError(t, err, in)
		assert.Equal(t, keyA, key, in)
	}
	key, err = env.r.ResolveName(ctx, "hyper", "bücher.example", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)

	mu.Lock()
	assert.Equal(t, []string{"example.com", "xn--bcher-kva.example"}, names)
	mu.Unlock()

	_, err = env.r.ResolveName(ctx, "hyper", "localhost", nil)
	require.ErrorIs(t, err, ErrNotFQDN)

	_, err = env.r.ResolveName(ctx, "hyper", "nothing.com", nil)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestResolver_builtin(t *testing.T) {
	txt := fakeTxt{
		{Data: "hyperkey=" + keyA, TTL: 120},
		{Data: "did:ara:" + keyC, TTL: 50},
	}
	var warned atomic.Int32
	doer := &handlerDoer{h: func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/dat":
			w.Write([]byte("dat://" + keyB + "\nttl=300"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}}
	env := newTestEnv(t, nil, func(o *Opts) {
		o.TxtResolvers = []resolve_context.TxtResolver{txt}
		o.HTTPClient = doer
		o.NoCorsWarning = false
		o.CorsWarning = func(string, string) { warned.Add(1) }
	})

	keys, err := env.r.Resolve(context.Background(), "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hyper": keyA, "dat": keyB, "cabal": "", "ara": keyC}, keys)
	assert.Equal(t, env.nowMs()+120_000, env.cached(t, "hyper", "example.com").Expires)
	assert.Equal(t, env.nowMs()+300_000, env.cached(t, "dat", "example.com").Expires)
	assert.Equal(t, env.nowMs()+50_000, env.cached(t, "ara", "example.com").Expires)
	// dat and cabal fetched well-known files without cors headers
	assert.EqualValues(t, 2, warned.Load())
	assert.Equal(t, []string{"hyper", "dat", "cabal", "ara"}, env.r.Protocols())
}

func TestResolver_clear(t *testing.T) {
	f := &fakeProtocol{}
	f.returns(keyA, 60)
	env := newTestEnv(t, []*protocol.Protocol{f.protocol("hyper")}, nil)
	ctx := context.Background()

	for _, name := range []string{"a.com", "b.com"} {
		_, err := env.r.ResolveProtocol(ctx, "hyper", name, nil)
		require.NoError(t, err)
	}
	require.NoError(t, env.r.ClearName(ctx, "a.com"))
	assert.Nil(t, env.cached(t, "hyper", "a.com"))
	assert.NotNil(t, env.cached(t, "hyper", "b.com"))

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.r.Flush(ctx))
	assert.Nil(t, env.cached(t, "hyper", "b.com"))

	_, err := env.r.ResolveProtocol(ctx, "hyper", "c.com", nil)
	require.NoError(t, err)
	require.NoError(t, env.r.Clear(ctx))
	assert.Nil(t, env.cached(t, "hyper", "c.com"))
}

func TestDefault(t *testing.T) {
	env := newTestEnv(t, nil, func(o *Opts) {
		o.TxtResolvers = []resolve_context.TxtResolver{fakeTxt{{Data: "hyperkey=" + keyA, TTL: 60}}}
	})
	prev := SetDefault(env.r)
	t.Cleanup(func() { SetDefault(prev) })

	r, err := Default()
	require.NoError(t, err)
	assert.Same(t, env.r, r)

	key, err := ResolveName(context.Background(), "hyper", "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, keyA, key)

	u, err := ResolveURL(context.Background(), "hyper://example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, "hyper://"+keyA+"/", u.Href())
}
