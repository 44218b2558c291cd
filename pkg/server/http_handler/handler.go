/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/pkg/light_url"
	"github.com/pmkol/hyperdns/pkg/resolver"
)

var nopLogger = zap.NewNop()

var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolver is the part of *resolver.Resolver the handler serves.
type Resolver interface {
	Resolve(ctx context.Context, name string, q *resolver.QueryOpts) (map[string]string, error)
	ResolveName(ctx context.Context, protocol, name string, q *resolver.QueryOpts) (string, error)
	ResolveURL(ctx context.Context, input string, q *resolver.QueryOpts) (*light_url.URL, error)
	ClearName(ctx context.Context, name string) error
	Clear(ctx context.Context) error
	Flush(ctx context.Context) error
}

type HandlerOpts struct {
	Resolver Resolver

	// SrcIPHeader is a custom header carrying the client address,
	// checked after the common proxy headers. Used for logging.
	SrcIPHeader string

	// HealthPath, default is "/health".
	HealthPath string

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	return nil
}

// Handler serves the resolver over http. Responses are json.
type Handler struct {
	opts HandlerOpts
	mux  *http.ServeMux
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET "+opts.HealthPath, h.health)
	h.mux.HandleFunc("GET /resolve/{name}", h.resolve)
	h.mux.HandleFunc("GET /resolve/{protocol}/{name}", h.resolveName)
	h.mux.HandleFunc("GET /url", h.resolveURL)
	h.mux.HandleFunc("POST /cache/flush", h.flush)
	h.mux.HandleFunc("POST /cache/clear", h.clear)
	h.mux.HandleFunc("DELETE /cache/{name}", h.clearName)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.opts.Logger.Debug("api request",
		zap.Stringer("from", clientAddr(req, h.opts.SrcIPHeader)),
		zap.String("method", req.Method),
		zap.String("url", req.RequestURI))
	h.mux.ServeHTTP(w, req)
}

func (h *Handler) warnErr(req *http.Request, err error) {
	h.opts.Logger.Warn(err.Error(),
		zap.Stringer("from", clientAddr(req, h.opts.SrcIPHeader)),
		zap.String("method", req.Method),
		zap.String("url", req.RequestURI))
}

type resolveResponse struct {
	Name string            `json:"name"`
	Keys map[string]string `json:"keys"`
}

type nameResponse struct {
	Protocol string `json:"protocol"`
	Name     string `json:"name"`
	Key      string `json:"key"`
}

type urlResponse struct {
	URL          string `json:"url"`
	VersionedURL string `json:"versioned_url"`
	Protocol     string `json:"protocol"`
	Hostname     string `json:"hostname"`
	Version      string `json:"version,omitzero"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) resolve(w http.ResponseWriter, req *http.Request) {
	q, err := queryOpts(req)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	name := req.PathValue("name")
	keys, err := h.opts.Resolver.Resolve(req.Context(), name, q)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	h.writeJSON(w, req, http.StatusOK, resolveResponse{Name: name, Keys: keys})
}

func (h *Handler) resolveName(w http.ResponseWriter, req *http.Request) {
	q, err := queryOpts(req)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	protocol, name := req.PathValue("protocol"), req.PathValue("name")
	key, err := h.opts.Resolver.ResolveName(req.Context(), protocol, name, q)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	h.writeJSON(w, req, http.StatusOK, nameResponse{Protocol: protocol, Name: name, Key: key})
}

func (h *Handler) resolveURL(w http.ResponseWriter, req *http.Request) {
	q, err := queryOpts(req)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	input := req.URL.Query().Get("u")
	if len(input) == 0 {
		h.writeJSON(w, req, http.StatusBadRequest, errorResponse{Error: "missing url parameter u"})
		return
	}
	u, err := h.opts.Resolver.ResolveURL(req.Context(), input, q)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	h.writeJSON(w, req, http.StatusOK, urlResponse{
		URL:          u.Href(),
		VersionedURL: u.VersionedHref(),
		Protocol:     strings.TrimSuffix(u.Protocol, ":"),
		Hostname:     u.Hostname,
		Version:      u.Version,
	})
}

func (h *Handler) flush(w http.ResponseWriter, req *http.Request) {
	h.cacheOp(w, req, h.opts.Resolver.Flush(req.Context()))
}

func (h *Handler) clear(w http.ResponseWriter, req *http.Request) {
	h.cacheOp(w, req, h.opts.Resolver.Clear(req.Context()))
}

func (h *Handler) clearName(w http.ResponseWriter, req *http.Request) {
	h.cacheOp(w, req, h.opts.Resolver.ClearName(req.Context(), req.PathValue("name")))
}

func (h *Handler) cacheOp(w http.ResponseWriter, req *http.Request, err error) {
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryOpts reads per-call options from the url query.
func queryOpts(req *http.Request) (*resolver.QueryOpts, error) {
	v := req.URL.Query()
	q := new(resolver.QueryOpts)
	var err error
	flag := func(key string, dst *bool) {
		if s := v.Get(key); len(s) > 0 && err == nil {
			*dst, err = strconv.ParseBool(s)
		}
	}
	num := func(key string, dst *int) {
		if s := v.Get(key); len(s) > 0 && err == nil {
			*dst, err = strconv.Atoi(s)
		}
	}
	flag("ignore_cache", &q.IgnoreCache)
	flag("ignore_cached_miss", &q.IgnoreCachedMiss)
	flag("no_doh", &q.NoDoH)
	num("ttl", &q.TTL)
	num("min_ttl", &q.MinTTL)
	num("max_ttl", &q.MaxTTL)
	if err != nil {
		return nil, &resolver.ConfigError{Msg: "invalid query parameter", Err: err}
	}
	if s := v.Get("protocols"); len(s) > 0 {
		q.Protocols = strings.Split(s, ",")
	}
	if s := v.Get("prefer"); len(s) > 0 {
		q.ProtocolPreference = strings.Split(s, ",")
	}
	q.FallbackProtocol = v.Get("fallback")
	return q, nil
}

// StatusCode maps a resolver error to a http status code.
func StatusCode(err error) int {
	var ce *resolver.ConfigError
	switch {
	case errors.As(err, &ce),
		errors.Is(err, resolver.ErrNotFQDN),
		errors.Is(err, light_url.ErrNoHostname),
		errors.Is(err, light_url.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, req *http.Request, err error) {
	code := StatusCode(err)
	if code >= 500 {
		h.warnErr(req, err)
	}
	h.writeJSON(w, req, code, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, req *http.Request, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.warnErr(req, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

// clientAddr returns the client address, preferring proxy headers.
func clientAddr(req *http.Request, customHeader string) netip.Addr {
	for _, h := range proxyHeaders {
		if val := req.Header.Get(h); val != "" {
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			if addr, err := netip.ParseAddr(strings.TrimSpace(ipStr)); err == nil {
				return addr
			}
		}
	}

	if customHeader != "" {
		if val := req.Header.Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				return addr
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	return addrport.Addr().Unmap()
}
