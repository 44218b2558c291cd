package resolver

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultCacheHit   = "cache_hit"
	resultCachedMiss = "cached_miss"
	resultResolved   = "resolved"
	resultMiss       = "miss"
	resultStale      = "stale"
	resultFailed     = "failed"
)

type metrics struct {
	results        *prometheus.CounterVec
	coalesced      *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
}

// newMetrics registers the resolver metrics to reg. Metrics that are
// already registered, e.g. by a resolver that was replaced on reload,
// are reused. A nil reg keeps the metrics unregistered.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolutions_total",
			Help: "The total number of resolutions by protocol and result",
		}, []string{"protocol", "result"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coalesced_total",
			Help: "The total number of calls that joined an in-flight resolution",
		}, []string{"protocol"}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookup_duration_seconds",
			Help:    "The duration of live lookups",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"protocol"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.results, err = register(reg, m.results); err != nil {
		return nil, err
	}
	if m.coalesced, err = register(reg, m.coalesced); err != nil {
		return nil, err
	}
	if m.lookupDuration, err = register(reg, m.lookupDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) result(protocol, result string) {
	m.results.WithLabelValues(protocol, result).Inc()
}
