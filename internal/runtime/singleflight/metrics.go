package singleflight

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds the Prometheus series of one cache. Every field is nil
// when the cache was built without a registerer.
type cacheMetrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	loads        prometheus.Counter
	loadFailures prometheus.Counter
	timeouts     prometheus.Counter
	loadSeconds  prometheus.Observer
}

func newCacheMetrics(reg prometheus.Registerer, name string) (*cacheMetrics, error) {
	if reg == nil {
		return &cacheMetrics{}, nil
	}

	counter := func(metric, help string) (prometheus.Counter, error) {
		vec, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeguard",
			Subsystem: "cache",
			Name:      metric,
			Help:      help,
		}, []string{"cache"}))
		if err != nil {
			return nil, err
		}
		return vec.WithLabelValues(name), nil
	}

	m := &cacheMetrics{}
	var err error
	if m.hits, err = counter("hits_total", "Lookups served from the cache"); err != nil {
		return nil, err
	}
	if m.misses, err = counter("misses_total", "Lookups that found no valid entry"); err != nil {
		return nil, err
	}
	if m.loads, err = counter("loads_total", "Loader invocations"); err != nil {
		return nil, err
	}
	if m.loadFailures, err = counter("load_failures_total", "Loader invocations that returned an error"); err != nil {
		return nil, err
	}
	if m.timeouts, err = counter("timeouts_total", "Callers that gave up waiting for a load"); err != nil {
		return nil, err
	}

	hist, err := registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeguard",
		Subsystem: "cache",
		Name:      "load_duration_seconds",
		Help:      "Loader execution time",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"cache"}))
	if err != nil {
		return nil, err
	}
	m.loadSeconds = hist.WithLabelValues(name)
	return m, nil
}

// registerCollector registers c, reusing an identical collector that is
// already registered so several caches can share one registry.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("singleflight: register metrics: %w", err)
	}
	return c, nil
}

func (m *cacheMetrics) inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func (m *cacheMetrics) observeLoad(d time.Duration) {
	if m.loadSeconds != nil {
		m.loadSeconds.Observe(d.Seconds())
	}
}
