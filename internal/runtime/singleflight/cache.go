// Package singleflight provides a keyed cache whose misses are populated by
// at most one loader at a time per key.
//
// The first caller to miss a key wins a compare-and-swap on the key's load
// flag and runs the loader. Every other caller polls the slot on a fixed
// interval until the value or the load's error appears, or its own timeout
// elapses. No caller blocks on a lock or on another caller's goroutine.
package singleflight

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultLoadTimeout  = time.Second
	DefaultLoadDeadline = 30 * time.Second
	DefaultMaxEntries   = 1024
)

// Loader fetches the value for key. The context is not tied to any single
// caller and expires after the cache's LoadDeadline.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Options tunes a Cache. Zero values fall back to the package defaults.
type Options struct {
	// Name labels metrics and log lines.
	Name string
	// PollInterval is how long a waiting caller sleeps between checks.
	PollInterval time.Duration
	// LoadTimeout is used when GetOrLoad is called with a non-positive timeout.
	LoadTimeout time.Duration
	// LoadDeadline bounds a loader that outlives its caller.
	LoadDeadline time.Duration
	// TTL expires entries. Zero keeps them until invalidated or evicted.
	TTL time.Duration
	// MaxEntries caps the number of resident keys.
	MaxEntries int

	Logger     loggingpkg.ServiceLogger
	Registerer prometheus.Registerer

	now func() time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Loads        uint64 `json:"loads"`
	LoadFailures uint64 `json:"load_failures"`
	Timeouts     uint64 `json:"timeouts"`
	Entries      int    `json:"entries"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// failure is the error of the load started as generation gen.
type failure struct {
	gen uint64
	err error
}

// slot is the per-key state. The value is replaced by pointer swap and
// never mutated in place.
type slot[V any] struct {
	loading atomic.Bool
	// gen counts acquired loads.
	gen    atomic.Uint64
	value  atomic.Pointer[entry[V]]
	failed atomic.Pointer[failure]
}

type result[V any] struct {
	value V
	err   error
}

// Cache deduplicates concurrent loads of the same key.
type Cache[V any] struct {
	name         string
	pollInterval time.Duration
	loadTimeout  time.Duration
	loadDeadline time.Duration
	ttl          time.Duration
	now          func() time.Time
	logger       loggingpkg.ServiceLogger

	slots *lru.Cache[string, *slot[V]]
	// inflight pins loading slots so LRU eviction cannot orphan a load.
	inflight sync.Map

	hits, misses, loads, loadFailures, timeouts atomic.Uint64

	metrics *cacheMetrics
}

// New builds a Cache. It fails only when metrics cannot be registered.
func New[V any](opts Options) (*Cache[V], error) {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.LoadDeadline <= 0 {
		opts.LoadDeadline = DefaultLoadDeadline
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	slots, err := lru.New[string, *slot[V]](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("singleflight: create lru: %w", err)
	}

	metrics, err := newCacheMetrics(opts.Registerer, opts.Name)
	if err != nil {
		return nil, err
	}

	return &Cache[V]{
		name:         opts.Name,
		pollInterval: opts.PollInterval,
		loadTimeout:  opts.LoadTimeout,
		loadDeadline: opts.LoadDeadline,
		ttl:          opts.TTL,
		now:          opts.now,
		logger:       loggingpkg.ForComponent(opts.Logger, "singleflight", loggingpkg.LogFields{"cache": opts.Name}),
		slots:        slots,
		metrics:      metrics,
	}, nil
}

// GetOrLoad returns the cached value for key, loading it with loader on a
// miss. Concurrent misses for the same key run loader once. Callers that
// do not run the loader wait at most timeout and then fail with a
// *LoadTimeoutError. A non-positive timeout uses the configured LoadTimeout.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V], timeout time.Duration) (V, error) {
	var zero V
	if loader == nil {
		return zero, errspkg.ErrLoaderRequired
	}
	if timeout <= 0 {
		timeout = c.loadTimeout
	}

	s := c.slot(key)
	if v, ok := c.fresh(s); ok {
		c.recordHit()
		return v, nil
	}
	c.recordMiss()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	watched := s.gen.Load()
	next, v, ok, won := c.tryAcquire(key, s)
	switch {
	case won:
		return c.lead(ctx, key, next, loader, timeout, deadline.C)
	case ok:
		return v, nil
	}
	if next != s {
		watched = next.gen.Load()
	}
	return c.wait(ctx, key, next, watched, loader, timeout, deadline.C)
}

// tryAcquire attempts to become the loader for s. A value that landed
// between the caller's miss and the swap is returned instead. When another
// slot for key is already loading, that slot is returned to wait on.
func (c *Cache[V]) tryAcquire(key string, s *slot[V]) (*slot[V], V, bool, bool) {
	var zero V
	if !s.loading.CompareAndSwap(false, true) {
		return s, zero, false, false
	}
	if v, ok := c.fresh(s); ok {
		s.loading.Store(false)
		return s, v, true, false
	}
	if cur, loaded := c.inflight.LoadOrStore(key, s); loaded && cur.(*slot[V]) != s {
		s.loading.Store(false)
		return cur.(*slot[V]), zero, false, false
	}
	return s, zero, false, true
}

func (c *Cache[V]) lead(ctx context.Context, key string, s *slot[V], loader Loader[V], timeout time.Duration, deadline <-chan time.Time) (V, error) {
	var zero V
	done := make(chan result[V], 1)
	gen := s.gen.Add(1)
	c.recordLoad()
	go c.load(ctx, key, s, gen, loader, done)

	select {
	case res := <-done:
		if res.err != nil {
			return zero, &errspkg.LoadError{Key: key, Err: res.err}
		}
		return res.value, nil
	case <-deadline:
		c.recordTimeout()
		c.logger.Info("Cache load exceeded caller timeout, finishing in background", loggingpkg.LogFields{"key": key, "timeout": timeout})
		return zero, &errspkg.LoadTimeoutError{Key: key, Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// wait polls s until a value lands or fails to land. watched is the load
// generation seen before waiting; the in-flight load is watched or the next.
func (c *Cache[V]) wait(ctx context.Context, key string, s *slot[V], watched uint64, loader Loader[V], timeout time.Duration, deadline <-chan time.Time) (V, error) {
	var zero V
	tick := time.NewTimer(c.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			c.recordTimeout()
			return zero, &errspkg.LoadTimeoutError{Key: key, Timeout: timeout}
		case <-tick.C:
			if v, ok := c.fresh(s); ok {
				return v, nil
			}
			if s.loading.Load() {
				tick.Reset(c.pollInterval)
				continue
			}
			if f := s.failed.Load(); f != nil && f.gen >= watched {
				return zero, &errspkg.LoadError{Key: key, Err: f.err}
			}
			// The value was dropped after the load; take over.
			next, v, ok, won := c.tryAcquire(key, s)
			switch {
			case won:
				return c.lead(ctx, key, next, loader, timeout, deadline)
			case ok:
				return v, nil
			}
			if next != s {
				s, watched = next, next.gen.Load()
			}
			tick.Reset(c.pollInterval)
		}
	}
}

// load runs loader detached from the caller's cancellation so a slow
// backend still fills the cache for later callers.
func (c *Cache[V]) load(parent context.Context, key string, s *slot[V], gen uint64, loader Loader[V], done chan<- result[V]) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.loadDeadline)
	defer cancel()

	start := c.now()
	v, err := c.invoke(ctx, key, loader)
	c.metrics.observeLoad(c.now().Sub(start))
	if err != nil {
		c.recordLoadFailure()
		c.logger.Error("Cache load failed", err, loggingpkg.LogFields{"key": key})
		s.failed.Store(&failure{gen: gen, err: err})
	} else {
		s.failed.Store(nil)
		s.value.Store(&entry[V]{value: v, expiresAt: c.expiry()})
		// Re-admit the slot in case it was evicted while loading.
		c.slots.Add(key, s)
	}
	c.inflight.CompareAndDelete(key, s)

	// The outcome is visible before the flag clears, so a poller never sees
	// an idle slot that is about to be filled.
	s.loading.Store(false)
	done <- result[V]{value: v, err: err}
}

func (c *Cache[V]) invoke(ctx context.Context, key string, loader Loader[V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader panicked: %v", r)
		}
	}()
	return loader(ctx, key)
}

// Get returns the cached value without loading.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	s, ok := c.slots.Peek(key)
	if !ok {
		return zero, false
	}
	return c.fresh(s)
}

// Set stores value for key, replacing any previous entry.
func (c *Cache[V]) Set(key string, value V) {
	c.slot(key).value.Store(&entry[V]{value: value, expiresAt: c.expiry()})
}

// Invalidate drops the value for key. A load already in flight still
// stores its result when it completes.
func (c *Cache[V]) Invalidate(key string) {
	if s, ok := c.slots.Peek(key); ok {
		s.value.Store(nil)
	}
}

// Len returns the number of keys holding an unexpired value.
func (c *Cache[V]) Len() int {
	n := 0
	for _, key := range c.slots.Keys() {
		if s, ok := c.slots.Peek(key); ok {
			if _, fresh := c.fresh(s); fresh {
				n++
			}
		}
	}
	return n
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Loads:        c.loads.Load(),
		LoadFailures: c.loadFailures.Load(),
		Timeouts:     c.timeouts.Load(),
		Entries:      c.Len(),
	}
}

// Name returns the cache name.
func (c *Cache[V]) Name() string {
	return c.name
}

func (c *Cache[V]) slot(key string) *slot[V] {
	if s, ok := c.inflight.Load(key); ok {
		return s.(*slot[V])
	}
	if s, ok := c.slots.Get(key); ok {
		return s
	}
	fresh := &slot[V]{}
	if prev, ok, _ := c.slots.PeekOrAdd(key, fresh); ok {
		return prev
	}
	return fresh
}

func (c *Cache[V]) fresh(s *slot[V]) (V, bool) {
	var zero V
	e := s.value.Load()
	if e == nil {
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *Cache[V]) recordHit() {
	c.hits.Add(1)
	c.metrics.inc(c.metrics.hits)
}

func (c *Cache[V]) recordMiss() {
	c.misses.Add(1)
	c.metrics.inc(c.metrics.misses)
}

func (c *Cache[V]) recordLoad() {
	c.loads.Add(1)
	c.metrics.inc(c.metrics.loads)
}

func (c *Cache[V]) recordLoadFailure() {
	c.loadFailures.Add(1)
	c.metrics.inc(c.metrics.loadFailures)
}

func (c *Cache[V]) recordTimeout() {
	c.timeouts.Add(1)
	c.metrics.inc(c.metrics.timeouts)
}
