package runtime

import (
	"context"

	"github.com/drblury/pipeguard/internal/runtime/readiness"
	"github.com/drblury/pipeguard/internal/runtime/singleflight"
)

// NewCache builds a SingleFlightCache tuned from the service config. Cache
// metrics are registered when metrics are enabled.
func NewCache[V any](svc *Service, name string) (*singleflight.Cache[V], error) {
	opts := singleflight.Options{
		Name:         name,
		PollInterval: svc.Conf.CachePollInterval,
		LoadTimeout:  svc.Conf.CacheLoadTimeout,
		LoadDeadline: svc.Conf.CacheLoadDeadline,
		TTL:          svc.Conf.CacheTTL,
		MaxEntries:   svc.Conf.CacheMaxEntries,
		Logger:       svc.Logger,
	}
	if svc.Conf.MetricsEnabled {
		opts.Registerer = svc.registerer
	}
	return singleflight.New[V](opts)
}

// CacheWarmer is a readiness resource that loads keys into cache before the
// service takes traffic.
func CacheWarmer[V any](name string, cache *singleflight.Cache[V], loader singleflight.Loader[V], keys ...string) readiness.Resource {
	return readiness.ResourceFunc(name, func(ctx context.Context) error {
		for _, key := range keys {
			if _, err := cache.GetOrLoad(ctx, key, loader, 0); err != nil {
				return err
			}
		}
		return nil
	})
}
