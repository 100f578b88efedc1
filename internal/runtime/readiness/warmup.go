package readiness

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
)

// Resource is something that must be warmed before the instance takes
// traffic: a database pool, a secret, a preloaded cache key.
type Resource interface {
	Name() string
	Warm(ctx context.Context) error
}

type resourceFunc struct {
	name string
	warm func(ctx context.Context) error
}

func (r resourceFunc) Name() string                   { return r.name }
func (r resourceFunc) Warm(ctx context.Context) error { return r.warm(ctx) }

// ResourceFunc adapts a function to a Resource.
func ResourceFunc(name string, warm func(ctx context.Context) error) Resource {
	return resourceFunc{name: name, warm: warm}
}

// Warm warms all resources concurrently and marks each on gate as soon as it
// succeeds. The first failure cancels the remaining warm-ups and is returned.
func Warm(ctx context.Context, gate *Gate, logger loggingpkg.ServiceLogger, resources ...Resource) error {
	logger = loggingpkg.ForComponent(logger, "readiness", nil)

	g, ctx := errgroup.WithContext(ctx)
	for _, res := range resources {
		g.Go(func() error {
			start := time.Now()
			if err := res.Warm(ctx); err != nil {
				logger.Error("Resource warm-up failed", err, loggingpkg.LogFields{"resource": res.Name()})
				return fmt.Errorf("warm %s: %w", res.Name(), err)
			}
			if gate != nil {
				if err := gate.MarkResourceReady(res.Name()); err != nil {
					return err
				}
			}
			logger.Info("Resource ready", loggingpkg.LogFields{
				"resource": res.Name(),
				"elapsed":  time.Since(start),
			})
			return nil
		})
	}
	return g.Wait()
}
