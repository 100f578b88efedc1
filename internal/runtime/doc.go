/*
Package runtime hosts pipeline stages for pipeguard.

A Service owns the transport, the readiness gate, the health, metrics and
gRPC health endpoints, and the middleware chain. Each registered Stage pulls
from its consume topic through a bounded consumer, runs the handler chain
and forwards the outputs to its publish topic or Sink.

# Package Structure

  - service.go: Service construction, Start and the HTTP/gRPC servers
  - stage.go: StageRegistration, Stage and output forwarding
  - registration_json.go, registration_proto.go: typed stage helpers
  - middleware.go: correlation IDs, logging, readiness guard, tracing, metrics, retry
  - hooks.go: job lifecycle callbacks
  - health.go: /healthz, /readyz and /stages
  - metrics.go: Prometheus collectors fed by the consumers
  - cache.go: SingleFlightCache construction from config and cache warm-up
  - publisher.go: JSON and protojson publishing helpers

# Sub-packages

  - config/: Service configuration with validation
  - consumer/: Bounded-concurrency consumer
  - errors/: Sentinel errors, typed errors and dispositions
  - handlers/: Typed message contexts and handler building
  - ids/: ULID generation
  - jsoncodec/: JSON encoding
  - logging/: Logger interface and adapters
  - metadata/: Message metadata helpers
  - readiness/: Readiness gate, resource warm-up and gRPC health
  - singleflight/: Deduplicating cache loader

# Usage Example

	cfg := &pipeguard.Config{
		PubSubSystem:          "nats-jetstream",
		NATSURL:               "nats://localhost:4222",
		MaxConcurrentHandlers: 16,
		DeadLetterTopic:       "events.dlq",
		MetricsEnabled:        true,
		MetricsPort:           9090,
	}

	svc, err := pipeguard.NewService(cfg, logger, ctx, pipeguard.ServiceDependencies{
		Resources: []pipeguard.Resource{db},
	})

	pipeguard.RegisterJSONStage(svc, pipeguard.JSONStageRegistration[*WebhookEvent, *TenantEvent]{
		StageRegistration: pipeguard.StageRegistration{
			Name:         "processor",
			ConsumeTopic: "webhooks.received",
			PublishTopic: "events.enriched",
		},
		JSONHandler: enrich,
	})

	err = svc.Start(ctx)
*/
package runtime
