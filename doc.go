// Package pipeguard is a runtime for message-driven pipeline services
// (webhook ingress, event processors, facades, transaction receivers)
// connected by durable topics.
//
// A Service hosts one or more stages. Each stage pulls from a topic through
// a bounded consumer that never holds more than MaxConcurrentHandlers
// messages in flight, runs the message through a middleware chain and a
// typed handler, and forwards the outputs to the next topic. Failures are
// redelivered with exponential backoff until MaxDeliveries is reached, then
// moved to the dead-letter topic with the reason attached as metadata.
//
// Before any stage runs, Start warms the configured resources (database
// pools, secrets, cache keys) and marks each on the readiness gate. The
// gate flips to ready exactly once, after every mandatory resource was
// marked; /readyz and the gRPC readiness service report it.
//
// Cache is a SingleFlightCache: concurrent misses on the same key run the
// loader once, every caller waits at most its timeout, and a load that
// outlives its callers still populates the entry.
//
// # Transports
//
// The broker is chosen by Config.PubSubSystem from the transport registry.
// Import github.com/drblury/pipeguard/transport/transports to register all
// built-in transports:
//   - channel: in-memory competing-consumer queue for tests and local runs
//   - kafka: consumer groups over watermill-kafka
//   - rabbitmq: durable queues over watermill-amqp
//   - nats: NATS Core queue groups
//   - nats-jetstream: durable pull consumers with native redelivery delays
//   - aws: SNS topics with per-topic SQS queues pulled directly
//   - http: webhook ingress and HTTP forwarding
//
// # Middleware
//
// The default chain injects correlation IDs, logs messages, guards stages
// until the instance is ready, opens a tracing span, records Prometheus
// metrics and recovers panics. Add more through
// ServiceDependencies.Middlewares or Service.RegisterMiddleware.
package pipeguard
