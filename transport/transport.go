// Package transport defines how pipeguard talks to a broker. Each backend
// (kafka, rabbitmq, nats, jetstream, aws, http, channel) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrSourceClosed is returned by Source.Pull once the source was closed or
// its underlying subscription ended.
var ErrSourceClosed = errors.New("pipeguard: source closed")

// Source hands out one message per Pull. The consumer calls Pull only when
// it has a free handler slot, so a Source never decides how much work is in
// flight. Every returned message must be resolved with Ack or Nack.
type Source interface {
	Pull(ctx context.Context) (*message.Message, error)
	Close() error
}

// SourceFactory opens a Source for topic. prefetch is the consumer's
// concurrency ceiling; implementations may use it to size subscriptions
// but must not buffer more than prefetch unresolved messages.
type SourceFactory func(ctx context.Context, topic string, prefetch int) (Source, error)

// Transport is what a Builder produces.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Sources is set by transports with a native pull consumer. When nil,
	// OpenSource adapts Subscriber with NewSubscriberSource.
	Sources SourceFactory
}

// OpenSource opens a pull source for topic.
func (t Transport) OpenSource(ctx context.Context, topic string, prefetch int) (Source, error) {
	if t.Sources != nil {
		return t.Sources(ctx, topic, prefetch)
	}
	if t.Subscriber == nil {
		return nil, errors.New("transport has neither a source factory nor a subscriber")
	}
	return NewSubscriberSource(ctx, t.Subscriber, topic, prefetch)
}

// Close releases the publisher and subscriber.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
	GetSQSQueuePrefix() string

	// GetMaxDeliveries lets brokers with server-side redelivery limits align
	// them with the consumer's dead-letter threshold.
	GetMaxDeliveries() int
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
