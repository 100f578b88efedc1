package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeguard/transport"
	"github.com/drblury/pipeguard/transport/transporttest"
)

func stubFactories(t *testing.T, pub func(nats.PublisherConfig) (message.Publisher, error), sub func(nats.SubscriberConfig) (message.Subscriber, error)) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) { return pub(cfg) }
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) { return sub(cfg) }
}

func TestRegister(t *testing.T) {
	reg := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = reg })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.CompetingConsumers)
	assert.False(t, caps.TracksDeliveries)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("uses queue groups without jetstream", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		stubFactories(t,
			func(cfg nats.PublisherConfig) (message.Publisher, error) {
				assert.Equal(t, "nats://localhost:4222", cfg.URL)
				assert.True(t, cfg.JetStream.Disabled)
				assert.NotEmpty(t, cfg.NatsOptions)
				return pub, nil
			},
			func(cfg nats.SubscriberConfig) (message.Subscriber, error) {
				assert.Equal(t, QueueGroupPrefix, cfg.QueueGroupPrefix)
				assert.Equal(t, 1, cfg.SubscribersCount)
				assert.True(t, cfg.JetStream.Disabled)
				return sub, nil
			},
		)

		tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "url is required")
	})

	t.Run("publisher error", func(t *testing.T) {
		stubFactories(t,
			func(nats.PublisherConfig) (message.Publisher, error) { return nil, errors.New("publisher error") },
			func(nats.SubscriberConfig) (message.Subscriber, error) { return &transporttest.Subscriber{}, nil },
		)
		_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber error closes the publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		stubFactories(t,
			func(nats.PublisherConfig) (message.Publisher, error) { return pub, nil },
			func(nats.SubscriberConfig) (message.Subscriber, error) { return nil, errors.New("subscriber error") },
		)
		_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
