package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeguard/transport"
	"github.com/drblury/pipeguard/transport/transporttest"
)

func stubFactories(t *testing.T, pub func(kafka.PublisherConfig) (message.Publisher, error), sub func(kafka.SubscriberConfig) (message.Subscriber, error)) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) { return pub(cfg) }
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) { return sub(cfg) }
}

func TestRegister(t *testing.T) {
	reg := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = reg })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.CompetingConsumers)
	assert.False(t, caps.NativePull)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("wires brokers and consumer group", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		stubFactories(t,
			func(cfg kafka.PublisherConfig) (message.Publisher, error) {
				assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
				require.NotNil(t, cfg.OverwriteSaramaConfig)
				assert.Equal(t, sarama.WaitForAll, cfg.OverwriteSaramaConfig.Producer.RequiredAcks)
				return pub, nil
			},
			func(cfg kafka.SubscriberConfig) (message.Subscriber, error) {
				assert.Equal(t, "payments", cfg.ConsumerGroup)
				require.NotNil(t, cfg.OverwriteSaramaConfig)
				assert.Equal(t, sarama.OffsetOldest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
				return sub, nil
			},
		)

		tr, err := Build(context.Background(), &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "payments",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.Nil(t, tr.Sources)
	})

	t.Run("defaults the consumer group", func(t *testing.T) {
		stubFactories(t,
			func(kafka.PublisherConfig) (message.Publisher, error) { return &transporttest.Publisher{}, nil },
			func(cfg kafka.SubscriberConfig) (message.Subscriber, error) {
				assert.Equal(t, DefaultConsumerGroup, cfg.ConsumerGroup)
				return &transporttest.Subscriber{}, nil
			},
		)
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "brokers are required")
	})

	t.Run("publisher error", func(t *testing.T) {
		stubFactories(t,
			func(kafka.PublisherConfig) (message.Publisher, error) { return nil, errors.New("publisher error") },
			func(kafka.SubscriberConfig) (message.Subscriber, error) { return &transporttest.Subscriber{}, nil },
		)
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber error closes the publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		stubFactories(t,
			func(kafka.PublisherConfig) (message.Publisher, error) { return pub, nil },
			func(kafka.SubscriberConfig) (message.Subscriber, error) { return nil, errors.New("subscriber error") },
		)
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestSourceMergesGroupSubscriptions(t *testing.T) {
	sub := &transporttest.Subscriber{}
	tr := transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: sub}

	src, err := tr.OpenSource(context.Background(), "payments", 3)
	require.NoError(t, err)
	defer src.Close()
	assert.Len(t, sub.Channels(), 3)
}
