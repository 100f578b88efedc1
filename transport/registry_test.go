package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeguard/transport/transporttest"
)

func stubBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:  &transporttest.Publisher{},
		Subscriber: &transporttest.Subscriber{},
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.entries)
	assert.Empty(t, reg.Names())
}

func TestRegistryRegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("queue", stubBuilder, Capabilities{Name: "queue", NativePull: true})

	assert.True(t, reg.Has("queue"))
	caps := reg.GetCapabilities("queue")
	assert.Equal(t, "queue", caps.Name)
	assert.True(t, caps.NativePull)
}

func TestRegistryGetCapabilitiesUnknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	reg.Register("queue", stubBuilder)

	tr, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "Queue"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	builderErr := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, builderErr
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "missing"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.ErrorContains(t, err, "failing")

	_, err = reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "failing"}, nil)
	assert.ErrorIs(t, err, builderErr)
	assert.ErrorContains(t, err, "build failing transport")
}

func TestRegistryRejectsEmptyTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("hollow", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, nil
	})

	_, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "hollow"}, nil)
	assert.ErrorIs(t, err, ErrEmptyTransport)
}

func TestRegistryNamesAreCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("NATS-JetStream", stubBuilder, Capabilities{Name: "nats-jetstream", SupportsDelayedNack: true})
	reg.Register("nats-jetstream", stubBuilder)

	assert.True(t, reg.Has(" nats-jetstream "))
	assert.Equal(t, []string{"nats-jetstream"}, reg.Names())
	assert.True(t, reg.GetCapabilities("NATS-JETSTREAM").SupportsDelayedNack, "re-registering the builder keeps capabilities")
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("rabbitmq", stubBuilder)
	reg.Register("aws", stubBuilder)
	reg.Register("kafka", stubBuilder)

	assert.Equal(t, []string{"aws", "kafka", "rabbitmq"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", stubBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistry(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", stubBuilder, Capabilities{Name: "test-pkg-transport", SupportsNack: true})

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-transport").SupportsNack)

	_, err := Build(context.Background(), &transporttest.Config{PubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}
