package transport

// Capabilities describes what a transport backend does natively. The
// consumer uses it to decide whether redelivery delays and delivery counts
// come from the broker or have to be tracked by pipeguard.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// NativePull is true when the transport ships its own SourceFactory.
	NativePull bool

	// CompetingConsumers is true when several subscriptions on one topic
	// split the messages between them instead of each receiving a copy.
	CompetingConsumers bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered.
	SupportsNack bool

	// SupportsDelayedNack indicates a nack can carry a redelivery delay.
	SupportsDelayedNack bool

	// TracksDeliveries indicates the broker reports a delivery count, so the
	// delivery attempt survives process restarts.
	TracksDeliveries bool

	// SupportsOrdering indicates ordering within a partition or stream.
	SupportsOrdering bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports
// at-least-once delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// SupportsParallelConsumption reports whether the consumer can have more
// than one message from this transport in flight.
func (c Capabilities) SupportsParallelConsumption() bool {
	return c.NativePull || c.CompetingConsumers
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:                "channel",
		NativePull:          true,
		CompetingConsumers:  true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsDelayedNack: true,
		TracksDeliveries:    true,
		SupportsOrdering:    true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		CompetingConsumers: true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
		MaxMessageSize:     1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		CompetingConsumers: true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
	}

	NATSCapabilities = Capabilities{
		Name:               "nats",
		CompetingConsumers: true,
		SupportsAck:        true,
		SupportsNack:       true,
		MaxMessageSize:     1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		NativePull:          true,
		CompetingConsumers:  true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsDelayedNack: true,
		TracksDeliveries:    true,
		SupportsOrdering:    true,
		MaxMessageSize:      1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                "aws",
		NativePull:          true,
		CompetingConsumers:  true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsDelayedNack: true,
		TracksDeliveries:    true,
		MaxMessageSize:      262144,
	}

	// HTTPCapabilities describes webhook ingress: each request is one
	// message and the response reports the ack.
	HTTPCapabilities = Capabilities{
		Name:               "http",
		CompetingConsumers: true,
		SupportsAck:        true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports get a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
