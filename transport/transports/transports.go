// Package transports registers every built-in transport with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/pipeguard/transport/aws"
	_ "github.com/drblury/pipeguard/transport/channel"
	_ "github.com/drblury/pipeguard/transport/http"
	_ "github.com/drblury/pipeguard/transport/jetstream"
	_ "github.com/drblury/pipeguard/transport/kafka"
	_ "github.com/drblury/pipeguard/transport/nats"
	_ "github.com/drblury/pipeguard/transport/rabbitmq"
)
