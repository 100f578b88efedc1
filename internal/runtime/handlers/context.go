package handlers

import (
	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// MessageContextBase carries what every typed handler sees besides its
// payload: the incoming headers, the delivery attempt and a scoped logger.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
	// Attempt is the 1-based delivery attempt of the incoming message.
	Attempt int
}

func newMessageContextBase(msg *message.Message, logger loggingpkg.ServiceLogger) MessageContextBase {
	md := metadatapkg.FromWatermill(msg.Metadata)
	return MessageContextBase{
		Metadata: md,
		Logger: logger.With(loggingpkg.LogFields{
			"message_uuid":   msg.UUID,
			"correlation_id": md[metadatapkg.KeyCorrelationID],
		}),
		Attempt: metadatapkg.Attempt(msg),
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can
// mutate headers for outgoing messages without touching the original.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.KeyCorrelationID]
}

// IsRedelivery reports whether the message was delivered before.
func (b MessageContextBase) IsRedelivery() bool {
	return b.Attempt > 1
}

// outgoingMetadata derives headers for a produced message. Delivery
// bookkeeping is dropped and the correlation ID is carried forward.
func outgoingMetadata(explicit, incoming metadatapkg.Metadata, schema string) metadatapkg.Metadata {
	md := explicit
	if md == nil {
		md = incoming
	}
	md = md.WithoutReserved()
	if md[metadatapkg.KeyCorrelationID] == "" && incoming[metadatapkg.KeyCorrelationID] != "" {
		md[metadatapkg.KeyCorrelationID] = incoming[metadatapkg.KeyCorrelationID]
	}
	md[metadatapkg.KeyEventSchema] = schema
	return md
}
