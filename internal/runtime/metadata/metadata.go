package metadata

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Reserved keys written by the runtime. Handlers must not reuse them.
const (
	// KeyCorrelationID tracks related messages across stages.
	KeyCorrelationID = "correlation_id"
	// KeyEventSchema names the Go or proto type of the payload.
	KeyEventSchema = "event_message_schema"
	// KeyStage is the stage that produced or last handled the message.
	KeyStage = "pipeguard_stage"
	// KeyDeliveryAttempt is the 1-based delivery count reported by the source.
	KeyDeliveryAttempt = "pipeguard_delivery_attempt"
	// KeyRedeliveryDelay is the suggested delay before the next delivery.
	KeyRedeliveryDelay = "pipeguard_redelivery_delay"
	// KeyDeadLetterReason explains why a message was dead-lettered.
	KeyDeadLetterReason = "pipeguard_dead_letter_reason"
	// KeyDeadLetterError carries the final handler error.
	KeyDeadLetterError = "pipeguard_dead_letter_error"
	// KeyOriginalTopic is the topic a dead-lettered message was consumed from.
	KeyOriginalTopic = "pipeguard_original_topic"
	// KeyDeadLetteredAt is the RFC3339Nano instant of dead-lettering.
	KeyDeadLetteredAt = "pipeguard_dead_lettered_at"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// WithoutReserved returns a copy without the delivery bookkeeping keys, so
// outgoing messages start with a fresh attempt count.
func (m Metadata) WithoutReserved() Metadata {
	cloned := m.Clone()
	for _, key := range []string{
		KeyDeliveryAttempt,
		KeyRedeliveryDelay,
		KeyDeadLetterReason,
		KeyDeadLetterError,
		KeyDeadLetteredAt,
	} {
		delete(cloned, key)
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
