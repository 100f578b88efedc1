package metadata

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill converts Watermill metadata into a detached Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts Metadata into a detached Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// Attempt returns the delivery attempt recorded on msg. Messages without a
// usable value are on their first attempt.
func Attempt(msg *message.Message) int {
	if msg == nil {
		return 1
	}
	n, err := strconv.Atoi(msg.Metadata.Get(KeyDeliveryAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// SetAttempt records the delivery attempt on msg.
func SetAttempt(msg *message.Message, attempt int) {
	if attempt < 1 {
		attempt = 1
	}
	msg.Metadata.Set(KeyDeliveryAttempt, strconv.Itoa(attempt))
}

// RedeliveryDelay returns the suggested redelivery delay set on msg, or zero.
func RedeliveryDelay(msg *message.Message) time.Duration {
	if msg == nil {
		return 0
	}
	d, err := time.ParseDuration(msg.Metadata.Get(KeyRedeliveryDelay))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// SetRedeliveryDelay records the suggested redelivery delay on msg.
func SetRedeliveryDelay(msg *message.Message, d time.Duration) {
	msg.Metadata.Set(KeyRedeliveryDelay, d.String())
}
