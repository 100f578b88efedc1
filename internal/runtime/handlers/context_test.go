package handlers

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"

	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

func TestMessageContextBaseReadsDeliveryDetails(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-9")
	metadatapkg.SetAttempt(msg, 3)

	base := newMessageContextBase(msg, loggingpkg.NewNopLogger())

	assert.Equal(t, "corr-9", base.CorrelationID())
	assert.Equal(t, 3, base.Attempt)
	assert.True(t, base.IsRedelivery())
	assert.Equal(t, "", base.Get("missing"))
}

func TestMessageContextBaseCloneMetadata(t *testing.T) {
	base := MessageContextBase{Metadata: metadatapkg.Metadata{"k": "v"}, Attempt: 1}
	cloned := base.CloneMetadata()
	cloned["k"] = "changed"

	assert.Equal(t, "v", base.Metadata["k"])
	assert.False(t, base.IsRedelivery())
}

func TestOutgoingMetadata(t *testing.T) {
	incoming := metadatapkg.New(
		metadatapkg.KeyCorrelationID, "corr-1",
		metadatapkg.KeyDeliveryAttempt, "4",
		"tenant", "tenantA",
	)

	inherited := outgoingMetadata(nil, incoming, "schema.A")
	assert.Equal(t, "corr-1", inherited[metadatapkg.KeyCorrelationID])
	assert.Equal(t, "tenantA", inherited["tenant"])
	assert.Equal(t, "schema.A", inherited[metadatapkg.KeyEventSchema])
	assert.NotContains(t, inherited, metadatapkg.KeyDeliveryAttempt)

	explicit := outgoingMetadata(metadatapkg.Metadata{"only": "this"}, incoming, "schema.B")
	assert.Equal(t, "this", explicit["only"])
	assert.Equal(t, "corr-1", explicit[metadatapkg.KeyCorrelationID])
	assert.NotContains(t, explicit, "tenant")
	assert.Equal(t, "4", incoming[metadatapkg.KeyDeliveryAttempt])
}
