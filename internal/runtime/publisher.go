package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	handlerpkg "github.com/drblury/pipeguard/internal/runtime/handlers"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// PublishProto encodes event as protojson and publishes it to topic.
func PublishProto(ctx context.Context, publisher message.Publisher, topic string, event proto.Message, md metadatapkg.Metadata) error {
	if err := checkPublish(publisher, topic); err != nil {
		return err
	}
	msg, err := handlerpkg.NewProtoMessage(event, md)
	if err != nil {
		return err
	}
	return publish(ctx, publisher, topic, msg)
}

// PublishJSON encodes event as JSON and publishes it to topic.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, event any, md metadatapkg.Metadata) error {
	if err := checkPublish(publisher, topic); err != nil {
		return err
	}
	msg, err := handlerpkg.NewJSONMessage(event, md)
	if err != nil {
		return err
	}
	return publish(ctx, publisher, topic, msg)
}

func checkPublish(publisher message.Publisher, topic string) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	return nil
}

func publish(ctx context.Context, publisher message.Publisher, topic string, msg *message.Message) error {
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}
