package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	idspkg "github.com/drblury/pipeguard/internal/runtime/ids"
	jsoncodec "github.com/drblury/pipeguard/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// JSONMessageContext exposes the decoded payload and delivery details.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput is a message to forward once the handler succeeded.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata metadatapkg.Metadata
}

// JSONMessageHandler processes a JSON payload and returns the messages to
// forward to the next topic.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONHandler converts a typed JSON handler into a Watermill handler.
// Payloads that fail to decode are reported as unprocessable so they go to
// the dead-letter topic instead of being redelivered forever.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(msg *message.Message) ([]*message.Message, error) {
		typed := newPayload()
		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return nil, fmt.Errorf("%w: decode %T: %v", errspkg.ErrUnprocessable, typed, err)
		}

		evt := JSONMessageContext[T]{
			MessageContextBase: newMessageContextBase(msg, logger),
			Payload:            typed,
		}

		outgoing, err := handler(msg.Context(), evt)
		if err != nil {
			return nil, err
		}
		return convertJSONOutputs(outgoing, evt.Metadata)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func convertJSONOutputs[T any](outputs []JSONMessageOutput[T], incoming metadatapkg.Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*message.Message, len(outputs))
	for i, out := range outputs {
		if v := reflect.ValueOf(out.Message); !v.IsValid() || v.IsZero() {
			return nil, errors.New("json handler emitted zero-value message")
		}

		payload, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", out.Message, err)
		}

		msg := message.NewMessage(idspkg.New(), payload)
		msg.Metadata = metadatapkg.ToWatermill(outgoingMetadata(out.Metadata, incoming, fmt.Sprintf("%T", out.Message)))
		result[i] = msg
	}
	return result, nil
}

// NewJSONMessage encodes payload as a Watermill message carrying the schema
// header.
func NewJSONMessage(payload any, md metadatapkg.Metadata) (*message.Message, error) {
	if v := reflect.ValueOf(payload); !v.IsValid() || (v.Kind() == reflect.Ptr && v.IsNil()) {
		return nil, errspkg.ErrEventPayloadRequired
	}
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", payload, err)
	}
	msg := message.NewMessage(idspkg.New(), data)
	msg.Metadata = metadatapkg.ToWatermill(md.With(metadatapkg.KeyEventSchema, fmt.Sprintf("%T", payload)))
	return msg, nil
}
