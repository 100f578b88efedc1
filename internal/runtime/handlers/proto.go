package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	idspkg "github.com/drblury/pipeguard/internal/runtime/ids"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// ProtoMessageContext provides strongly typed access to the incoming payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput describes a message to forward after the handler succeeds.
type ProtoMessageOutput struct {
	Message  proto.Message
	Metadata metadatapkg.Metadata
}

// ProtoMessageHandler processes a typed protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) ([]ProtoMessageOutput, error)

var protoMarshal = protojson.MarshalOptions{UseProtoNames: true}

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// BuildProtoHandler converts the typed handler into a Watermill handler.
// Payloads are protojson encoded on the wire.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	return func(msg *message.Message) ([]*message.Message, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return nil, err
		}
		if err := protoUnmarshal.Unmarshal(msg.Payload, typed); err != nil {
			return nil, fmt.Errorf("%w: decode %T: %v", errspkg.ErrUnprocessable, prototype, err)
		}

		evt := ProtoMessageContext[T]{
			MessageContextBase: newMessageContextBase(msg, logger),
			Payload:            typed,
		}

		outgoing, err := handler(msg.Context(), evt)
		if err != nil {
			return nil, err
		}
		return convertProtoOutputs(outgoing, evt.Metadata)
	}, nil
}

// NewProtoMessage encodes payload as a Watermill message carrying the
// schema header.
func NewProtoMessage(payload proto.Message, md metadatapkg.Metadata) (*message.Message, error) {
	if payload == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	data, err := protoMarshal.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", payload.ProtoReflect().Descriptor().FullName(), err)
	}
	msg := message.NewMessage(idspkg.New(), data)
	msg.Metadata = metadatapkg.ToWatermill(md.With(metadatapkg.KeyEventSchema, string(payload.ProtoReflect().Descriptor().FullName())))
	return msg, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		typ = reflect.TypeOf((*T)(nil)).Elem()
	}
	if typ.Kind() == reflect.Interface {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func convertProtoOutputs(outputs []ProtoMessageOutput, incoming metadatapkg.Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*message.Message, len(outputs))
	for i, out := range outputs {
		if isNilProto(out.Message) {
			return nil, errors.New("proto handler emitted nil message")
		}
		schema := string(out.Message.ProtoReflect().Descriptor().FullName())
		msg, err := NewProtoMessage(out.Message, outgoingMetadata(out.Metadata, incoming, schema))
		if err != nil {
			return nil, err
		}
		result[i] = msg
	}
	return result, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
