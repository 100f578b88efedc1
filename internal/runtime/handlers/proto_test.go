package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	idspkg "github.com/drblury/pipeguard/internal/runtime/ids"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

func mustProtoPayload(t *testing.T, msg proto.Message) []byte {
	t.Helper()
	data, err := protojson.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestBuildProtoHandlerForwardsOutputs(t *testing.T) {
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		tenant := evt.Payload.GetFields()["tenant"].GetStringValue()
		if tenant != "tenantB" {
			t.Fatalf("unexpected tenant %q", tenant)
		}
		return []ProtoMessageOutput{{Message: wrapperspb.String("approved:" + tenant)}}, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, _ := structpb.NewStruct(map[string]any{"tenant": "tenantB"})
	msg := message.NewMessage(idspkg.New(), mustProtoPayload(t, payload))
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-2")

	produced, err := handler(msg)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(produced) != 1 {
		t.Fatalf("expected one message, got %d", len(produced))
	}
	if got := produced[0].Metadata.Get(metadatapkg.KeyEventSchema); got != "google.protobuf.StringValue" {
		t.Fatalf("unexpected schema %q", got)
	}
	if produced[0].Metadata.Get(metadatapkg.KeyCorrelationID) != "corr-2" {
		t.Fatal("expected correlation ID to be carried forward")
	}

	var decoded wrapperspb.StringValue
	if err := protojson.Unmarshal(produced[0].Payload, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.GetValue() != "approved:tenantB" {
		t.Fatalf("unexpected output %q", decoded.GetValue())
	}
}

func TestBuildProtoHandlerUsesFreshPayloadPerMessage(t *testing.T) {
	var seen []*structpb.Struct
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		seen = append(seen, evt.Payload)
		return nil, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, tenant := range []string{"a", "b"} {
		payload, _ := structpb.NewStruct(map[string]any{"tenant": tenant})
		if _, err := handler(message.NewMessage(idspkg.New(), mustProtoPayload(t, payload))); err != nil {
			t.Fatalf("handler error: %v", err)
		}
	}
	if seen[0] == seen[1] {
		t.Fatal("expected distinct payload instances")
	}
	if seen[0].GetFields()["tenant"].GetStringValue() != "a" {
		t.Fatal("first payload was overwritten")
	}
}

func TestBuildProtoHandlerDecodeErrorIsUnprocessable(t *testing.T) {
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		return nil, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = handler(message.NewMessage(idspkg.New(), []byte(`not-json`)))
	if !errors.Is(err, errspkg.ErrUnprocessable) {
		t.Fatalf("expected ErrUnprocessable, got %v", err)
	}
}

func TestBuildProtoHandlerRejectsNilOutput(t *testing.T) {
	handler, err := BuildProtoHandler(&structpb.Struct{}, func(ctx context.Context, evt ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		return []ProtoMessageOutput{{Message: nil}}, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := handler(message.NewMessage(idspkg.New(), []byte(`{}`))); err == nil {
		t.Fatal("expected error for nil output")
	}
}

func TestBuildProtoHandlerValidation(t *testing.T) {
	if _, err := BuildProtoHandler[*structpb.Struct](&structpb.Struct{}, nil, nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
	noop := func(context.Context, ProtoMessageContext[proto.Message]) ([]ProtoMessageOutput, error) { return nil, nil }
	if _, err := BuildProtoHandler[proto.Message](nil, noop, nil); !errors.Is(err, errspkg.ErrConsumeMessageTypeRequired) {
		t.Fatalf("expected ErrConsumeMessageTypeRequired, got %v", err)
	}
}

func TestEnsureProtoPrototypeInstantiatesTypedNil(t *testing.T) {
	var typedNil *structpb.Struct
	got, err := EnsureProtoPrototype(typedNil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a fresh instance")
	}
}

func TestNewProtoMessage(t *testing.T) {
	if _, err := NewProtoMessage(nil, nil); !errors.Is(err, errspkg.ErrEventPayloadRequired) {
		t.Fatalf("expected ErrEventPayloadRequired, got %v", err)
	}
	msg, err := NewProtoMessage(wrapperspb.Int64(7), metadatapkg.Metadata{"k": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Metadata.Get("k") != "v" || msg.Metadata.Get(metadatapkg.KeyEventSchema) != "google.protobuf.Int64Value" {
		t.Fatalf("unexpected metadata %#v", msg.Metadata)
	}
}
