package pipeguard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestStageExportsPropagateErrors(t *testing.T) {
	if err := RegisterJSONStage(nil, JSONStageRegistration[map[string]any, map[string]any]{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
	if err := RegisterProtoStage(nil, ProtoStageRegistration[*structpb.Struct]{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
	if err := RegisterStage(nil, StageRegistration{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestNewServiceRequiresConcurrencyCeiling(t *testing.T) {
	_, err := NewService(&Config{PubSubSystem: "channel", HealthPort: -1}, NewNopLogger(), context.Background(), ServiceDependencies{})
	if !errors.Is(err, ErrMaxConcurrentHandlersRequired) {
		t.Fatalf("expected ErrMaxConcurrentHandlersRequired, got %v", err)
	}
}

func TestStandaloneCacheCoalescesLoads(t *testing.T) {
	cache, err := NewStandaloneCache[string](CacheOptions{Name: "libapi"})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	calls := 0
	loader := func(ctx context.Context, key string) (string, error) {
		calls++
		return "v-" + key, nil
	}
	for range 3 {
		v, err := cache.GetOrLoad(context.Background(), "tenantA", loader, time.Second)
		if err != nil || v != "v-tenantA" {
			t.Fatalf("unexpected result %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single load, got %d", calls)
	}
}

func TestReadinessExports(t *testing.T) {
	gate := NewReadinessGate("db")
	res := ResourceFunc("db", func(context.Context) error { return nil })
	if err := WarmResources(context.Background(), gate, NewNopLogger(), res); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if !gate.IsReady() {
		t.Fatalf("expected gate to be ready")
	}
}

func TestClassifyErrorExport(t *testing.T) {
	tests := []struct {
		err  error
		want Disposition
	}{
		{nil, DispositionAck},
		{ErrSkip, DispositionAck},
		{errors.New("boom"), DispositionNack},
		{NewDownstreamError("ledger", errors.New("503")), DispositionNack},
		{fmt.Errorf("decode: %w", ErrUnprocessable), DispositionDeadLetter},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Fatalf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
	if NewULID() == "" {
		t.Fatalf("expected a ULID")
	}
}
