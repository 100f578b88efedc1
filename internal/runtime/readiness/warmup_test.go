package readiness

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWarmMarksEachResource(t *testing.T) {
	g := NewGate("db", "secrets")
	err := Warm(context.Background(), g, nil,
		ResourceFunc("db", func(context.Context) error { return nil }),
		ResourceFunc("secrets", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.IsReady() {
		t.Fatal("expected gate ready after warm-up")
	}
}

func TestWarmFailureKeepsGateClosed(t *testing.T) {
	g := NewGate("db", "secrets")
	boom := errors.New("connection refused")
	var cancelled bool
	err := Warm(context.Background(), g, nil,
		ResourceFunc("db", func(context.Context) error { return boom }),
		ResourceFunc("secrets", func(ctx context.Context) error {
			<-ctx.Done()
			cancelled = true
			return ctx.Err()
		}),
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the first failure, got %v", err)
	}
	if !cancelled {
		t.Fatal("expected remaining warm-ups to be cancelled")
	}
	if g.IsReady() {
		t.Fatal("gate must stay closed after a failed warm-up")
	}
	if st := g.Snapshot(); st.Resources["db"] || st.Resources["secrets"] {
		t.Fatalf("failed resources must not be marked: %+v", st)
	}
}

func TestWarmUnknownResourceFails(t *testing.T) {
	g := NewGate("db")
	err := Warm(context.Background(), g, nil, ResourceFunc("cache", func(context.Context) error { return nil }))
	if err == nil {
		t.Fatal("expected error for resource the gate does not track")
	}
}
