package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drblury/pipeguard/internal/runtime/readiness"
)

func TestNewCacheUsesServiceConfig(t *testing.T) {
	conf := testConfig()
	conf.CacheTTL = time.Minute
	conf.CacheMaxEntries = 2
	svc, _ := newTestService(t, conf, ServiceDependencies{})

	cache, err := NewCache[string](svc, "credentials")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if cache.Name() != "credentials" {
		t.Fatalf("unexpected name %q", cache.Name())
	}
	for _, key := range []string{"a", "b", "c"} {
		cache.Set(key, key)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected max entries from config to cap the cache, got %d", cache.Len())
	}
}

func TestCacheWarmerLoadsKeysAndOpensGate(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), ServiceDependencies{})
	cache, err := NewCache[string](svc, "tenant-credentials")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	var loads atomic.Int32
	loader := func(ctx context.Context, key string) (string, error) {
		loads.Add(1)
		return "secret-" + key, nil
	}
	warmer := CacheWarmer("tenant-credentials", cache, loader, "tenantA", "tenantB")
	gate := readiness.NewGate(warmer.Name())

	if err := readiness.Warm(context.Background(), gate, svc.Logger, warmer); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if !gate.IsReady() {
		t.Fatal("expected gate to open after warming")
	}
	if v, ok := cache.Get("tenantB"); !ok || v != "secret-tenantB" {
		t.Fatalf("expected warmed value, got %q %v", v, ok)
	}
	if loads.Load() != 2 {
		t.Fatalf("expected one load per key, got %d", loads.Load())
	}
}

func TestCacheWarmerPropagatesLoaderError(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), ServiceDependencies{})
	cache, err := NewCache[string](svc, "broken")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	boom := errors.New("vault sealed")
	warmer := CacheWarmer("broken", cache, func(context.Context, string) (string, error) { return "", boom }, "k")

	if err := warmer.Warm(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
}
