package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrUnknownTransport is returned by Build for an unregistered PubSubSystem.
	ErrUnknownTransport = errors.New("pipeguard: unknown transport")
	// ErrEmptyTransport is returned when a builder yields no Publisher,
	// Subscriber or Sources.
	ErrEmptyTransport = errors.New("pipeguard: transport has nothing to publish or consume with")
)

type registration struct {
	build Builder
	caps  Capabilities
	// hasCaps distinguishes a zero Capabilities from an unset one.
	hasCaps bool
}

// Registry resolves PubSubSystem names, case-insensitively, to builders and
// their delivery capabilities. Transport packages register from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry holds every transport linked into the binary.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a builder. Capabilities registered earlier for
// the same name are kept.
func (r *Registry) Register(name string, builder Builder) {
	key := normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	e.build = builder
	r.entries[key] = e
}

// RegisterWithCapabilities adds or replaces a builder and its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = registration{build: builder, caps: caps, hasCaps: true}
}

// GetCapabilities returns what the named transport supports, or a zero
// value carrying only the name when nothing was registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	e, ok := r.entries[normalize(name)]
	r.mu.RUnlock()
	if !ok || !e.hasCaps {
		return Capabilities{Name: name}
	}
	return e.caps
}

// Build runs the builder selected by cfg.GetPubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	name := normalize(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}

	t, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if t.Publisher == nil && t.Subscriber == nil && t.Sources == nil {
		return Transport{}, fmt.Errorf("%s: %w", name, ErrEmptyTransport)
	}
	return t, nil
}

// Names lists the registered transports, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(name)]
	return ok && e.build != nil
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build resolves cfg against DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
