// Package readiness tracks whether an instance has warmed every mandatory
// resource and may report ready to its orchestrator.
package readiness

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
)

// Status is a point-in-time view of a Gate.
type Status struct {
	Ready     bool            `json:"ready"`
	ReadyAt   *time.Time      `json:"ready_at,omitempty"`
	Resources map[string]bool `json:"resources"`
	Pending   []string        `json:"pending,omitempty"`
}

// Gate flips from not ready to ready exactly once, after every resource it
// was built with has been marked. It never reverts.
type Gate struct {
	ready   atomic.Bool
	readyAt atomic.Pointer[time.Time]

	names  []string
	marked map[string]*atomic.Bool
	left   atomic.Int64

	mu        sync.Mutex
	callbacks []func()
	done      chan struct{}
}

// NewGate builds a gate over a fixed resource set. Duplicate names count
// once. A gate without resources is ready immediately.
func NewGate(resources ...string) *Gate {
	g := &Gate{
		marked: make(map[string]*atomic.Bool, len(resources)),
		done:   make(chan struct{}),
	}
	for _, name := range resources {
		if _, dup := g.marked[name]; dup {
			continue
		}
		g.marked[name] = new(atomic.Bool)
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)
	g.left.Store(int64(len(g.names)))
	if len(g.names) == 0 {
		g.flip()
	}
	return g
}

// MarkResourceReady records that name has been warmed. Marking twice is a
// no-op; marking a name the gate does not know returns ErrUnknownResource.
func (g *Gate) MarkResourceReady(name string) error {
	flag, ok := g.marked[name]
	if !ok {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownResource, name)
	}
	if !flag.CompareAndSwap(false, true) {
		return nil
	}
	if g.left.Add(-1) == 0 {
		g.flip()
	}
	return nil
}

func (g *Gate) flip() {
	if !g.ready.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	g.readyAt.Store(&now)

	g.mu.Lock()
	callbacks := g.callbacks
	g.callbacks = nil
	close(g.done)
	g.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// IsReady reports whether every resource has been marked.
func (g *Gate) IsReady() bool {
	return g.ready.Load()
}

// Ready returns a channel that is closed once the gate is ready.
func (g *Gate) Ready() <-chan struct{} {
	return g.done
}

// ReadyAt returns when the gate became ready, or the zero time.
func (g *Gate) ReadyAt() time.Time {
	if t := g.readyAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// OnReady registers fn to run once when the gate becomes ready. If it is
// already ready, fn runs immediately on the calling goroutine.
func (g *Gate) OnReady(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	if !g.ready.Load() {
		g.callbacks = append(g.callbacks, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// Resources returns the resource names in sorted order.
func (g *Gate) Resources() []string {
	return append([]string(nil), g.names...)
}

// Snapshot returns the current status.
func (g *Gate) Snapshot() Status {
	st := Status{
		Ready:     g.ready.Load(),
		Resources: make(map[string]bool, len(g.names)),
	}
	if t := g.readyAt.Load(); t != nil {
		at := *t
		st.ReadyAt = &at
	}
	for _, name := range g.names {
		done := g.marked[name].Load()
		st.Resources[name] = done
		if !done {
			st.Pending = append(st.Pending, name)
		}
	}
	return st
}
