package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/evmts/smithers-go/types"
)

// Adapter runs one agent request against a concrete backend.
type Adapter interface {
	// Name identifies the adapter in configuration and logs.
	Name() string

	// Execute performs the request and returns its result. Implementations
	// should honor ctx cancellation, but an adapter wrapping an external
	// process may be unable to stop mid-flight; callers must not assume
	// cancellation interrupts a dispatched call.
	Execute(ctx context.Context, req *types.Request) (*types.Result, error)
}

// Registry is a thread-safe name-to-adapter registry with an optional
// default.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name, replacing any existing entry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Default returns the designated default adapter.
func (r *Registry) Default() (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" {
		return nil, fmt.Errorf("no default backend set")
	}
	a, ok := r.adapters[r.fallback]
	if !ok {
		return nil, fmt.Errorf("default backend %q not registered", r.fallback)
	}
	return a, nil
}

// SetDefault designates a registered adapter as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("backend %q not registered", name)
	}
	r.fallback = name
	return nil
}

// List returns the sorted names of all registered adapters.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
