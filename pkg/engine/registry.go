package engine

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps backend tags to adapters. It is populated explicitly at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Backend]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Backend]Adapter)}
}

// Register adds an adapter. Registering the same backend twice is an error.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	backend := adapter.Backend()
	if backend == "" {
		return fmt.Errorf("adapter %T has an empty backend name", adapter)
	}
	if _, found := r.adapters[backend]; found {
		return fmt.Errorf("backend %q already registered", backend)
	}
	r.adapters[backend] = adapter
	return nil
}

// Lookup returns the adapter for backend, or an UnsupportedBackend error.
func (r *Registry) Lookup(backend Backend) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, found := r.adapters[backend]
	if !found {
		return nil, Errorf(UnsupportedBackend, "unsupported backend %q", backend)
	}
	return adapter, nil
}

// Backends lists the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.adapters))
	for backend := range r.adapters {
		out = append(out, backend)
	}
	slices.Sort(out)
	return out
}
