// Package backends wires the engines compiled into this binary into a registry.
package backends

import (
	"fmt"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/graph"
	"github.com/justinsb/kllama/pkg/engine/script"
)

// Options tune the adapters that have settings. Zero values keep each adapter's default.
type Options struct {
	// Threads is the compute thread count for native backends.
	Threads int
}

// RegisterDefaults registers every available adapter with registry.
// It is called once at startup.
func RegisterDefaults(registry *engine.Registry) error {
	return Register(registry, Options{})
}

// Register is RegisterDefaults with adapter settings.
func Register(registry *engine.Registry, opts Options) error {
	adapters := []engine.Adapter{
		graph.New(),
		script.New(),
	}
	adapters = append(adapters, nativeAdapters(opts)...)

	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("registering %s backend: %w", adapter.Backend(), err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the default adapters.
func NewRegistry() (*engine.Registry, error) {
	registry := engine.NewRegistry()
	if err := RegisterDefaults(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// Enabled filters registry down to the named backends, for deployments that restrict them.
func Enabled(registry *engine.Registry, names []string) (*engine.Registry, error) {
	if len(names) == 0 {
		return registry, nil
	}
	out := engine.NewRegistry()
	for _, name := range names {
		adapter, err := registry.Lookup(engine.Backend(name))
		if err != nil {
			return nil, err
		}
		if err := out.Register(adapter); err != nil {
			return nil, err
		}
	}
	return out, nil
}
