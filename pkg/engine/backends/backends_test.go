package backends

import (
	"slices"
	"testing"

	"github.com/justinsb/kllama/pkg/engine"
)

func TestRegisterDefaults(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	got := registry.Backends()
	for _, want := range []engine.Backend{engine.BackendGraph, engine.BackendScript} {
		if !slices.Contains(got, want) {
			t.Errorf("backend %q not registered (have %v)", want, got)
		}
	}

	if err := RegisterDefaults(registry); err == nil {
		t.Errorf("registering the defaults twice should fail")
	}
}

func TestEnabled(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	restricted, err := Enabled(registry, []string{"script"})
	if err != nil {
		t.Fatalf("restricting registry: %v", err)
	}
	if _, err := restricted.Lookup(engine.BackendGraph); engine.CodeOf(err) != engine.UnsupportedBackend {
		t.Errorf("graph should not be enabled, got %v", err)
	}
	if _, err := Enabled(registry, []string{"tensorflow"}); engine.CodeOf(err) != engine.UnsupportedBackend {
		t.Errorf("expected UnsupportedBackend for unknown name, got %v", err)
	}
}
