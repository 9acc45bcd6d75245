package persist

import (
	"context"
	"fmt"
	"io"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/keyspace"
)

// ModelTypeName is the keyspace type under which models are stored.
const ModelTypeName = "AI__MODEL"

// ModelType returns the keyspace hooks for *engine.Model values.
// Restored models are compiled by the adapters in registry.
func ModelType(registry *engine.Registry) keyspace.TypeMethods {
	return keyspace.TypeMethods{
		Free: func(value any) error {
			return value.(*engine.Model).Free()
		},
		Copy: func(value any) any {
			return value.(*engine.Model).ShallowCopy()
		},
		Save: func(w io.Writer, value any) error {
			return Save(w, value.(*engine.Model))
		},
		Load: func(ctx context.Context, r io.Reader) (any, error) {
			return Load(ctx, registry, r)
		},
	}
}

// RegisterModelType registers ModelType with k.
func RegisterModelType(k *keyspace.Keyspace, registry *engine.Registry) error {
	if err := k.RegisterType(ModelTypeName, ModelType(registry)); err != nil {
		return fmt.Errorf("registering model type: %w", err)
	}
	return nil
}

// GetModel returns a new reference to the model stored under key.
func GetModel(k *keyspace.Keyspace, key string) (*engine.Model, error) {
	value, err := k.GetAs(key, ModelTypeName)
	if err != nil {
		return nil, err
	}
	return value.(*engine.Model), nil
}
