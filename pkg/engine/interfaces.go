package engine

import (
	"context"

	"github.com/justinsb/kllama/pkg/tensor"
)

// Backend names an inference engine.
type Backend string

const (
	BackendGraph  Backend = "graph"
	BackendScript Backend = "script"
	BackendGGML   Backend = "ggml"
)

// Adapter is one inference engine behind the uniform create/free/run contract.
// The payload returned by Create is opaque to everything but the adapter that made it.
type Adapter interface {
	Backend() Backend

	// Create compiles definition for device. inputNames and outputNames are the
	// declared bindings; adapters that bind positionally may ignore them.
	Create(ctx context.Context, device tensor.Device, inputNames, outputNames []string, definition []byte) (any, error)

	Free(payload any) error

	// Run reads inputs positionally and fills every outputs[i].Tensor on success.
	Run(ctx context.Context, payload any, inputs, outputs []*Param) error
}

// ConcurrentRunner is implemented by adapters whose payloads tolerate concurrent Run calls.
// Runs on payloads of other adapters are serialized per model.
type ConcurrentRunner interface {
	ConcurrentRuns() bool
}

// Param binds a name to a tensor for one run. Output params start with a nil Tensor.
type Param struct {
	Name   string
	Tensor *tensor.Tensor
}
