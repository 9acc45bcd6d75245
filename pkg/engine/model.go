package engine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/justinsb/kllama/pkg/tensor"
	"k8s.io/klog/v2"
)

// Model is a reference-counted handle to a loaded model.
// Backend and device are fixed at construction; the payload is only touched through the adapter.
type Model struct {
	id      string
	backend Backend
	device  tensor.Device

	inputs     []string
	outputs    []string
	definition []byte

	adapter Adapter
	payload any

	refs      atomic.Int64
	destroyed atomic.Bool
	runMu     sync.Mutex
}

// NewModel compiles definition with the adapter registered for backend.
// The returned model holds one reference.
func NewModel(ctx context.Context, registry *Registry, backend Backend, device tensor.Device, inputNames, outputNames []string, definition []byte) (*Model, error) {
	log := klog.FromContext(ctx)

	adapter, err := registry.Lookup(backend)
	if err != nil {
		return nil, err
	}

	payload, err := adapter.Create(ctx, device, inputNames, outputNames, definition)
	if err != nil {
		return nil, Wrap(BackendFailure, err, "creating "+string(backend)+" model")
	}

	m := &Model{
		id:         uuid.NewString(),
		backend:    backend,
		device:     device,
		inputs:     slices.Clone(inputNames),
		outputs:    slices.Clone(outputNames),
		definition: slices.Clone(definition),
		adapter:    adapter,
		payload:    payload,
	}
	m.refs.Store(1)

	log.V(2).Info("created model", "id", m.id, "backend", backend, "device", device)
	return m, nil
}

func (m *Model) ID() string            { return m.id }
func (m *Model) Backend() Backend      { return m.backend }
func (m *Model) Device() tensor.Device { return m.device }

// Inputs returns the declared input names.
func (m *Model) Inputs() []string { return slices.Clone(m.inputs) }

// Outputs returns the declared output names.
func (m *Model) Outputs() []string { return slices.Clone(m.outputs) }

// Definition returns the bytes the model was created from.
func (m *Model) Definition() []byte { return m.definition }

// Refs reports the current reference count.
func (m *Model) Refs() int64 { return m.refs.Load() }

// Retain takes a new shared reference. A model whose last reference was released
// stays destroyed: Retain returns AlreadyFreed and the count is left at zero.
func (m *Model) Retain() error {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return Errorf(AlreadyFreed, "model %s already freed", m.id)
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// ShallowCopy takes a new shared reference and returns the same model.
// Copying a destroyed model logs the fault and takes no reference.
func (m *Model) ShallowCopy() *Model {
	if err := m.Retain(); err != nil {
		klog.Background().Error(err, "shallow copy of freed model", "id", m.id)
	}
	return m
}

// Free releases one reference. Releasing the last one frees the payload through the
// adapter and returns whatever the adapter reported. Freeing a model that is already
// destroyed returns an AlreadyFreed error and does nothing.
func (m *Model) Free() error {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return Errorf(AlreadyFreed, "model %s already freed", m.id)
		}
		if m.refs.CompareAndSwap(n, n-1) {
			if n > 1 {
				return nil
			}
			break
		}
	}
	return m.destroy()
}

func (m *Model) destroy() error {
	log := klog.Background()

	if m.adapter == nil {
		return Errorf(Internal, "model %s has no adapter for backend %q", m.id, m.backend)
	}
	if !m.destroyed.CompareAndSwap(false, true) {
		return Errorf(AlreadyFreed, "model %s already destroyed", m.id)
	}

	payload := m.payload
	m.payload = nil
	if err := m.adapter.Free(payload); err != nil {
		return Wrap(BackendFailure, err, "freeing "+string(m.backend)+" model "+m.id)
	}

	log.V(2).Info("destroyed model", "id", m.id, "backend", m.backend)
	return nil
}

// run invokes the adapter, serializing calls unless the adapter allows concurrency.
func (m *Model) run(ctx context.Context, inputs, outputs []*Param) error {
	if m.adapter == nil {
		return Errorf(UnsupportedBackend, "model %s has no adapter for backend %q", m.id, m.backend)
	}
	// Advisory only: callers reach run through a RunCtx, which holds a reference.
	if m.refs.Load() <= 0 {
		return Errorf(AlreadyFreed, "model %s already freed", m.id)
	}

	if cr, ok := m.adapter.(ConcurrentRunner); !ok || !cr.ConcurrentRuns() {
		m.runMu.Lock()
		defer m.runMu.Unlock()
	}
	return m.adapter.Run(ctx, m.payload, inputs, outputs)
}
