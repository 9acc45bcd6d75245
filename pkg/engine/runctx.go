package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/justinsb/kllama/pkg/tensor"
	"k8s.io/klog/v2"
)

// RunState tracks a RunCtx through its single use.
type RunState int

const (
	Built RunState = iota
	RanSuccess
	RanFailure
	Freed
)

func (s RunState) String() string {
	switch s {
	case Built:
		return "Built"
	case RanSuccess:
		return "RanSuccess"
	case RanFailure:
		return "RanFailure"
	case Freed:
		return "Freed"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

const paramInitialSize = 10

// RunCtx binds input tensors and output slots to one run of one model.
// It is single-use and not meant to be shared between goroutines.
type RunCtx struct {
	mu sync.Mutex

	model   *Model
	inputs  []*Param
	outputs []*Param
	state   RunState
}

// NewRunCtx takes a shared reference to model. A freed model returns AlreadyFreed.
func NewRunCtx(model *Model) (*RunCtx, error) {
	if err := model.Retain(); err != nil {
		return nil, err
	}
	return &RunCtx{
		model:   model,
		inputs:  make([]*Param, 0, paramInitialSize),
		outputs: make([]*Param, 0, paramInitialSize),
	}, nil
}

func (c *RunCtx) Model() *Model { return c.model }

func (c *RunCtx) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddInput binds a new shared reference to t under name. The caller keeps its own reference.
func (c *RunCtx) AddInput(name string, t *tensor.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBuilt(); err != nil {
		return err
	}
	if name == "" {
		return Errorf(InvalidArgument, "input name must not be empty")
	}
	if t == nil {
		return Errorf(InvalidArgument, "input %q has no tensor", name)
	}
	for _, p := range c.inputs {
		if p.Name == name {
			return Errorf(InvalidArgument, "input %q already bound", name)
		}
	}
	c.inputs = append(c.inputs, &Param{Name: name, Tensor: t.ShallowCopy()})
	return nil
}

// AddOutput reserves an output slot, filled by Run.
func (c *RunCtx) AddOutput(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBuilt(); err != nil {
		return err
	}
	if name == "" {
		return Errorf(InvalidArgument, "output name must not be empty")
	}
	c.outputs = append(c.outputs, &Param{Name: name})
	return nil
}

func (c *RunCtx) checkBuilt() error {
	switch c.state {
	case Built:
		return nil
	case Freed:
		return Errorf(AlreadyFreed, "run context already freed")
	default:
		return Errorf(AlreadyRan, "run context already ran")
	}
}

func (c *RunCtx) NumOutputs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outputs)
}

// OutputTensor returns output slot index. It is nil until a successful Run.
// An index outside [0, NumOutputs()) is a programming error and panics.
func (c *RunCtx) OutputTensor(index int) *tensor.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.outputs) {
		panic(fmt.Sprintf("output index %d out of range [0, %d)", index, len(c.outputs)))
	}
	return c.outputs[index].Tensor
}

// Inputs returns the input bindings in order.
func (c *RunCtx) Inputs() []Param {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyParams(c.inputs)
}

// Outputs returns the output bindings in order.
func (c *RunCtx) Outputs() []Param {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyParams(c.outputs)
}

func copyParams(params []*Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = *p
	}
	return out
}

// Run executes the model once. On failure the output slots are released and left nil.
func (c *RunCtx) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBuilt(); err != nil {
		return err
	}

	err := c.model.run(ctx, c.inputs, c.outputs)
	if err == nil {
		for i, p := range c.outputs {
			if p.Tensor == nil {
				err = Errorf(Internal, "%s backend left output %d (%q) empty", c.model.backend, i, p.Name)
				break
			}
		}
	}
	if err != nil {
		err = Wrap(BackendFailure, err, "running "+string(c.model.backend)+" model")
		c.state = RanFailure
		if releaseErr := c.releaseOutputs(); releaseErr != nil {
			log.Error(releaseErr, "releasing outputs after failed run", "model", c.model.id)
		}
		return err
	}

	c.state = RanSuccess
	return nil
}

func (c *RunCtx) releaseOutputs() error {
	var errs []error
	for _, p := range c.outputs {
		if p.Tensor != nil {
			if err := p.Tensor.Free(); err != nil {
				errs = append(errs, fmt.Errorf("releasing output %q: %w", p.Name, err))
			}
			p.Tensor = nil
		}
	}
	return errors.Join(errs...)
}

// Free releases every tensor reference and the model reference. All failures are
// returned together. Freeing twice returns AlreadyFreed and releases nothing.
func (c *RunCtx) Free() error {
	log := klog.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Freed {
		return Errorf(AlreadyFreed, "run context already freed")
	}
	c.state = Freed

	var errs []error
	for _, p := range c.inputs {
		if err := p.Tensor.Free(); err != nil {
			errs = append(errs, fmt.Errorf("releasing input %q: %w", p.Name, err))
		}
		p.Tensor = nil
	}
	c.inputs = nil

	if err := c.releaseOutputs(); err != nil {
		errs = append(errs, err)
	}
	c.outputs = nil

	if err := c.model.Free(); err != nil {
		errs = append(errs, fmt.Errorf("releasing model: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Error(err, "freeing run context", "model", c.model.id)
	}
	return err
}
