// Package script is a scripted-module engine: the model is a single function whose
// parameters receive the inputs positionally and whose return values fill the outputs.
package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/tensor"
	"k8s.io/klog/v2"
)

type Adapter struct{}

var _ engine.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Backend() engine.Backend { return engine.BackendScript }

// compiledModule is the payload. env is scratch space reused across runs, so runs on
// the same module must not overlap; the engine serializes them.
type compiledModule struct {
	module   *module
	literals map[float32]*tensor.Tensor
	env      map[string]*tensor.Tensor
}

// Create compiles the script. Declared input and output names are not used: the
// function signature fixes the inputs and the return statement fixes the outputs.
func (a *Adapter) Create(ctx context.Context, device tensor.Device, inputNames, outputNames []string, definition []byte) (any, error) {
	log := klog.FromContext(ctx)

	if device != tensor.CPU {
		return nil, fmt.Errorf("script backend does not support device %v", device)
	}

	m, err := parseModule(definition)
	if err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "invalid script")
	}

	c := &compiledModule{
		module:   m,
		literals: make(map[float32]*tensor.Tensor),
		env:      make(map[string]*tensor.Tensor),
	}
	for _, st := range m.statements {
		for _, arg := range st.args {
			if !arg.isConst {
				continue
			}
			if _, found := c.literals[arg.literal]; found {
				continue
			}
			t, err := tensor.FromFloat32([]int64{1}, []float32{arg.literal})
			if err != nil {
				_ = c.free()
				return nil, fmt.Errorf("building literal %v: %w", arg.literal, err)
			}
			c.literals[arg.literal] = t
		}
	}

	log.V(4).Info("compiled script", "function", m.name, "params", m.params, "returns", m.returns)
	return c, nil
}

func (a *Adapter) Free(payload any) error {
	c, ok := payload.(*compiledModule)
	if !ok {
		return fmt.Errorf("script backend cannot free payload of type %T", payload)
	}
	return c.free()
}

func (c *compiledModule) free() error {
	var errs []error
	for v, t := range c.literals {
		if err := t.Free(); err != nil {
			errs = append(errs, fmt.Errorf("freeing literal %v: %w", v, err))
		}
	}
	c.literals = nil
	if err := c.clearEnv(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *compiledModule) clearEnv() error {
	var errs []error
	for name, t := range c.env {
		if err := t.Free(); err != nil {
			errs = append(errs, fmt.Errorf("releasing %q: %w", name, err))
		}
		delete(c.env, name)
	}
	return errors.Join(errs...)
}

func (a *Adapter) Run(ctx context.Context, payload any, inputs, outputs []*engine.Param) error {
	c, ok := payload.(*compiledModule)
	if !ok {
		return fmt.Errorf("script backend cannot run payload of type %T", payload)
	}
	m := c.module

	if len(inputs) != len(m.params) {
		return engine.Errorf(engine.InvalidArgument, "%s takes %d arguments, got %d inputs", m.name, len(m.params), len(inputs))
	}
	if len(outputs) != len(m.returns) {
		return engine.Errorf(engine.InvalidArgument, "%s returns %d values, got %d outputs", m.name, len(m.returns), len(outputs))
	}

	log := klog.FromContext(ctx)
	defer func() {
		if err := c.clearEnv(); err != nil {
			log.Error(err, "releasing script environment", "function", m.name)
		}
	}()

	for i, input := range inputs {
		c.env[m.params[i]] = input.Tensor.ShallowCopy()
	}

	for _, st := range m.statements {
		if err := ctx.Err(); err != nil {
			return err
		}
		args := make([]*tensor.Tensor, len(st.args))
		for i, arg := range st.args {
			if arg.isConst {
				args[i] = c.literals[arg.literal]
				continue
			}
			args[i] = c.env[arg.name]
		}
		result, err := st.op.Call(args, st.attrs)
		if err != nil {
			return fmt.Errorf("line %d: %w", st.line, err)
		}
		if previous, found := c.env[st.target]; found {
			if err := previous.Free(); err != nil {
				log.Error(err, "releasing reassigned value", "name", st.target, "line", st.line)
			}
		}
		c.env[st.target] = result
	}

	for i, name := range m.returns {
		outputs[i].Tensor = c.env[name].ShallowCopy()
	}
	return nil
}
