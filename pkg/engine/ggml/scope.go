//go:build ggml

package ggml

import (
	"fmt"

	"github.com/justinsb/kllama/pkg/engine/graph"
)

// calculationScope is one run's ggml arena and the tensors built in it.
type calculationScope struct {
	ggmlContext *GgmlContext
	tensors     map[string]*GgmlTensor
	lengths     map[string]int
}

func newCalculationScope(memorySize int) (*calculationScope, error) {
	ggmlContext, err := NewGgmlContext(NewGgmlInitParams(memorySize))
	if err != nil {
		return nil, err
	}
	return &calculationScope{
		ggmlContext: ggmlContext,
		tensors:     make(map[string]*GgmlTensor),
		lengths:     make(map[string]int),
	}, nil
}

func (c *calculationScope) Close() error {
	c.ggmlContext.Free()
	return nil
}

func (c *calculationScope) setValues(name string, values []float32) error {
	ggmlTensor, err := c.ggmlContext.NewGgmlTensor1D(GGML_TYPE_F32, len(values))
	if err != nil {
		return fmt.Errorf("creating GGML tensor %q: %w", name, err)
	}
	if err := ggmlTensor.SetValues(values); err != nil {
		return fmt.Errorf("setting values of %q: %w", name, err)
	}
	c.tensors[name] = ggmlTensor
	c.lengths[name] = len(values)
	return nil
}

func (c *calculationScope) getValues(name string) ([]float32, error) {
	t, found := c.tensors[name]
	if !found {
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	values, err := t.GetValues_1D_F32()
	if err != nil {
		return nil, fmt.Errorf("getting values of %q: %w", name, err)
	}
	return values, nil
}

// Evaluate builds the ggml graph in dependency order and computes it.
func (c *calculationScope) Evaluate(g *compiledGraph, numThreads int) error {
	cgraph, err := c.ggmlContext.NewGgmlCGraph()
	if err != nil {
		return fmt.Errorf("failed to create graph: %w", err)
	}

	for _, name := range g.evaluationOrder {
		n, ok := g.def.Node(name)
		if !ok {
			return fmt.Errorf("node %q not found", name)
		}
		if _, done := c.tensors[name]; done {
			continue
		}
		if err := c.addNode(n); err != nil {
			return fmt.Errorf("failed to add GGML tensor %q: %w", name, err)
		}
	}

	// Order matters when calling BuildForwardExpand.
	for _, name := range g.outputNames {
		cgraph.BuildForwardExpand(c.tensors[name])
	}

	if err := cgraph.ComputeWithCtx(c.ggmlContext, numThreads); err != nil {
		return fmt.Errorf("failed to compute graph: %w", err)
	}
	return nil
}

func (c *calculationScope) addNode(n graph.NodeDef) error {
	switch n.Op {
	case graph.OpInput:
		return fmt.Errorf("input %q was not bound", n.Name)
	case graph.OpConst:
		return c.setValues(n.Name, n.Values)
	}

	sources, err := c.getSourceTensors(n.Inputs...)
	if err != nil {
		return err
	}
	ctx := c.ggmlContext
	length := c.lengths[n.Inputs[0]]

	switch n.Op {
	case "identity":
		c.tensors[n.Name] = ctx.GgmlDup(sources[0])
	case "relu":
		c.tensors[n.Name] = ctx.GgmlRelu(sources[0])
	case "scale":
		factor := float32(1)
		if v, ok := n.Attrs["factor"]; ok {
			factor = float32(v)
		}
		c.tensors[n.Name] = ctx.GgmlScale(sources[0], factor)
	case "rmsnorm":
		epsilon := float32(1e-5)
		if v := n.Attrs["epsilon"]; v != 0 {
			epsilon = float32(v)
		}
		c.tensors[n.Name] = ctx.GgmlRMSNorm(sources[0], epsilon)
	case "add", "sub", "mul":
		a, b := sources[0], sources[1]
		la, lb := c.lengths[n.Inputs[0]], c.lengths[n.Inputs[1]]
		switch {
		case la == lb || lb == 1:
		case la == 1 && n.Op != "sub":
			// ggml only broadcasts the second operand.
			a, b = b, a
			length = lb
		default:
			return fmt.Errorf("%s: lengths %d and %d are not compatible", n.Op, la, lb)
		}
		switch n.Op {
		case "add":
			c.tensors[n.Name] = ctx.GgmlAdd(a, b)
		case "sub":
			c.tensors[n.Name] = ctx.GgmlSub(a, b)
		case "mul":
			c.tensors[n.Name] = ctx.GgmlMul(a, b)
		}
	default:
		return fmt.Errorf("unsupported operation: %v", n.Op)
	}
	c.lengths[n.Name] = length
	return nil
}

func (c *calculationScope) getSourceTensors(dependencies ...string) ([]*GgmlTensor, error) {
	out := make([]*GgmlTensor, len(dependencies))
	for i, dependency := range dependencies {
		t, found := c.tensors[dependency]
		if !found {
			return nil, fmt.Errorf("source tensor %q not found", dependency)
		}
		out[i] = t
	}
	return out, nil
}
