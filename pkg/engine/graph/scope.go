package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinsb/kllama/pkg/engine/ops"
	"github.com/justinsb/kllama/pkg/tensor"
)

// calculationScope holds the tensors produced during one run. Every value owns one reference.
type calculationScope struct {
	graph  *compiledGraph
	values map[string]*tensor.Tensor
}

func newScope(g *compiledGraph) *calculationScope {
	return &calculationScope{
		graph:  g,
		values: make(map[string]*tensor.Tensor, len(g.evaluationOrder)),
	}
}

// Close releases every value and returns the release failures together.
func (c *calculationScope) Close() error {
	var errs []error
	for name, t := range c.values {
		if err := t.Free(); err != nil {
			errs = append(errs, fmt.Errorf("releasing %q: %w", name, err))
		}
		delete(c.values, name)
	}
	return errors.Join(errs...)
}

func (c *calculationScope) Evaluate(ctx context.Context) error {
	for _, name := range c.graph.evaluationOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, ok := c.graph.def.Node(name)
		if !ok {
			return fmt.Errorf("node %q not found", name)
		}
		if err := c.evaluateNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (c *calculationScope) evaluateNode(n NodeDef) error {
	if _, done := c.values[n.Name]; done {
		return nil
	}

	switch n.Op {
	case OpInput:
		return fmt.Errorf("input %q was not bound", n.Name)

	case OpConst:
		constant, found := c.graph.constants[n.Name]
		if !found {
			return fmt.Errorf("constant %q not found", n.Name)
		}
		c.values[n.Name] = constant.ShallowCopy()
		return nil

	default:
		op, ok := ops.Lookup(n.Op)
		if !ok {
			return fmt.Errorf("unsupported operation: %v", n.Op)
		}
		args, err := c.getSourceTensors(n.Inputs...)
		if err != nil {
			return err
		}
		result, err := op.Call(args, n.Attrs)
		if err != nil {
			return fmt.Errorf("evaluating node %q: %w", n.Name, err)
		}
		c.values[n.Name] = result
		return nil
	}
}

func (c *calculationScope) getSourceTensors(dependencies ...string) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(dependencies))
	for i, dependency := range dependencies {
		t, found := c.values[dependency]
		if !found {
			return nil, fmt.Errorf("source tensor %q not found", dependency)
		}
		out[i] = t
	}
	return out, nil
}
