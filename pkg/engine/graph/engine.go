// Package graph is a dataflow-graph engine: the model is a graph of named nodes whose
// placeholders are bound to the declared input names and whose requested nodes are the outputs.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/tensor"
	"k8s.io/klog/v2"
)

type Adapter struct{}

var _ engine.Adapter = (*Adapter)(nil)
var _ engine.ConcurrentRunner = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Backend() engine.Backend { return engine.BackendGraph }

// ConcurrentRuns is true: a compiled graph is read-only and each run evaluates in its own scope.
func (a *Adapter) ConcurrentRuns() bool { return true }

// compiledGraph is the payload held by the model.
type compiledGraph struct {
	def         *Definition
	inputNames  []string
	outputNames []string

	evaluationOrder []string
	constants       map[string]*tensor.Tensor
}

func (a *Adapter) Create(ctx context.Context, device tensor.Device, inputNames, outputNames []string, definition []byte) (any, error) {
	log := klog.FromContext(ctx)

	if device != tensor.CPU {
		return nil, fmt.Errorf("graph backend does not support device %v", device)
	}
	if len(outputNames) == 0 {
		return nil, engine.Errorf(engine.InvalidArgument, "graph backend requires at least one output name")
	}

	def, err := ParseDefinition(definition)
	if err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "invalid graph")
	}

	for _, name := range inputNames {
		n, found := def.Node(name)
		if !found {
			return nil, engine.Errorf(engine.InvalidArgument, "input %q not found in graph", name)
		}
		if n.Op != OpInput {
			return nil, engine.Errorf(engine.InvalidArgument, "input %q is a %s node, not an input", name, n.Op)
		}
	}
	if dup := firstDuplicate(inputNames); dup != "" {
		return nil, engine.Errorf(engine.InvalidArgument, "input %q declared more than once", dup)
	}
	for _, name := range outputNames {
		if _, found := def.Node(name); !found {
			return nil, engine.Errorf(engine.InvalidArgument, "output %q not found in graph", name)
		}
	}

	evaluationOrder, err := engine.BuildDAG(def.Nodes, outputNames)
	if err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "ordering graph")
	}
	evaluationOrder = engine.Prune(def.Nodes, evaluationOrder, outputNames)

	g := &compiledGraph{
		def:             def,
		inputNames:      slices.Clone(inputNames),
		outputNames:     slices.Clone(outputNames),
		evaluationOrder: evaluationOrder,
		constants:       make(map[string]*tensor.Tensor),
	}

	for _, name := range evaluationOrder {
		n, _ := def.Node(name)
		switch n.Op {
		case OpInput:
			if !slices.Contains(inputNames, name) {
				_ = g.free()
				return nil, engine.Errorf(engine.InvalidArgument, "placeholder %q is needed but not declared as an input", name)
			}
		case OpConst:
			t, err := tensor.FromFloat32(n.ConstShape(), n.Values)
			if err != nil {
				_ = g.free()
				return nil, fmt.Errorf("building constant %q: %w", name, err)
			}
			g.constants[name] = t
		}
	}

	log.V(4).Info("compiled graph", "nodes", len(def.Nodes), "evaluated", len(evaluationOrder))
	return g, nil
}

func (a *Adapter) Free(payload any) error {
	g, ok := payload.(*compiledGraph)
	if !ok {
		return fmt.Errorf("graph backend cannot free payload of type %T", payload)
	}
	return g.free()
}

func (g *compiledGraph) free() error {
	var errs []error
	for name, t := range g.constants {
		if err := t.Free(); err != nil {
			errs = append(errs, fmt.Errorf("freeing constant %q: %w", name, err))
		}
	}
	g.constants = nil
	return errors.Join(errs...)
}

func (a *Adapter) Run(ctx context.Context, payload any, inputs, outputs []*engine.Param) error {
	g, ok := payload.(*compiledGraph)
	if !ok {
		return fmt.Errorf("graph backend cannot run payload of type %T", payload)
	}

	if len(inputs) != len(g.inputNames) {
		return engine.Errorf(engine.InvalidArgument, "graph expects %d inputs, got %d", len(g.inputNames), len(inputs))
	}
	if len(outputs) != len(g.outputNames) {
		return engine.Errorf(engine.InvalidArgument, "graph expects %d outputs, got %d", len(g.outputNames), len(outputs))
	}

	scope := newScope(g)
	defer func() {
		if err := scope.Close(); err != nil {
			klog.FromContext(ctx).Error(err, "releasing graph scope")
		}
	}()

	for i, input := range inputs {
		name := g.inputNames[i]
		n, _ := g.def.Node(name)
		if !ShapeMatches(n.Shape, input.Tensor.Shape()) {
			return engine.Errorf(engine.InvalidArgument, "input %d (%q) has shape %v, graph expects %v", i, name, input.Tensor.Shape(), n.Shape)
		}
		scope.values[name] = input.Tensor.ShallowCopy()
	}

	if err := scope.Evaluate(ctx); err != nil {
		return err
	}

	for i, name := range g.outputNames {
		t, found := scope.values[name]
		if !found {
			return fmt.Errorf("output %q was not computed", name)
		}
		outputs[i].Tensor = t.ShallowCopy()
	}
	return nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return name
		}
		seen[name] = true
	}
	return ""
}
