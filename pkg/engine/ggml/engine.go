//go:build ggml

// Package ggml runs graph definitions on the native ggml compute graph.
// Only one-dimensional float32 tensors are supported.
package ggml

import (
	"context"
	"fmt"
	"slices"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/graph"
	"github.com/justinsb/kllama/pkg/tensor"
	"k8s.io/klog/v2"
)

var supportedOps = map[string]bool{
	graph.OpInput: true,
	graph.OpConst: true,
	"identity":    true,
	"add":         true,
	"sub":         true,
	"mul":         true,
	"scale":       true,
	"relu":        true,
	"rmsnorm":     true,
}

type Adapter struct {
	// Threads is the number of threads ggml computes with.
	Threads int
	// MemorySize is the size of the per-run ggml arena in bytes.
	MemorySize int
}

var _ engine.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{
		Threads:    16,
		MemorySize: 64 * 1024 * 1024,
	}
}

func (a *Adapter) Backend() engine.Backend { return engine.BackendGGML }

type compiledGraph struct {
	def             *graph.Definition
	inputNames      []string
	outputNames     []string
	evaluationOrder []string
}

func (a *Adapter) Create(ctx context.Context, device tensor.Device, inputNames, outputNames []string, definition []byte) (any, error) {
	if device != tensor.CPU {
		return nil, fmt.Errorf("ggml backend is built for CPU only, not %v", device)
	}
	if len(outputNames) == 0 {
		return nil, engine.Errorf(engine.InvalidArgument, "ggml backend requires at least one output name")
	}

	def, err := graph.ParseDefinition(definition)
	if err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "invalid graph")
	}
	for _, n := range def.Nodes {
		if !supportedOps[n.Op] {
			return nil, engine.Errorf(engine.InvalidArgument, "op %q (node %q) is not supported by the ggml backend", n.Op, n.Name)
		}
		if n.Op == graph.OpConst && len(n.ConstShape()) != 1 {
			return nil, engine.Errorf(engine.InvalidArgument, "const %q must be one-dimensional", n.Name)
		}
	}
	for _, name := range inputNames {
		n, found := def.Node(name)
		if !found || n.Op != graph.OpInput {
			return nil, engine.Errorf(engine.InvalidArgument, "input %q is not a placeholder in the graph", name)
		}
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
	for _, name := range evaluationOrder {
		if n, _ := def.Node(name); n.Op == graph.OpInput && !slices.Contains(inputNames, name) {
			return nil, engine.Errorf(engine.InvalidArgument, "placeholder %q is needed but not declared as an input", name)
		}
	}

	return &compiledGraph{
		def:             def,
		inputNames:      slices.Clone(inputNames),
		outputNames:     slices.Clone(outputNames),
		evaluationOrder: evaluationOrder,
	}, nil
}

// Free has nothing native to release: ggml memory lives only for the duration of a run.
func (a *Adapter) Free(payload any) error {
	if _, ok := payload.(*compiledGraph); !ok {
		return fmt.Errorf("ggml backend cannot free payload of type %T", payload)
	}
	return nil
}

func (a *Adapter) Run(ctx context.Context, payload any, inputs, outputs []*engine.Param) error {
	log := klog.FromContext(ctx)

	g, ok := payload.(*compiledGraph)
	if !ok {
		return fmt.Errorf("ggml backend cannot run payload of type %T", payload)
	}
	if len(inputs) != len(g.inputNames) {
		return engine.Errorf(engine.InvalidArgument, "graph expects %d inputs, got %d", len(g.inputNames), len(inputs))
	}
	if len(outputs) != len(g.outputNames) {
		return engine.Errorf(engine.InvalidArgument, "graph expects %d outputs, got %d", len(g.outputNames), len(outputs))
	}

	scope, err := newCalculationScope(a.MemorySize)
	if err != nil {
		return err
	}
	defer scope.Close()

	for i, input := range inputs {
		name := g.inputNames[i]
		shape := input.Tensor.Shape()
		if len(shape) != 1 {
			return engine.Errorf(engine.InvalidArgument, "input %q has %d dimensions, expected 1", name, len(shape))
		}
		if n, _ := g.def.Node(name); !graph.ShapeMatches(n.Shape, shape) {
			return engine.Errorf(engine.InvalidArgument, "input %q has shape %v, graph expects %v", name, shape, n.Shape)
		}
		values, err := input.Tensor.Float32s()
		if err != nil {
			return fmt.Errorf("reading input %q: %w", name, err)
		}
		if err := scope.setValues(name, values); err != nil {
			return err
		}
	}

	if err := scope.Evaluate(g, a.Threads); err != nil {
		return err
	}

	for i, name := range g.outputNames {
		values, err := scope.getValues(name)
		if err != nil {
			return err
		}
		t, err := tensor.FromFloat32([]int64{int64(len(values))}, values)
		if err != nil {
			return err
		}
		outputs[i].Tensor = t
	}

	log.V(4).Info("ran ggml graph", "nodes", len(g.evaluationOrder))
	return nil
}
