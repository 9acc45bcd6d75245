package graph

import (
	"fmt"

	"github.com/justinsb/kllama/pkg/engine/ops"
	"github.com/justinsb/kllama/pkg/tensor"
	"gopkg.in/yaml.v3"
)

const (
	OpInput = "input"
	OpConst = "const"
)

// Definition is the serialized form of a dataflow graph. JSON is accepted as well as YAML.
//
//	nodes:
//	  - {name: x, op: input, shape: [1]}
//	  - {name: two, op: const, values: [2]}
//	  - {name: y, op: mul, inputs: [x, two]}
type Definition struct {
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`
}

type NodeDef struct {
	Name   string    `yaml:"name" json:"name"`
	Op     string    `yaml:"op" json:"op"`
	Inputs []string  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Shape  []int64   `yaml:"shape,omitempty" json:"shape,omitempty"`
	Values []float32 `yaml:"values,omitempty" json:"values,omitempty"`
	Attrs  ops.Attrs `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

func (n NodeDef) NodeName() string       { return n.Name }
func (n NodeDef) Dependencies() []string { return n.Inputs }

// ParseDefinition decodes and validates a graph definition.
func ParseDefinition(data []byte) (*Definition, error) {
	def := &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parsing graph definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks names, ops, references and constant sizes.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d has no name", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("node %q defined more than once", n.Name)
		}
		seen[n.Name] = true
	}

	for _, n := range d.Nodes {
		switch n.Op {
		case OpInput:
			if len(n.Inputs) != 0 {
				return fmt.Errorf("input node %q must not have inputs", n.Name)
			}
		case OpConst:
			if len(n.Inputs) != 0 {
				return fmt.Errorf("const node %q must not have inputs", n.Name)
			}
			shape := n.ConstShape()
			count, err := tensor.NumElements(shape)
			if err != nil {
				return fmt.Errorf("const node %q: %w", n.Name, err)
			}
			if count != int64(len(n.Values)) {
				return fmt.Errorf("const node %q has shape %v but %d values", n.Name, shape, len(n.Values))
			}
		default:
			op, ok := ops.Lookup(n.Op)
			if !ok {
				return fmt.Errorf("node %q uses unknown op %q", n.Name, n.Op)
			}
			if op.Arity >= 0 && len(n.Inputs) != op.Arity {
				return fmt.Errorf("node %q: %s expects %d inputs, got %d", n.Name, n.Op, op.Arity, len(n.Inputs))
			}
			for _, in := range n.Inputs {
				if !seen[in] {
					return fmt.Errorf("node %q references unknown node %q", n.Name, in)
				}
			}
		}
	}
	return nil
}

// ConstShape is the declared shape of a const node, defaulting to a vector of its values.
func (n NodeDef) ConstShape() []int64 {
	if n.Shape != nil {
		return n.Shape
	}
	return []int64{int64(len(n.Values))}
}

// Node returns the node called name.
func (d *Definition) Node(name string) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeDef{}, false
}

// ShapeMatches reports whether shape satisfies a declared shape, where -1 matches any size.
// A nil declared shape matches everything.
func ShapeMatches(declared, shape []int64) bool {
	if declared == nil {
		return true
	}
	if len(declared) != len(shape) {
		return false
	}
	for i, d := range declared {
		if d != -1 && d != shape[i] {
			return false
		}
	}
	return true
}
