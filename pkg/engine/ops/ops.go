// Package ops holds the float32 kernels shared by the pure-Go engines.
package ops

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/justinsb/kllama/pkg/tensor"
)

// Attrs are the named scalar parameters of an operation, e.g. scale's "factor".
type Attrs map[string]float64

func (a Attrs) get(key string, defaultValue float64) float64 {
	if v, ok := a[key]; ok {
		return v
	}
	return defaultValue
}

// Kernel computes a new tensor from its arguments. The result carries one reference
// owned by the caller; arguments are not consumed.
type Kernel func(args []*tensor.Tensor, attrs Attrs) (*tensor.Tensor, error)

// Op describes a kernel. Arity is the exact argument count, or -1 for one or more.
type Op struct {
	Name  string
	Arity int
	Apply Kernel
}

var registry = map[string]Op{
	"identity": {Name: "identity", Arity: 1, Apply: identity},
	"add":      {Name: "add", Arity: 2, Apply: elementwise(func(a, b float32) float32 { return a + b })},
	"sub":      {Name: "sub", Arity: 2, Apply: elementwise(func(a, b float32) float32 { return a - b })},
	"mul":      {Name: "mul", Arity: 2, Apply: elementwise(func(a, b float32) float32 { return a * b })},
	"scale":    {Name: "scale", Arity: 1, Apply: linearScale},
	"rmsnorm":  {Name: "rmsnorm", Arity: 1, Apply: rmsNorm},
	"relu":     {Name: "relu", Arity: 1, Apply: relu},
	"matmul":   {Name: "matmul", Arity: 2, Apply: matMul},
	"sum":      {Name: "sum", Arity: 1, Apply: sum},
}

// Lookup finds an op by name.
func Lookup(name string) (Op, bool) {
	op, ok := registry[name]
	return op, ok
}

// Names lists the known ops.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call checks arity and applies op.
func (op Op) Call(args []*tensor.Tensor, attrs Attrs) (*tensor.Tensor, error) {
	if op.Arity >= 0 && len(args) != op.Arity {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", op.Name, op.Arity, len(args))
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s expects at least one argument", op.Name)
	}
	out, err := op.Apply(args, attrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op.Name, err)
	}
	return out, nil
}

// identity aliases its argument rather than copying it.
func identity(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
	return args[0].ShallowCopy(), nil
}

func elementwise(f func(a, b float32) float32) Kernel {
	return func(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
		a, err := args[0].Float32s()
		if err != nil {
			return nil, err
		}
		b, err := args[1].Float32s()
		if err != nil {
			return nil, err
		}

		switch {
		case slices.Equal(args[0].Shape(), args[1].Shape()):
			out := make([]float32, len(a))
			for i := range a {
				out[i] = f(a[i], b[i])
			}
			return tensor.FromFloat32(args[0].Shape(), out)
		case len(b) == 1:
			out := make([]float32, len(a))
			for i := range a {
				out[i] = f(a[i], b[0])
			}
			return tensor.FromFloat32(args[0].Shape(), out)
		case len(a) == 1:
			out := make([]float32, len(b))
			for i := range b {
				out[i] = f(a[0], b[i])
			}
			return tensor.FromFloat32(args[1].Shape(), out)
		default:
			return nil, fmt.Errorf("shapes %v and %v are not compatible", args[0].Shape(), args[1].Shape())
		}
	}
}

func linearScale(args []*tensor.Tensor, attrs Attrs) (*tensor.Tensor, error) {
	values, err := args[0].Float32s()
	if err != nil {
		return nil, err
	}
	scale := float32(attrs.get("factor", 1))
	for i := range values {
		values[i] *= scale
	}
	return tensor.FromFloat32(args[0].Shape(), values)
}

// rmsNorm normalizes each row along the last dimension.
func rmsNorm(args []*tensor.Tensor, attrs Attrs) (*tensor.Tensor, error) {
	values, err := args[0].Float32s()
	if err != nil {
		return nil, err
	}
	shape := args[0].Shape()
	if len(shape) == 0 || len(values) == 0 {
		return tensor.FromFloat32(shape, values)
	}

	epsilon := attrs.get("epsilon", 1e-5)
	if epsilon == 0 {
		epsilon = 1e-5
	}

	rowLen := int(shape[len(shape)-1])
	for start := 0; start+rowLen <= len(values); start += rowLen {
		row := values[start : start+rowLen]
		sum_x2 := float32(0)
		for _, v := range row {
			sum_x2 += v * v
		}
		mean := sum_x2 / float32(len(row))
		rms := float32(1.0 / math.Sqrt(float64(mean)+epsilon))
		for i := range row {
			row[i] *= rms
		}
	}
	return tensor.FromFloat32(shape, values)
}

func relu(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
	values, err := args[0].Float32s()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if v < 0 {
			values[i] = 0
		}
	}
	return tensor.FromFloat32(args[0].Shape(), values)
}

func matMul(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
	as, bs := args[0].Shape(), args[1].Shape()
	if len(as) != 2 || len(bs) != 2 {
		return nil, fmt.Errorf("expected 2-D operands, got %v and %v", as, bs)
	}
	if as[1] != bs[0] {
		return nil, fmt.Errorf("inner dimensions differ: %v x %v", as, bs)
	}
	if _, err := tensor.NumElements([]int64{as[0], bs[1]}); err != nil {
		return nil, fmt.Errorf("result of %v x %v: %w", as, bs, err)
	}
	a, err := args[0].Float32s()
	if err != nil {
		return nil, err
	}
	b, err := args[1].Float32s()
	if err != nil {
		return nil, err
	}

	m, k, n := int(as[0]), int(as[1]), int(bs[1])
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			aip := a[i*k+p]
			for j := 0; j < n; j++ {
				out[i*n+j] += aip * b[p*n+j]
			}
		}
	}
	return tensor.FromFloat32([]int64{int64(m), int64(n)}, out)
}

func sum(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
	values, err := args[0].Float32s()
	if err != nil {
		return nil, err
	}
	total := float32(0)
	for _, v := range values {
		total += v
	}
	return tensor.FromFloat32([]int64{1}, []float32{total})
}
