// Package tensor is the backend-agnostic tensor handle exchanged between callers and
// engine adapters. A Tensor describes its buffer the way a DLPack descriptor does:
// data, shape, strides, element type and device.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrReleased is returned when a tensor is used or freed after its last reference was released.
var ErrReleased = errors.New("tensor already released")

// Tensor is a reference-counted n-dimensional buffer.
// ShallowCopy and Free are safe for concurrent use; the data itself is shared-read.
type Tensor struct {
	data    []byte
	shape   []int64
	strides []int64
	dtype   DType
	device  Device

	refs atomic.Int32
}

// New wraps data (little-endian, row-major) as a tensor with one reference.
func New(dtype DType, device Device, shape []int64, data []byte) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if want := n * int64(dtype.Size()); int64(len(data)) != want {
		return nil, fmt.Errorf("shape %v of %v needs %d bytes, got %d", shape, dtype, want, len(data))
	}
	t := &Tensor{
		data:    data,
		shape:   slices.Clone(shape),
		strides: rowMajorStrides(shape),
		dtype:   dtype,
		device:  device,
	}
	t.refs.Store(1)
	return t, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(dtype DType, shape []int64) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	return New(dtype, CPU, shape, make([]byte, n*int64(dtype.Size())))
}

// FromFloat32 builds a float32 CPU tensor.
func FromFloat32(shape []int64, values []float32) (*Tensor, error) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return New(Float32, CPU, shape, buf)
}

// FromFloat16 builds a float16 CPU tensor, rounding each value to half precision.
func FromFloat16(shape []int64, values []float32) (*Tensor, error) {
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
	}
	return New(Float16, CPU, shape, buf)
}

// MaxElements bounds the element count of a tensor, and the product of its non-zero
// dimensions, so sizes and strides never overflow.
const MaxElements = math.MaxInt32

// NumElements returns the product of the dimensions; an empty shape is a scalar.
func NumElements(shape []int64) (int64, error) {
	n, span := int64(1), int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("dimension %d is negative (%d)", i, d)
		}
		if d > 0 {
			if span > MaxElements/d {
				return 0, fmt.Errorf("shape %v exceeds %d elements", shape, MaxElements)
			}
			span *= d
		}
		n *= d
	}
	return n, nil
}

func rowMajorStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (t *Tensor) Shape() []int64   { return slices.Clone(t.shape) }
func (t *Tensor) Strides() []int64 { return slices.Clone(t.strides) }
func (t *Tensor) DType() DType     { return t.dtype }
func (t *Tensor) Device() Device   { return t.device }

// Data returns the underlying buffer. Callers must not modify it while the tensor is shared.
func (t *Tensor) Data() []byte { return t.data }

func (t *Tensor) NumElements() int64 {
	n, _ := NumElements(t.shape)
	return n
}

// Refs reports the current reference count.
func (t *Tensor) Refs() int32 { return t.refs.Load() }

// Retain takes a new shared reference. A released tensor stays released.
func (t *Tensor) Retain() error {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return ErrReleased
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// ShallowCopy takes a new shared reference and returns the same tensor.
// Copying a released tensor logs the fault and takes no reference.
func (t *Tensor) ShallowCopy() *Tensor {
	if err := t.Retain(); err != nil {
		klog.Background().Error(err, "shallow copy of released tensor", "shape", t.shape)
	}
	return t
}

// Free releases one reference. The buffer is dropped with the last one.
func (t *Tensor) Free() error {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return ErrReleased
		}
		if t.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				t.data = nil
			}
			return nil
		}
	}
}

// Float32s decodes the elements to float32, converting from the stored dtype.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.refs.Load() <= 0 {
		return nil, ErrReleased
	}
	n := int(t.NumElements())
	out := make([]float32, n)
	b := t.data
	switch t.dtype {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])))
		}
	case Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case Int64:
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(b[8*i:])))
		}
	case Uint8:
		for i := range out {
			out[i] = float32(b[i])
		}
	default:
		return nil, fmt.Errorf("cannot convert %v to float32", t.dtype)
	}
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v %v %v)", t.dtype, t.shape, t.device)
}
