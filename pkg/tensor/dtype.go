package tensor

import (
	"fmt"
	"strings"
)

// DType is the element type of a tensor buffer.
type DType int

const (
	Float32 DType = iota
	Float16
	Float64
	Int32
	Int64
	Uint8
)

// Size returns the byte size of one element.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType is the inverse of DType.String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "float64", "f64", "double":
		return Float64, nil
	case "int32", "i32":
		return Int32, nil
	case "int64", "i64":
		return Int64, nil
	case "uint8", "u8":
		return Uint8, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Device is the compute target a tensor or model is bound to.
type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// ParseDevice accepts "cpu" or "gpu" in any case.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu", "":
		return CPU, nil
	case "gpu", "cuda":
		return GPU, nil
	default:
		return 0, fmt.Errorf("unknown device %q (expected cpu or gpu)", s)
	}
}
