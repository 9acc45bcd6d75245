package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromFloat32(t *testing.T) {
	x, err := FromFloat32([]int64{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("creating tensor: %v", err)
	}
	if diff := cmp.Diff([]int64{2, 3}, x.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{3, 1}, x.Strides()); diff != "" {
		t.Errorf("strides mismatch (-want +got):\n%s", diff)
	}
	values, err := x.Float32s()
	if err != nil {
		t.Fatalf("reading values: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFloat32ShapeMismatch(t *testing.T) {
	if _, err := FromFloat32([]int64{4}, []float32{1, 2, 3}); err == nil {
		t.Fatalf("expected error for mismatched shape")
	}
	if _, err := FromFloat32([]int64{-1}, nil); err == nil {
		t.Fatalf("expected error for negative dimension")
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	x, err := FromFloat16([]int64{3}, []float32{0.5, -2, 3})
	if err != nil {
		t.Fatalf("creating tensor: %v", err)
	}
	if x.DType() != Float16 {
		t.Fatalf("expected float16, got %v", x.DType())
	}
	if got := len(x.Data()); got != 6 {
		t.Fatalf("expected 6 bytes, got %d", got)
	}
	values, err := x.Float32s()
	if err != nil {
		t.Fatalf("reading values: %v", err)
	}
	if diff := cmp.Diff([]float32{0.5, -2, 3}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestRefCounting(t *testing.T) {
	x, err := FromFloat32([]int64{1}, []float32{3})
	if err != nil {
		t.Fatalf("creating tensor: %v", err)
	}
	y := x.ShallowCopy()
	if y != x {
		t.Fatalf("shallow copy must return the same tensor")
	}
	if got := x.Refs(); got != 2 {
		t.Fatalf("expected 2 refs, got %d", got)
	}
	if err := x.Free(); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if _, err := x.Float32s(); err != nil {
		t.Fatalf("tensor should still be readable: %v", err)
	}
	if err := x.Free(); err != nil {
		t.Fatalf("second free: %v", err)
	}
	if err := x.Free(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if got := x.Refs(); got != 0 {
		t.Fatalf("refcount went negative: %d", got)
	}

	if err := x.Retain(); !errors.Is(err, ErrReleased) {
		t.Fatalf("retaining a released tensor: expected ErrReleased, got %v", err)
	}
	x.ShallowCopy()
	if got := x.Refs(); got != 0 {
		t.Fatalf("shallow copy resurrected a released tensor, refs=%d", got)
	}
}

func TestShapeOverflow(t *testing.T) {
	huge := int64(1) << 32
	for _, shape := range [][]int64{
		{huge, huge},
		{huge},
		{MaxElements, 2},
		{0, huge, huge},
		{1 << 62, 1 << 62, 1 << 62},
	} {
		if n, err := NumElements(shape); err == nil {
			t.Errorf("NumElements(%v) = %d, expected overflow error", shape, n)
		}
		if _, err := New(Float32, CPU, shape, nil); err == nil {
			t.Errorf("New accepted shape %v", shape)
		}
		if _, err := Zeros(Float32, shape); err == nil {
			t.Errorf("Zeros accepted shape %v", shape)
		}
	}

	for shape, want := range map[[2]int64]int64{
		{MaxElements, 1}:   MaxElements,
		{1 << 20, 0}:       0,
		{1 << 15, 1 << 15}: 1 << 30,
	} {
		got, err := NumElements(shape[:])
		if err != nil {
			t.Errorf("NumElements(%v): %v", shape, err)
			continue
		}
		if got != want {
			t.Errorf("NumElements(%v) = %d, want %d", shape, got, want)
		}
	}
}

func TestParseDevice(t *testing.T) {
	grid := map[string]Device{"cpu": CPU, "CPU": CPU, "gpu": GPU, "cuda": GPU}
	for in, want := range grid {
		got, err := ParseDevice(in)
		if err != nil {
			t.Fatalf("ParseDevice(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseDevice(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseDevice("tpu"); err == nil {
		t.Errorf("expected error for unknown device")
	}
}
