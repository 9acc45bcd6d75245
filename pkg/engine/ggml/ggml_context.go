//go:build ggml

package ggml

// #cgo CFLAGS: -O3 -DNDEBUG -I llama.cpp/ggml/include
// #cgo LDFLAGS: -L llama.cpp/build/ggml/src -l ggml -l ggml-base -l ggml-cpu -l m -l stdc++
// #cgo darwin LDFLAGS: -framework Accelerate
// #include <stdlib.h>
// #include "ggml.h"
// #include "ggml-cpu.h"
import "C"

import (
	"errors"
)

func NewGgmlInitParams(memorySize int) C.struct_ggml_init_params {
	return C.struct_ggml_init_params{
		mem_size:   C.size_t(memorySize),
		mem_buffer: nil,
		no_alloc:   false,
	}
}

// GgmlContext owns the memory for every tensor and graph created from it.
type GgmlContext struct {
	p *C.struct_ggml_context
}

func NewGgmlContext(params C.struct_ggml_init_params) (*GgmlContext, error) {
	p := C.ggml_init(params)
	if p == nil {
		return nil, errors.New("failed to initialize GGML context")
	}
	return &GgmlContext{p: p}, nil
}

// GgmlRMSNorm computes the RMS norm of a tensor
func (ctx *GgmlContext) GgmlRMSNorm(t *GgmlTensor, eps float32) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_rms_norm(ctx.p, t.p, C.float(eps))}
}

// GgmlMul computes the element-wise product of two tensors
func (ctx *GgmlContext) GgmlMul(t1 *GgmlTensor, t2 *GgmlTensor) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_mul(ctx.p, t1.p, t2.p)}
}

// GgmlAdd computes the element-wise sum of two tensors
func (ctx *GgmlContext) GgmlAdd(t1 *GgmlTensor, t2 *GgmlTensor) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_add(ctx.p, t1.p, t2.p)}
}

func (ctx *GgmlContext) GgmlSub(t1 *GgmlTensor, t2 *GgmlTensor) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_sub(ctx.p, t1.p, t2.p)}
}

func (ctx *GgmlContext) GgmlScale(t *GgmlTensor, s float32) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_scale(ctx.p, t.p, C.float(s))}
}

func (ctx *GgmlContext) GgmlRelu(t *GgmlTensor) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_relu(ctx.p, t.p)}
}

// GgmlDup copies a tensor into a new graph node
func (ctx *GgmlContext) GgmlDup(t *GgmlTensor) *GgmlTensor {
	return &GgmlTensor{p: C.ggml_dup(ctx.p, t.p)}
}

// Free frees the GGML context
func (ctx *GgmlContext) Free() {
	if ctx.p == nil {
		return
	}
	C.ggml_free(ctx.p)
	ctx.p = nil
}
