//go:build ggml

package ggml

// #include <stdlib.h>
// #include "ggml.h"
// #include "ggml-cpu.h"
import "C"
import (
	"errors"
	"fmt"
)

// Graph is a ggml compute graph. Its memory belongs to the context that created it.
type Graph struct {
	p *C.struct_ggml_cgraph
}

func (ctx *GgmlContext) NewGgmlCGraph() (*Graph, error) {
	p := C.ggml_new_graph(ctx.p)
	if p == nil {
		return nil, errors.New("failed to create GGML graph")
	}
	return &Graph{p: p}, nil
}

// BuildForwardExpand adds f and everything it depends on to the graph.
func (g *Graph) BuildForwardExpand(f *GgmlTensor) {
	C.ggml_build_forward_expand(g.p, f.p)
}

func (g *Graph) ComputeWithCtx(ctx *GgmlContext, nThreads int) error {
	status := C.ggml_graph_compute_with_ctx(ctx.p, g.p, C.int(nThreads))
	if status != 0 {
		return fmt.Errorf("failed to compute graph (status %d)", status)
	}
	return nil
}
