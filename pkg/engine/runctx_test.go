package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/justinsb/kllama/pkg/tensor"
)

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", what)
		}
	}()
	f()
}

func newTestRunCtx(t *testing.T, m *Model) *RunCtx {
	t.Helper()
	runCtx, err := NewRunCtx(m)
	if err != nil {
		t.Fatalf("creating run context: %v", err)
	}
	return runCtx
}

func TestRunCtxLifecycle(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	m := newTestModel(t, adapter)

	x, _ := tensor.FromFloat32([]int64{1}, []float32{3})

	runCtx := newTestRunCtx(t, m)
	if got := m.Refs(); got != 2 {
		t.Fatalf("run context should hold a model reference, refs=%d", got)
	}
	if err := runCtx.AddInput("x", x); err != nil {
		t.Fatalf("adding input: %v", err)
	}
	if got := x.Refs(); got != 2 {
		t.Fatalf("input binding should hold its own reference, refs=%d", got)
	}
	if err := runCtx.AddOutput("y"); err != nil {
		t.Fatalf("adding output: %v", err)
	}
	if got := runCtx.NumOutputs(); got != 1 {
		t.Fatalf("expected 1 output, got %d", got)
	}
	if runCtx.OutputTensor(0) != nil {
		t.Fatalf("output should be nil before run")
	}

	if err := runCtx.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if runCtx.State() != RanSuccess {
		t.Fatalf("unexpected state %v", runCtx.State())
	}
	if runCtx.OutputTensor(0) == nil {
		t.Fatalf("output should be populated after run")
	}

	if err := runCtx.Run(ctx); CodeOf(err) != AlreadyRan {
		t.Fatalf("second run should fail with AlreadyRan, got %v", err)
	}
	if err := runCtx.AddInput("z", x); CodeOf(err) != AlreadyRan {
		t.Fatalf("adding input after run should fail, got %v", err)
	}

	if err := runCtx.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := x.Refs(); got != 1 {
		t.Fatalf("caller reference should survive run context teardown, refs=%d", got)
	}
	if got := m.Refs(); got != 1 {
		t.Fatalf("model reference not released, refs=%d", got)
	}

	if err := runCtx.Free(); CodeOf(err) != AlreadyFreed {
		t.Fatalf("double free should report AlreadyFreed, got %v", err)
	}
	if got := m.Refs(); got != 1 {
		t.Fatalf("double free released the model again, refs=%d", got)
	}

	if err := m.Free(); err != nil {
		t.Fatalf("freeing model: %v", err)
	}
	if got := adapter.frees.Load(); got != 1 {
		t.Fatalf("expected payload destroyed once, got %d", got)
	}
}

func TestRunCtxIsolation(t *testing.T) {
	m := newTestModel(t, newFakeAdapter())
	defer m.Free()

	a := newTestRunCtx(t, m)
	b := newTestRunCtx(t, m)

	x, _ := tensor.FromFloat32([]int64{1}, []float32{1})
	if err := a.AddInput("x", x); err != nil {
		t.Fatalf("adding input: %v", err)
	}
	if err := a.AddOutput("y"); err != nil {
		t.Fatalf("adding output: %v", err)
	}
	if err := a.AddOutput("z"); err != nil {
		t.Fatalf("adding output: %v", err)
	}

	if got := len(b.Inputs()); got != 0 {
		t.Fatalf("inputs leaked between contexts: %d", got)
	}
	if got := b.NumOutputs(); got != 0 {
		t.Fatalf("outputs leaked between contexts: %d", got)
	}
	if a.Model() != b.Model() {
		t.Fatalf("both contexts should reference the same model")
	}

	if err := a.Free(); err != nil {
		t.Fatalf("freeing a: %v", err)
	}
	if err := b.Free(); err != nil {
		t.Fatalf("freeing b: %v", err)
	}
}

func TestAddInputValidation(t *testing.T) {
	m := newTestModel(t, newFakeAdapter())
	defer m.Free()
	runCtx := newTestRunCtx(t, m)
	defer runCtx.Free()

	x, _ := tensor.FromFloat32([]int64{1}, []float32{1})
	if err := runCtx.AddInput("", x); CodeOf(err) != InvalidArgument {
		t.Errorf("empty name: got %v", err)
	}
	if err := runCtx.AddInput("x", nil); CodeOf(err) != InvalidArgument {
		t.Errorf("nil tensor: got %v", err)
	}
	if err := runCtx.AddInput("x", x); err != nil {
		t.Fatalf("adding input: %v", err)
	}
	if err := runCtx.AddInput("x", x); CodeOf(err) != InvalidArgument {
		t.Errorf("duplicate name: got %v", err)
	}
	if err := runCtx.AddOutput(""); CodeOf(err) != InvalidArgument {
		t.Errorf("empty output name: got %v", err)
	}
}

func TestOutputBounds(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.runErr = errors.New("kernel failed")
	m := newTestModel(t, adapter)
	defer m.Free()

	runCtx := newTestRunCtx(t, m)
	defer runCtx.Free()
	_ = runCtx.AddOutput("y")

	expectPanic(t, "before run", func() { runCtx.OutputTensor(1) })
	expectPanic(t, "negative", func() { runCtx.OutputTensor(-1) })

	err := runCtx.Run(context.Background())
	if CodeOf(err) == OK {
		t.Fatalf("expected failure")
	}
	if !errors.Is(err, adapter.runErr) {
		t.Fatalf("adapter diagnostic lost: %v", err)
	}
	if runCtx.State() != RanFailure {
		t.Fatalf("unexpected state %v", runCtx.State())
	}
	expectPanic(t, "after failed run", func() { runCtx.OutputTensor(1) })
	if runCtx.OutputTensor(0) != nil {
		t.Fatalf("outputs of a failed run should be released")
	}
}

func TestRunWithUnfilledOutput(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fillOutputs = 1
	m := newTestModel(t, adapter)
	defer m.Free()

	x, _ := tensor.FromFloat32([]int64{1}, []float32{1})
	runCtx := newTestRunCtx(t, m)
	_ = runCtx.AddInput("x", x)
	_ = runCtx.AddOutput("y")
	_ = runCtx.AddOutput("z")

	if err := runCtx.Run(context.Background()); CodeOf(err) != Internal {
		t.Fatalf("expected Internal for an empty output slot, got %v", err)
	}
	if err := runCtx.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := x.Refs(); got != 1 {
		t.Fatalf("partially filled output leaked a reference, refs=%d", got)
	}
}

func TestPostRunPopulation(t *testing.T) {
	m := newTestModel(t, newFakeAdapter())
	defer m.Free()

	runCtx := newTestRunCtx(t, m)
	defer runCtx.Free()
	for _, name := range []string{"a", "b", "c"} {
		x, _ := tensor.FromFloat32([]int64{1}, []float32{1})
		_ = runCtx.AddInput(name, x)
		_ = x.Free()
		_ = runCtx.AddOutput(name)
	}
	if err := runCtx.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := 0; i < runCtx.NumOutputs(); i++ {
		if runCtx.OutputTensor(i) == nil {
			t.Errorf("output %d is nil after a successful run", i)
		}
	}
}

func TestFreeAccumulatesDiagnostics(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.freeErr = errors.New("driver refused")
	m := newTestModel(t, adapter)

	x, _ := tensor.FromFloat32([]int64{1}, []float32{1})
	runCtx := newTestRunCtx(t, m)
	_ = runCtx.AddInput("x", x)
	// Drop the caller's model reference so the context holds the last one.
	if err := m.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	// Release the input behind the binding's back so teardown sees two failures.
	_ = x.Free()
	_ = x.Free()

	err := runCtx.Free()
	if err == nil {
		t.Fatalf("expected teardown diagnostics")
	}
	if !errors.Is(err, adapter.freeErr) {
		t.Errorf("model teardown failure not reported: %v", err)
	}
	if !errors.Is(err, tensor.ErrReleased) {
		t.Errorf("tensor release failure not reported: %v", err)
	}
}

func TestRunCtxOnFreedModel(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestModel(t, adapter)
	if err := m.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}

	runCtx, err := NewRunCtx(m)
	if CodeOf(err) != AlreadyFreed {
		t.Fatalf("expected AlreadyFreed, got %v", err)
	}
	if runCtx != nil {
		t.Fatalf("no run context should be built for a freed model")
	}
	if got := m.Refs(); got != 0 {
		t.Fatalf("freed model was resurrected, refs=%d", got)
	}

	if got := m.ShallowCopy(); got != m {
		t.Fatalf("ShallowCopy should return the same model")
	}
	if got := m.Refs(); got != 0 {
		t.Fatalf("shallow copy resurrected a freed model, refs=%d", got)
	}
	if err := m.Free(); CodeOf(err) != AlreadyFreed {
		t.Fatalf("expected AlreadyFreed, got %v", err)
	}
	if got := adapter.frees.Load(); got != 1 {
		t.Fatalf("expected payload destroyed once, got %d", got)
	}
}

func TestUseAfterFree(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t, newFakeAdapter())
	defer m.Free()

	x, _ := tensor.FromFloat32([]int64{1}, []float32{1})
	defer x.Free()

	runCtx := newTestRunCtx(t, m)
	if err := runCtx.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := runCtx.State(); got != Freed {
		t.Fatalf("unexpected state %v", got)
	}

	if err := runCtx.AddInput("x", x); CodeOf(err) != AlreadyFreed {
		t.Errorf("AddInput after free: expected AlreadyFreed, got %v", err)
	}
	if err := runCtx.AddOutput("y"); CodeOf(err) != AlreadyFreed {
		t.Errorf("AddOutput after free: expected AlreadyFreed, got %v", err)
	}
	if err := runCtx.Run(ctx); CodeOf(err) != AlreadyFreed {
		t.Errorf("Run after free: expected AlreadyFreed, got %v", err)
	}
	if got := x.Refs(); got != 1 {
		t.Errorf("freed context took an input reference, refs=%d", got)
	}
	if got := m.Refs(); got != 1 {
		t.Errorf("freed context still holds the model, refs=%d", got)
	}
}
