package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/justinsb/kllama/pkg/persist"
)

const doubleGraph = `
nodes:
  - {name: x, op: input}
  - {name: y, op: scale, inputs: [x], attrs: {factor: 2}}
`

func TestParseInputs(t *testing.T) {
	params, err := parseInputs("x=1,2,3; w = 0.5")
	if err != nil {
		t.Fatalf("parsing inputs: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(params))
	}
	if params[0].Name != "x" || params[0].Tensor.NumElements() != 3 {
		t.Errorf("unexpected first input %q %v", params[0].Name, params[0].Tensor)
	}
	if params[1].Name != "w" || params[1].Tensor.NumElements() != 1 {
		t.Errorf("unexpected second input %q %v", params[1].Name, params[1].Tensor)
	}

	for _, bad := range []string{"x", "=1", "x=1,a"} {
		if _, err := parseInputs(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestPackRunPush(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	definitionPath := filepath.Join(dir, "double.yaml")
	if err := os.WriteFile(definitionPath, []byte(doubleGraph), 0644); err != nil {
		t.Fatalf("writing definition: %v", err)
	}
	modelPath := filepath.Join(dir, "double.model")

	commands := [][]string{
		{"modelctl", "pack", "--definition", definitionPath, "--input", "x", "--output", "y", "--out", modelPath},
		{"modelctl", "inspect", "--model", modelPath},
		{"modelctl", "run", "--model", modelPath, "--inputs", "x=1,2"},
		{"modelctl", "push", "--model", modelPath, "--blobstore", filepath.Join(dir, "store")},
	}
	for _, args := range commands {
		if err := newApp().Run(ctx, args); err != nil {
			t.Fatalf("%v: %v", args[1:], err)
		}
	}

	header, _, err := persist.ReadFileHeader(modelPath)
	if err != nil {
		t.Fatalf("reading header: %v", err)
	}
	if header.Backend != "graph" {
		t.Errorf("unexpected backend %q", header.Backend)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("reading store: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one published blob, got %d", len(entries))
	}

	if err := newApp().Run(ctx, []string{"modelctl", "pack", "--backend", "tensorflow", "--definition", definitionPath, "--out", modelPath}); err == nil {
		t.Errorf("expected packing for an unknown backend to fail")
	}
}
