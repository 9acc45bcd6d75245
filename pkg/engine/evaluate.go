package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinsb/kllama/pkg/tensor"
)

// Evaluate runs model once over inputs and returns the requested outputs.
// Each returned tensor carries a reference owned by the caller.
func Evaluate(ctx context.Context, model *Model, inputs []Param, outputNames []string) ([]*tensor.Tensor, error) {
	runCtx, err := NewRunCtx(model)
	if err != nil {
		return nil, err
	}

	results, err := evaluate(ctx, runCtx, inputs, outputNames)
	if freeErr := runCtx.Free(); freeErr != nil {
		err = errors.Join(err, freeErr)
	}
	if err != nil {
		for _, t := range results {
			if freeErr := t.Free(); freeErr != nil {
				err = errors.Join(err, freeErr)
			}
		}
		return nil, err
	}
	return results, nil
}

func evaluate(ctx context.Context, runCtx *RunCtx, inputs []Param, outputNames []string) ([]*tensor.Tensor, error) {
	for _, input := range inputs {
		if err := runCtx.AddInput(input.Name, input.Tensor); err != nil {
			return nil, err
		}
	}
	for _, name := range outputNames {
		if err := runCtx.AddOutput(name); err != nil {
			return nil, err
		}
	}

	if err := runCtx.Run(ctx); err != nil {
		return nil, err
	}

	results := make([]*tensor.Tensor, 0, runCtx.NumOutputs())
	for i := 0; i < runCtx.NumOutputs(); i++ {
		t := runCtx.OutputTensor(i)
		if t == nil {
			return results, Errorf(Internal, "output %d not found", i)
		}
		results = append(results, t.ShallowCopy())
	}
	if len(results) != len(outputNames) {
		return results, fmt.Errorf("expected %d outputs, got %d", len(outputNames), len(results))
	}
	return results, nil
}
