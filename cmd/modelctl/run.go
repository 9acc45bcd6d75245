package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/backends"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/justinsb/kllama/pkg/tensor"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func runCmd() *cli.Command {
	var (
		modelPath string
		inputs    string
		outputs   []string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a persisted model once on the given inputs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to the model file", Required: true, Destination: &modelPath},
			&cli.StringFlag{Name: "inputs", Usage: `input values, e.g. "x=1,2,3;w=0.5"`, Destination: &inputs},
			&cli.StringSliceFlag{Name: "output", Aliases: []string{"o"}, Usage: "output name (repeatable); defaults to the model's outputs", Destination: &outputs},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := klog.FromContext(ctx)

			registry, err := backends.NewRegistry()
			if err != nil {
				return err
			}
			model, err := persist.LoadFile(ctx, registry, modelPath)
			if err != nil {
				return err
			}
			defer model.Free()

			params, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			defer func() {
				for _, p := range params {
					if err := p.Tensor.Free(); err != nil {
						log.Error(err, "releasing input", "name", p.Name)
					}
				}
			}()

			if len(outputs) == 0 {
				outputs = model.Outputs()
			}
			results, err := engine.Evaluate(ctx, model, params, outputs)
			if err != nil {
				return err
			}
			for i, t := range results {
				values, err := t.Float32s()
				if err != nil {
					return err
				}
				fmt.Printf("%s %v %v\n", outputs[i], t.Shape(), values)
				if err := t.Free(); err != nil {
					log.Error(err, "releasing output", "name", outputs[i])
				}
			}
			return nil
		},
	}
}

// parseInputs reads "name=v1,v2;name2=v3" into one-dimensional float32 tensors.
func parseInputs(s string) ([]engine.Param, error) {
	var params []engine.Param
	for _, binding := range strings.Split(s, ";") {
		binding = strings.TrimSpace(binding)
		if binding == "" {
			continue
		}
		name, list, ok := strings.Cut(binding, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("input %q is not of the form name=values", binding)
		}
		var values []float32
		for _, token := range strings.Split(list, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(token), 32)
			if err != nil {
				return nil, fmt.Errorf("input %q: parsing %q: %w", name, token, err)
			}
			values = append(values, float32(v))
		}
		t, err := tensor.FromFloat32([]int64{int64(len(values))}, values)
		if err != nil {
			return nil, err
		}
		params = append(params, engine.Param{Name: strings.TrimSpace(name), Tensor: t})
	}
	return params, nil
}
