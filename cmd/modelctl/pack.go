package main

import (
	"context"
	"fmt"
	"os"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/backends"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/justinsb/kllama/pkg/tensor"
	"github.com/urfave/cli/v3"
)

func packCmd() *cli.Command {
	var (
		backend        string
		device         string
		definitionPath string
		inputs         []string
		outputs        []string
		outPath        string
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Compile a model definition and write it as a persisted model file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Aliases: []string{"b"}, Usage: "backend the definition is written for", Value: string(engine.BackendGraph), Destination: &backend},
			&cli.StringFlag{Name: "device", Usage: "device to bind the model to", Value: "cpu", Destination: &device},
			&cli.StringFlag{Name: "definition", Aliases: []string{"d"}, Usage: "path to the model definition", Required: true, Destination: &definitionPath},
			&cli.StringSliceFlag{Name: "input", Aliases: []string{"i"}, Usage: "input name (repeatable)", Destination: &inputs},
			&cli.StringSliceFlag{Name: "output", Aliases: []string{"o"}, Usage: "output name (repeatable)", Destination: &outputs},
			&cli.StringFlag{Name: "out", Usage: "path of the model file to write", Required: true, Destination: &outPath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			definition, err := os.ReadFile(definitionPath)
			if err != nil {
				return fmt.Errorf("reading definition: %w", err)
			}
			d, err := tensor.ParseDevice(device)
			if err != nil {
				return err
			}
			registry, err := backends.NewRegistry()
			if err != nil {
				return err
			}

			// Compiling catches definition errors before anything is written.
			model, err := engine.NewModel(ctx, registry, engine.Backend(backend), d, inputs, outputs, definition)
			if err != nil {
				return err
			}
			defer model.Free()

			if err := persist.SaveFile(ctx, outPath, model); err != nil {
				return err
			}
			fmt.Printf("wrote %s model to %s\n", model.Backend(), outPath)
			return nil
		},
	}
}
