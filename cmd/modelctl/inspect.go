package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var (
		modelPath      string
		showDefinition bool
		asJSON         bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the header of a persisted model file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to the model file", Required: true, Destination: &modelPath},
			&cli.BoolFlag{Name: "definition", Usage: "also print the model definition", Destination: &showDefinition},
			&cli.BoolFlag{Name: "json", Usage: "print the header as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			header, definition, err := persist.ReadFileHeader(modelPath)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(header)
			}

			fmt.Printf("Version:    %d\n", header.Version)
			fmt.Printf("Backend:    %s\n", header.Backend)
			fmt.Printf("Device:     %s\n", header.Device)
			fmt.Printf("Inputs:     %v\n", header.Inputs)
			fmt.Printf("Outputs:    %v\n", header.Outputs)
			fmt.Printf("Definition: %d bytes, sha256 %s\n", header.DefinitionLength, header.DefinitionSHA256)
			if showDefinition {
				fmt.Printf("\n%s\n", definition)
			}
			return nil
		},
	}
}
