package main

import (
	"context"
	"fmt"

	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/config"
	"github.com/justinsb/kllama/pkg/engine/backends"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/urfave/cli/v3"
)

func pushCmd() *cli.Command {
	var (
		modelPath  string
		configPath string
		blobstore  string
	)

	return &cli.Command{
		Name:  "push",
		Usage: "Publish a persisted model to a blob store and print its hash",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to the model file", Required: true, Destination: &modelPath},
			&cli.StringFlag{Name: "config", Usage: "path to config file", Destination: &configPath},
			&cli.StringFlag{Name: "blobstore", Usage: "gs://bucket or directory (overrides config and CACHE_BUCKET)", Destination: &blobstore},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Blobstore != "" && !cmd.IsSet("blobstore") {
				blobstore = cfg.Blobstore
			}
			store, err := blobs.Open(blobstore)
			if err != nil {
				return err
			}

			// The model is compiled before publishing so only loadable models are pushed.
			registry, err := backends.NewRegistry()
			if err != nil {
				return err
			}
			model, err := persist.LoadFile(ctx, registry, modelPath)
			if err != nil {
				return err
			}
			defer model.Free()

			hash, err := persist.Publish(ctx, store, model)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
