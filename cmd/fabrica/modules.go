package main

import (
	"context"
	"fmt"
	"strings"

	cli "github.com/urfave/cli/v3"
)

func modulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "modules",
		Usage: "List registered stage modules",
		Flags: projectFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			logger := setupLogger(command)

			reg, err := setupRegistry(command, logger)
			if err != nil {
				return err
			}

			for _, manifest := range reg.Manifests() {
				origin := "built-in"
				if manifest.Path != "" {
					origin = manifest.Path
				}

				fmt.Printf("%-16s stage=%-10s in=[%s] out=[%s]  %s\n",
					manifest.ModuleID,
					manifest.Stage,
					strings.Join(manifest.InputSchemas, ","),
					strings.Join(manifest.OutputSchemas, ","),
					origin)

				if manifest.Description != "" {
					fmt.Printf("%-16s %s\n", "", manifest.Description)
				}
			}

			return nil
		},
	}
}
