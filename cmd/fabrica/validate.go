package main

import (
	"context"
	"fmt"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/fabrica-io/fabrica/pkg/recipe"
)

func validateCommand() *cli.Command {
	flags := append(projectFlags(),
		&cli.StringFlag{
			Name:     "recipe",
			Aliases:  []string{"r"},
			Usage:    "Recipe file to validate",
			Required: true,
			Sources:  cli.EnvVars("FABRICA_RECIPE"),
		},
	)

	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a recipe without executing it",
		Flags: flags,
		Action: func(_ context.Context, command *cli.Command) error {
			logger := setupLogger(command)

			r, err := recipe.Load(command.String("recipe"))
			if err != nil {
				return err
			}

			reg, err := setupRegistry(command, logger)
			if err != nil {
				return err
			}

			if err := recipe.Validate(r, reg); err != nil {
				return fmt.Errorf("recipe '%s' failed validation:\n%w", r.RecipeID, err)
			}

			waves, err := recipe.Waves(r)
			if err != nil {
				return err
			}

			fmt.Printf("recipe '%s' is valid: %d stage(s) in %d wave(s)\n",
				r.RecipeID, len(r.Stages), len(waves))

			for i, wave := range waves {
				fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
			}

			return nil
		},
	}
}
