package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabrica-io/fabrica/pkg/engine"
	"github.com/fabrica-io/fabrica/pkg/eventbus"
	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/otelhelper"
	"github.com/fabrica-io/fabrica/pkg/recipe"
)

func runCommand() *cli.Command {
	flags := append(projectFlags(),
		&cli.StringFlag{
			Name:     "recipe",
			Aliases:  []string{"r"},
			Usage:    "Recipe file to execute",
			Required: true,
			Sources:  cli.EnvVars("FABRICA_RECIPE"),
		},
		&cli.StringFlag{
			Name:    "params",
			Usage:   "JSON file with runtime parameters for ${name} placeholders",
			Sources: cli.EnvVars("FABRICA_PARAMS"),
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Ignore the stage cache and recompute every stage",
		},
		&cli.StringFlag{
			Name:  "start-from",
			Usage: "Resume from the named stage, reusing everything before it",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Validate the recipe and report the execution plan without running",
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Maximum stages executed in parallel per wave",
			Value:   4,
			Sources: cli.EnvVars("FABRICA_WORKERS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces for this run",
			Sources: cli.EnvVars("FABRICA_TRACING"),
		},
	)

	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Execute a recipe against the project",
		Flags:   flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := setupLogger(command)

			r, err := recipe.Load(command.String("recipe"))
			if err != nil {
				return err
			}

			st, err := openStore(command, logger)
			if err != nil {
				return err
			}

			reg, err := setupRegistry(command, logger)
			if err != nil {
				return err
			}

			runtimeParams, paramsHash, err := loadRuntimeParams(command.String("params"))
			if err != nil {
				return err
			}

			var tracer trace.Tracer
			if command.Bool("tracing") {
				tracer, err = otelhelper.NewTracer(ctx, "fabrica")
				if err != nil {
					return fmt.Errorf("failed to initialize tracing: %w", err)
				}
			}

			bus := eventbus.NewLocalEventBus(logger)
			defer func() {
				if err := bus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			eng, err := engine.New(command.String("project"), st, reg, logger, engine.Options{
				Workers: int(command.Int("workers")),
				Bus:     bus,
				Tracer:  tracer,
			})
			if err != nil {
				return err
			}

			rs, err := eng.Run(ctx, r, engine.RunOptions{
				Force:          command.Bool("force"),
				StartFrom:      command.String("start-from"),
				DryRun:         command.Bool("dry-run"),
				RuntimeParams:  runtimeParams,
				ParamsFileHash: paramsHash,
			})
			if rs != nil {
				printRunSummary(rs)
			}

			return err
		},
	}
}

// loadRuntimeParams reads the optional runtime parameters file and returns
// its values plus the content hash that joins every stage fingerprint.
func loadRuntimeParams(path string) (map[string]string, string, error) {
	if path == "" {
		return nil, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read params file %s: %w", path, err)
	}

	var params map[string]string
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, "", fmt.Errorf("params file %s must be a JSON object of strings: %w", path, err)
	}

	sum := sha256.Sum256(data)

	return params, hex.EncodeToString(sum[:]), nil
}

func printRunSummary(rs *models.RunState) {
	fmt.Printf("run %s (%s): %s\n", rs.RunID, rs.RecipeID, rs.Status)

	ids := make([]string, 0, len(rs.Stages))
	for id := range rs.Stages {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		sr := rs.Stages[id]
		line := fmt.Sprintf("  %-20s %s", id, sr.Status)

		switch {
		case sr.PauseReason != "":
			line += "  (" + sr.PauseReason + ")"
		case sr.Error != "":
			line += "  (" + sr.Error + ")"
		case len(sr.Artifacts) > 0:
			line += fmt.Sprintf("  %d artifact(s)", len(sr.Artifacts))
		}

		fmt.Println(line)
	}

	if rs.TotalCost.USD > 0 {
		fmt.Printf("total cost: $%.4f (%d in / %d out tokens)\n",
			rs.TotalCost.USD, rs.TotalCost.InputTokens, rs.TotalCost.OutputTokens)
	}
}
