package main

import (
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/fabrica-io/fabrica/pkg/log"
	"github.com/fabrica-io/fabrica/pkg/modules"
	"github.com/fabrica-io/fabrica/pkg/registry"
	"github.com/fabrica-io/fabrica/pkg/store"
)

func projectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "project",
			Aliases: []string{"p"},
			Usage:   "Project directory holding artifacts, runs and state",
			Value:   ".",
			Sources: cli.EnvVars("FABRICA_PROJECT"),
		},
		&cli.StringFlag{
			Name:    "modules-root",
			Usage:   "Directory scanned for external module manifests",
			Value:   "",
			Sources: cli.EnvVars("FABRICA_MODULES_ROOT"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func setupLogger(command *cli.Command) *slog.Logger {
	log.Setup(command.String("log-level"))

	return log.WithComponent("fabrica")
}

// setupRegistry registers the built-in modules and then discovers external
// manifests when a modules root is configured.
func setupRegistry(command *cli.Command, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	if err := modules.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	root := command.String("modules-root")
	if root == "" {
		return reg, nil
	}

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("modules root %s is not readable: %w", root, err)
	}

	if err := reg.Discover(root); err != nil {
		return nil, err
	}

	return reg, nil
}

func openStore(command *cli.Command, logger *slog.Logger) (*store.Store, error) {
	return store.Open(command.String("project"), logger)
}
