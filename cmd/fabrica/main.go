package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "fabrica",
		Usage:                 "Run recipe-driven content pipelines",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			statusCommand(),
			modulesCommand(),
			artifactsCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
