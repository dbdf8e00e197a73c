package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	cli "github.com/urfave/cli/v3"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/store"
)

func artifactsCommand() *cli.Command {
	return &cli.Command{
		Name:      "artifacts",
		Usage:     "Inspect stored artifact versions and their health",
		ArgsUsage: "<type> [entity]",
		Flags:     projectFlags(),
		Commands: []*cli.Command{
			confirmCommand(),
			reviseCommand(),
		},
		Action: func(_ context.Context, command *cli.Command) error {
			logger := setupLogger(command)

			st, err := openStore(command, logger)
			if err != nil {
				return err
			}

			artifactType := command.Args().First()
			if artifactType == "" {
				return errors.New("usage: fabrica artifacts <type> [entity]")
			}

			entities := []string{command.Args().Get(1)}
			if command.Args().Len() < 2 {
				entities, err = st.ListEntities(artifactType)
				if err != nil {
					return err
				}

				if len(entities) == 0 {
					return fmt.Errorf("no artifacts of type '%s'", artifactType)
				}
			}

			staleCauses := make(map[string]models.ArtifactRef)
			for _, entry := range st.Graph().StaleSet() {
				staleCauses[entry.Ref.Key()] = entry.CausedBy
			}

			for _, entity := range entities {
				refs, err := st.ListVersions(artifactType, entity)
				if err != nil {
					return err
				}

				for _, ref := range refs {
					health, err := st.Graph().Health(ref)
					if err != nil {
						return err
					}

					line := fmt.Sprintf("%-40s %s", ref.Key(), health)

					if cause, ok := staleCauses[ref.Key()]; ok {
						line += "  (superseded upstream: " + cause.Key() + ")"
					}

					fmt.Println(line)
				}
			}

			return nil
		},
	}
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Mark a version confirmed_valid, exempting it from staleness",
		ArgsUsage: "<type> <entity> <version>",
		Flags:     projectFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			return withArtifactRef(command, func(st *store.Store, ref models.ArtifactRef) error {
				if err := st.Confirm(ref); err != nil {
					return err
				}

				fmt.Printf("%s confirmed\n", ref.Key())

				return nil
			})
		},
	}
}

func reviseCommand() *cli.Command {
	return &cli.Command{
		Name:      "revise",
		Usage:     "Mark a version needs_revision; the revision is a later save",
		ArgsUsage: "<type> <entity> <version>",
		Flags:     projectFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			return withArtifactRef(command, func(st *store.Store, ref models.ArtifactRef) error {
				if err := st.RequestRevision(ref); err != nil {
					return err
				}

				fmt.Printf("%s marked needs_revision\n", ref.Key())

				return nil
			})
		},
	}
}

// withArtifactRef parses the <type> <entity> <version> argument triple. The
// entity argument "_project" selects the project-scoped entity.
func withArtifactRef(command *cli.Command, fn func(*store.Store, models.ArtifactRef) error) error {
	logger := setupLogger(command)

	if command.Args().Len() != 3 {
		return errors.New("expected arguments: <type> <entity> <version>")
	}

	entity := command.Args().Get(1)
	if entity == models.ProjectEntity {
		entity = ""
	}

	version, err := strconv.Atoi(command.Args().Get(2))
	if err != nil || version < 1 {
		return fmt.Errorf("invalid version '%s'", command.Args().Get(2))
	}

	st, err := openStore(command, logger)
	if err != nil {
		return err
	}

	return fn(st, models.ArtifactRef{
		Type:     command.Args().First(),
		EntityID: entity,
		Version:  version,
	})
}
