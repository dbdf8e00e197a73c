package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/fabrica-io/fabrica/pkg/engine"
	"github.com/fabrica-io/fabrica/pkg/models"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the state of a run, or list runs when no run id is given",
		ArgsUsage: "[run-id]",
		Flags:     projectFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			setupLogger(command)

			project := command.String("project")

			runID := command.Args().First()
			if runID == "" {
				return listRuns(project)
			}

			rs, err := engine.LoadRunState(project, runID)
			if err != nil {
				return err
			}

			// A run that never reached a terminal state and whose owning
			// process no longer holds the run lock is a crash; reclassify it
			// instead of reporting false progress. A live run keeps its lock
			// and is left untouched.
			if engine.Orphaned(project, rs) && engine.MarkOrphaned(rs) {
				if err := engine.SaveRunState(project, rs); err != nil {
					return err
				}
			}

			printStatus(rs)

			return nil
		},
	}
}

func listRuns(project string) error {
	ids, err := engine.ListRuns(project)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		fmt.Println("no runs recorded")

		return nil
	}

	for _, id := range ids {
		rs, err := engine.LoadRunState(project, id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)

			continue
		}

		fmt.Printf("%s  %-10s  %s  %s\n", id, rs.Status, rs.RecipeID,
			rs.StartedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func printStatus(rs *models.RunState) {
	fmt.Printf("run:    %s\n", rs.RunID)
	fmt.Printf("recipe: %s\n", rs.RecipeID)
	fmt.Printf("status: %s\n", rs.Status)

	if rs.Error != "" {
		fmt.Printf("error:  %s\n", rs.Error)
	}

	ids := make([]string, 0, len(rs.Stages))
	for id := range rs.Stages {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	fmt.Println("stages:")

	for _, id := range ids {
		sr := rs.Stages[id]

		var details []string

		if sr.Duration > 0 {
			details = append(details, sr.Duration.Round(time.Millisecond).String())
		}

		if sr.Cost.USD > 0 {
			details = append(details, fmt.Sprintf("$%.4f", sr.Cost.USD))
		}

		if len(sr.Attempts) > 1 {
			details = append(details, fmt.Sprintf("%d attempts", len(sr.Attempts)))
		}

		if sr.ModelUsed != "" {
			details = append(details, "target "+sr.ModelUsed)
		}

		if sr.Orphaned {
			details = append(details, "orphaned")
		}

		if sr.PauseReason != "" {
			details = append(details, sr.PauseReason)
		} else if sr.Error != "" && !sr.Orphaned {
			details = append(details, sr.Error)
		}

		line := fmt.Sprintf("  %-20s %-15s", id, sr.Status)
		if len(details) > 0 {
			line += " " + strings.Join(details, ", ")
		}

		fmt.Println(line)

		for _, attempt := range sr.Attempts {
			outcome := "ok"
			if !attempt.Succeeded {
				outcome = attempt.ErrorClass + ": " + attempt.Error
			}

			fmt.Printf("      attempt %d on '%s': %s\n", attempt.Number, attempt.Target, outcome)
		}
	}

	if rs.TotalCost.USD > 0 {
		fmt.Printf("total cost: $%.4f (%d in / %d out tokens)\n",
			rs.TotalCost.USD, rs.TotalCost.InputTokens, rs.TotalCost.OutputTokens)
	}
}
