package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/foreman/internal/paths"
	"github.com/zjrosen/foreman/internal/sessions"
	"github.com/zjrosen/foreman/internal/tasks"
)

// defaultPruneAge is how old a terminal session row must be before prune
// removes it.
const defaultPruneAge = 30 * 24 * time.Hour

var pruneOlderThan time.Duration

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Maintain persisted agent records and session history",
}

var tasksPruneCmd = &cobra.Command{
	Use:   "prune [path]",
	Short: "Remove terminal agent records and old session rows",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasksPrune,
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear [path]",
	Short: "Remove all persisted agent records and session history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasksClear,
}

func init() {
	tasksPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", defaultPruneAge,
		"prune session rows that ended longer ago than this")
	tasksCmd.AddCommand(tasksPruneCmd)
	tasksCmd.AddCommand(tasksClearCmd)
	rootCmd.AddCommand(tasksCmd)
}

// terminalAgentStates are persisted agent states eligible for pruning.
var terminalAgentStates = map[tasks.Status]bool{
	tasks.StatusClosed: true,
	tasks.StatusDone:   true,
	tasks.StatusDead:   true,
	tasks.StatusFailed: true,
	"stopped":          true,
	"aborted":          true,
}

func runTasksPrune(_ *cobra.Command, args []string) error {
	project, err := projectFromArgs(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store := tasks.NewCLIClient(project)

	agents, err := store.List(ctx, []string{"--type", string(tasks.TypeAgent), "--all"})
	if err != nil {
		return fmt.Errorf("listing agent records: %w", err)
	}
	removed := 0
	for _, rec := range agents {
		if !terminalAgentStates[rec.Status] {
			continue
		}
		if err := store.Delete(ctx, rec.ID); err != nil {
			fmt.Printf("  skipping %s: %v\n", rec.ID, err)
			continue
		}
		removed++
	}
	fmt.Printf("pruned %d agent record(s)\n", removed)

	sessStore, err := sessions.Open(paths.StateDir(project))
	if err != nil {
		fmt.Printf("session store unavailable: %v\n", err)
		return nil
	}
	defer sessStore.Close() //nolint:errcheck
	rows, err := sessStore.Prune(pruneOlderThan)
	if err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}
	fmt.Printf("pruned %d session row(s)\n", rows)
	return nil
}

func runTasksClear(_ *cobra.Command, args []string) error {
	project, err := projectFromArgs(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store := tasks.NewCLIClient(project)

	agents, err := store.List(ctx, []string{"--type", string(tasks.TypeAgent), "--all"})
	if err != nil {
		return fmt.Errorf("listing agent records: %w", err)
	}
	removed := 0
	for _, rec := range agents {
		if err := store.Delete(ctx, rec.ID); err != nil {
			fmt.Printf("  skipping %s: %v\n", rec.ID, err)
			continue
		}
		removed++
	}
	fmt.Printf("cleared %d agent record(s)\n", removed)

	sessStore, err := sessions.Open(paths.StateDir(project))
	if err != nil {
		fmt.Printf("session store unavailable: %v\n", err)
		return nil
	}
	defer sessStore.Close() //nolint:errcheck
	if err := sessStore.Clear(); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	fmt.Println("cleared session history")
	return nil
}

func projectFromArgs(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		dirFlag = args[0]
	}
	return resolveProject()
}
