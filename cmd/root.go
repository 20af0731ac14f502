// Package cmd defines the foreman CLI surface.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	debugFlag bool
	dirFlag   string
	pipeFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Multi-agent task orchestrator",
	Long: `Foreman coordinates a fleet of subprocess agents working a shared task
queue: it claims ready tasks, dispatches implementers, follows each worker
with a verifier, and routes lifecycle signals until tasks close.

Running foreman with no subcommand launches the orchestrator.`,
	Version:      version,
	RunE:         runLaunch,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also via FOREMAN_DEBUG)")
	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "C", "",
		"project directory (default: current directory)")
	rootCmd.Flags().BoolVar(&pipeFlag, "pipe", false,
		"one-shot mode: process the current batch of ready tasks and exit")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
