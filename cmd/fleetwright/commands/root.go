package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
	jsonOutput   bool

	// appVersion identifies this build in telemetry.
	appVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	appVersion = version
	rootCmd := &cobra.Command{
		Use:   "fleetwright",
		Short: "Fleetwright - declarative fleet provisioning orchestration",
		Long: `Fleetwright provisions and validates cloud VM fleets from declarative
operation and workflow documents.

Features:
  - Declarative operations in YAML or CUE with typed parameters
  - Long-running work supervised through markers and heartbeats
  - Resumable workflows with per-operation checkpoints
  - Local resource cache with freshness tracking and dependency graphs
  - Policy gating via Rego`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
