package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisio",
		Short: "Provisio - Azure AI deployment orchestration engine",
		Long: `Provisio provisions and tears down Azure AI environments through
Terraform and the Azure CLI.

Each deployment gets an isolated workspace, a derived set of resource names,
and a persisted record that survives restarts. Runs stream their full command
output into an append-only per-deployment log.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newListCommand(version))
	rootCmd.AddCommand(newDeployCommand(version))
	rootCmd.AddCommand(newDestroyCommand(version))
	rootCmd.AddCommand(newEnvCommand(version))
	rootCmd.AddCommand(newHistoryCommand(version))

	return rootCmd
}
