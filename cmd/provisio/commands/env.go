package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/envfile"
)

func newEnvCommand(version string) *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "env <deployment-id>",
		Short: "Export a deployment's configuration as a .env file",
		Long: `Render a completed deployment's outputs as a dotenv document,
grouped by service, ready to drop into an AI project.`,
		Example: `  # Print to stdout
  provisio env 4f1c2a9b-...

  # Write to the standard filename
  provisio env 4f1c2a9b-... -o auto`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			a, shutdown, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer shutdown()

			d, ok := a.orchestrator.Get(id)
			if !ok {
				return fmt.Errorf("deployment %s not found", id)
			}
			if d.Status != engine.StatusCompleted {
				return fmt.Errorf("deployment %s has status %s; no exportable outputs", id, d.Status)
			}

			content := envfile.Generate(d)
			if outputFile == "" {
				fmt.Print(content)
				return nil
			}
			if outputFile == "auto" {
				outputFile = envfile.Filename(id)
			}
			if err := os.WriteFile(outputFile, []byte(content), 0o600); err != nil {
				return fmt.Errorf("failed to write env file: %w", err)
			}
			fmt.Printf("Wrote %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file path ('auto' for the standard name)")

	return cmd
}
