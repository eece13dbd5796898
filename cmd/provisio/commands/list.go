package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded deployments",
		Long: `List all recorded deployments from the summary index, ordered by
creation time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, shutdown, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer shutdown()

			summaries, err := a.orchestrator.Summaries(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(summaries)
			}

			if len(summaries) == 0 {
				fmt.Println("No deployments recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tREGION\tCREATED\tSTATE\tOUTPUTS")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
					s.ID, s.Name, s.Status, s.Region,
					s.CreatedAt.Format("2006-01-02 15:04:05"),
					s.HasState, s.OutputsAvailable)
			}
			return w.Flush()
		},
	}

	return cmd
}
