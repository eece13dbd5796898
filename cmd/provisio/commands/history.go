package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <deployment-id>",
		Short: "Show a deployment's status transition history",
		Long: `Show the audited status transitions of a deployment in the order they
occurred, with the message recorded at each step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			a, shutdown, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer shutdown()

			transitions, err := a.audit.History(ctx, id)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(transitions)
			}

			if len(transitions) == 0 {
				fmt.Printf("No transitions recorded for %s.\n", id)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tFROM\tTO\tMESSAGE")
			for _, t := range transitions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					t.RecordedAt.Format("2006-01-02 15:04:05"),
					t.FromStatus, t.ToStatus, t.Message)
			}
			return w.Flush()
		},
	}

	return cmd
}
