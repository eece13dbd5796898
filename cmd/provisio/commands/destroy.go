package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provisio/provisio/pkg/engine"
)

func newDestroyCommand(version string) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "destroy <deployment-id>",
		Short: "Tear down a deployment's resources",
		Long: `Tear down all resources of a deployment. The deployment must have
durable tool state from a prior successful run; without it the request is
rejected before any external process starts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			a, shutdown, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer shutdown()

			if err := a.orchestrator.CanDestroy(id); err != nil {
				return err
			}

			done := make(chan error, 1)
			go func() {
				done <- a.orchestrator.Destroy(ctx, id)
			}()
			if follow {
				followLogs(ctx, a, id, done)
			} else {
				<-done
			}

			final, _ := a.orchestrator.Get(id)
			fmt.Printf("Final status: %s\n", final.Status)
			if final.Status != engine.StatusDestroyed {
				return fmt.Errorf("destroy of %s finished with status %s", id, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", true, "stream the run log to stdout")

	return cmd
}
