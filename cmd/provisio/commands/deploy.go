package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/provisio/provisio/pkg/engine"
)

func newDeployCommand(version string) *cobra.Command {
	var (
		paramsFile       string
		base             string
		location         string
		includeSearch    bool
		subscription     string
		modelName        string
		servicePrincipal string
		secretExpiration string
		follow           bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Submit a new deployment and run it",
		Long: `Submit a new deployment from flags or a YAML parameters file and run
it to completion.

The resource group base is sanitized to lowercase alphanumerics and seeds
every derived resource name. The command waits for the run to finish; it
streams the full command output to stdout unless --follow=false.`,
		Example: `  # Deploy from flags
  provisio deploy --base myenv --location swedencentral \
    --service-principal sp-myenv --secret-expiration 2027-01-01

  # Deploy from a parameters file
  provisio deploy --params params.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, shutdown, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer shutdown()

			params := engine.Parameters{
				ResourceGroupBase:     base,
				Location:              location,
				IncludeSearch:         includeSearch,
				SubscriptionID:        subscription,
				OpenAIModelName:       modelName,
				EnableModelDeployment: true,
				ServicePrincipalName:  servicePrincipal,
				SecretExpirationDate:  secretExpiration,
			}
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("failed to read parameters file: %w", err)
				}
				if err := yaml.Unmarshal(data, &params); err != nil {
					return fmt.Errorf("failed to parse parameters file: %w", err)
				}
			}
			a.cfg.ApplyDefaults(&params)

			d, err := a.orchestrator.Create(ctx, params)
			if err != nil {
				return err
			}
			fmt.Printf("Deployment created: %s\n", d.ID)

			done := make(chan error, 1)
			go func() {
				done <- a.orchestrator.Provision(ctx, d.ID)
			}()
			// The run executes in-process, so the command always waits
			// for it; --follow only controls the log streaming.
			if follow {
				followLogs(ctx, a, d.ID, done)
			} else {
				<-done
			}

			final, _ := a.orchestrator.Get(d.ID)
			fmt.Printf("Final status: %s\n", final.Status)
			if final.Status != engine.StatusCompleted {
				return fmt.Errorf("deployment %s finished with status %s", d.ID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML parameters file")
	cmd.Flags().StringVar(&base, "base", "", "resource group base name")
	cmd.Flags().StringVar(&location, "location", "", "target region")
	cmd.Flags().BoolVar(&includeSearch, "include-search", false, "provision the search service")
	cmd.Flags().StringVar(&subscription, "subscription", "", "explicit subscription id")
	cmd.Flags().StringVar(&modelName, "model", "", "OpenAI model to deploy")
	cmd.Flags().StringVar(&servicePrincipal, "service-principal", "", "service principal name")
	cmd.Flags().StringVar(&secretExpiration, "secret-expiration", "", "service principal secret expiration date")
	cmd.Flags().BoolVar(&follow, "follow", true, "stream the run log to stdout")

	return cmd
}
