package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/provisio/provisio/pkg/server"
)

func newServeCommand(version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment engine with its HTTP API",
		Long: `Run the deployment engine and expose it as a JSON HTTP API.

Persisted deployments are reloaded at startup so observers reconnecting
after a restart see the last recorded status. Log streaming is available
per deployment over WebSocket and cursor-based polling.`,
		Example: `  # Serve on the configured address
  provisio serve

  # Serve on an explicit address
  provisio serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, shutdown, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer shutdown()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			log.Info().Str("addr", addr).Msg("Starting deployment engine")

			srv := server.New(server.Options{
				Orchestrator:  a.orchestrator,
				Audit:         a.audit,
				Telemetry:     a.telemetry,
				MetricsPath:   a.cfg.Metrics.Path,
				ApplyDefaults: a.cfg.ApplyDefaults,
			})
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	return cmd
}
