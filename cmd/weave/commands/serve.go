package commands

import (
	"github.com/spf13/cobra"

	"github.com/planweave/planweave/pkg/config"
	"github.com/planweave/planweave/pkg/server"
)

func newServeCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plan execution API server",
		Long: `Start the HTTP API server.

The server exposes plan creation, execution, status polling, trace export,
and cancellation under /v1/plans, plus /healthz and /metrics.`,
		Example: `  # Serve with defaults (in-memory storage on :8080)
  weave serve

  # Serve with SQLite persistence
  PLANWEAVE_STORAGE_BACKEND=sqlite PLANWEAVE_DB_PATH=planweave.db weave serve

  # Serve from a config file on a custom port
  weave serve --config planweave.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.cleanup()

			srv := server.New(server.Config{
				ListenAddr:      cfg.Server.ListenAddr,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, rt.engine, rt.logger, rt.metrics)

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")

	return cmd
}
