package cli

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/app"
	"github.com/seantiz/kiln/internal/config"
)

func newServeCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kiln server",
		Long: `Run the kiln HTTP API, notification gateway and registry janitor.

Configuration is read from --config (or KILN_CONFIG_PATH) and KILN_*
environment variables, e.g. KILN_LISTEN_ADDR or KILN_JOBS_MAX_JOBS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger := config.NewLogger(a.Out, cfg.Level())
			return app.Run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	return cmd
}
