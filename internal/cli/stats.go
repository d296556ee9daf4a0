package cli

import "github.com/spf13/cobra"

func newStatsCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show live, archived and sequence statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.show(s, func() { renderStats(a.Out, s) })
		},
	}
}
