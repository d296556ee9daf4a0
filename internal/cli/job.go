package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/model"
)

func newJobCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit, inspect and cancel jobs",
	}
	cmd.AddCommand(
		newJobSubmitCommand(a),
		newJobGetCommand(a),
		newJobListCommand(a),
		newJobCancelCommand(a),
		newJobCancelAllCommand(a),
		newJobWatchCommand(a),
	)
	return cmd
}

func newJobSubmitCommand(a *App) *cobra.Command {
	var (
		count      int
		configJSON string
		configFile string
		route      string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Start a job producing --count artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jobConfig(configJSON, configFile)
			if err != nil {
				return err
			}
			job, err := a.client().SubmitJob(cmd.Context(), model.JobRequest{
				ID:            args[0],
				ArtifactCount: json.Number(strconv.Itoa(count)),
				Config:        raw,
				Route:         route,
			})
			if err != nil {
				return err
			}
			if err := a.show(job, func() { renderJob(a.Out, job) }); err != nil {
				return err
			}
			if watch {
				return a.watch(cmd, job.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of artifacts to produce")
	cmd.Flags().StringVar(&configJSON, "config-json", "", "opaque job configuration as inline JSON")
	cmd.Flags().StringVar(&configFile, "config-file", "", "read the job configuration from a JSON file")
	cmd.Flags().StringVar(&route, "route", "", "executor to route the job to")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream notifications until the job finishes")
	cmd.MarkFlagsMutuallyExclusive("config-json", "config-file")
	return cmd
}

func newJobGetCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.show(job, func() { renderJob(a.Out, job) })
		},
	}
}

func newJobListCommand(a *App) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.client().ListJobs(cmd.Context(), status)
			if err != nil {
				return err
			}
			return a.show(jobs, func() { renderJobs(a.Out, jobs) })
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs with this status")
	return cmd
}

func newJobCancelCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.show(res, func() { renderCancel(a.Out, args[0], res) })
		},
	}
}

func newJobCancelAllCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every live job and clear the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.client().CancelAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.Out, "all jobs cancelled")
			return nil
		},
	}
}

func newJobWatchCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Stream notifications for a job, or for everything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return a.watch(cmd, id)
		},
	}
}

// watch streams notifications until the stream ends. A job that ends in
// error or cancellation exits non-zero.
func (a *App) watch(cmd *cobra.Command, jobID string) error {
	var failed bool
	err := a.client().Watch(cmd.Context(), jobID, func(n model.Notification) error {
		if jobID != "" && n.Terminal() && n.Kind != model.KindComplete {
			failed = true
		}
		if a.jsonOutput {
			return printJSON(a.Out, n)
		}
		renderNotification(a.Out, n)
		return nil
	})
	if err != nil {
		if cmd.Context().Err() != nil {
			return nil
		}
		return err
	}
	if failed {
		return NewExitError(2)
	}
	return nil
}

// show prints v as JSON with --json, otherwise calls render.
func (a *App) show(v any, render func()) error {
	if a.jsonOutput {
		return printJSON(a.Out, v)
	}
	render()
	return nil
}

func jobConfig(inline, path string) (json.RawMessage, error) {
	switch {
	case inline != "":
		if !json.Valid([]byte(inline)) {
			return nil, fmt.Errorf("--config-json is not valid JSON")
		}
		return json.RawMessage(inline), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s is not valid JSON", path)
		}
		return json.RawMessage(data), nil
	}
	return nil, nil
}
