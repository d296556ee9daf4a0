package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/seqfile"
)

const sequencePollInterval = time.Second

func newSequenceCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sequence",
		Aliases: []string{"seq"},
		Short:   "Run and inspect configuration sequences",
	}
	cmd.AddCommand(
		newSequenceRunCommand(a),
		newSequenceStatusCommand(a),
		newSequenceCancelCommand(a),
	)
	return cmd
}

func newSequenceRunCommand(a *App) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <file.yaml>",
		Short: "Submit a sequence described in a YAML file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := seqfile.LoadFile(args[0])
			if err != nil {
				return err
			}
			ack, err := a.client().SubmitSequence(cmd.Context(), req)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if err := printJSON(a.Out, ack); err != nil {
					return err
				}
			} else if ack.Total == 0 {
				fmt.Fprintln(a.Out, "empty sequence, nothing to run")
			} else {
				fmt.Fprintf(a.Out, "sequence %s started with %d items\n", ack.SequenceID, ack.Total)
			}
			if wait && ack.SequenceID != "" {
				return a.waitSequence(cmd, ack.SequenceID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the sequence finishes")
	return cmd
}

func newSequenceStatusCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running sequence's progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.client().CurrentSequence(cmd.Context())
			if err != nil {
				return err
			}
			return a.show(p, func() { renderSequence(a.Out, p) })
		},
	}
}

func newSequenceCancelCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ok, err := a.client().CancelSequence(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(a.Out, "no sequence running")
				return nil
			}
			fmt.Fprintln(a.Out, "sequence cancellation requested")
			return nil
		},
	}
}

// waitSequence polls until the run with id is no longer current.
func (a *App) waitSequence(cmd *cobra.Command, id string) error {
	ticker := time.NewTicker(sequencePollInterval)
	defer ticker.Stop()

	lastIndex, lastPhase := -1, ""
	for {
		p, err := a.client().CurrentSequence(cmd.Context())
		if err != nil {
			return err
		}
		if p == nil || p.SequenceID != id {
			fmt.Fprintf(a.Out, "sequence %s finished\n", id)
			return nil
		}
		if p.Index != lastIndex || p.Phase != lastPhase {
			lastIndex, lastPhase = p.Index, p.Phase
			fmt.Fprintf(a.Out, "[%d/%d] %s %s\n", p.Index+1, p.Total, p.CurrentItem.Name,
				statusStyle(p.Phase).Render(p.Phase))
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}
