// Package cli implements the kiln command line: the server itself and a
// client for every API operation.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/client"
)

const defaultServer = "http://localhost:8080"

// App holds state shared by every command.
type App struct {
	Out    io.Writer
	ErrOut io.Writer

	server     string
	configPath string
	jsonOutput bool
}

// NewRootCommand builds the kiln command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	app := &App{Out: out, ErrOut: errOut}

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Artifact job orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	server := os.Getenv("KILN_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&app.server, "server", server, "kiln server URL (env KILN_SERVER)")
	root.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "print raw JSON instead of styled output")

	root.AddCommand(
		newServeCommand(app),
		newJobCommand(app),
		newSequenceCommand(app),
		newStatsCommand(app),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return code
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		return 1
	}
	return 0
}

func (a *App) client() *client.Client {
	return client.New(a.server, nil)
}
