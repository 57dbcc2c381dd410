package cmds

import (
	"github.com/spf13/cobra"

	// Built-in applications register themselves with the entry point
	// registry; both the supervisor and its workers need them.
	_ "github.com/go-go-golems/prefork/pkg/app/demoapp"
	_ "github.com/go-go-golems/prefork/pkg/app/staffapi"
)

func AddCommands(root *cobra.Command) error {
	serve := newServeCmd()
	root.AddCommand(serve)
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newWorkerCmd())

	// A bare invocation starts serving; the launcher's only implicit
	// action is "start".
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return nil
}
