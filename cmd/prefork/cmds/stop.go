package cmds

import (
	"fmt"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/prefork/pkg/state"
)

func newStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				return err
			}
			if !state.ProcessAlive(st.SupervisorPID) {
				// Stale state from an earlier crash; clean it up.
				_ = state.Remove(opts.RepoRoot)
				return errors.Errorf("supervisor (pid %d) is not running", st.SupervisorPID)
			}

			if err := syscall.Kill(st.SupervisorPID, syscall.SIGTERM); err != nil {
				return errors.Wrap(err, "signal supervisor")
			}

			deadline := time.Now().Add(timeout)
			for state.ProcessAlive(st.SupervisorPID) {
				if time.Now().After(deadline) {
					return errors.Errorf("supervisor (pid %d) did not exit within %s", st.SupervisorPID, timeout)
				}
				time.Sleep(50 * time.Millisecond)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the supervisor to exit")
	return cmd
}
