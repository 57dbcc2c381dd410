package cmds

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/prefork/pkg/proc"
	"github.com/go-go-golems/prefork/pkg/state"
)

func newStatusCmd() *cobra.Command {
	var tailLines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				return err
			}

			type workerStatus struct {
				Slot  int             `json:"slot"`
				PID   int             `json:"pid"`
				Alive bool            `json:"alive"`
				Stats *proc.Stats     `json:"stats,omitempty"`
				Exit  *state.ExitInfo `json:"exit,omitempty"`
			}

			pids := make([]int, 0, len(st.Workers))
			for _, w := range st.Workers {
				pids = append(pids, w.PID)
			}
			stats := proc.ReadAllStats(pids, nil)

			workers := make([]workerStatus, 0, len(st.Workers))
			for _, w := range st.Workers {
				alive := state.ProcessAlive(w.PID)
				ws := workerStatus{Slot: w.Slot, PID: w.PID, Alive: alive, Stats: stats[w.PID]}
				if !alive && w.ExitInfo != "" {
					if _, err := os.Stat(w.ExitInfo); err == nil {
						if ei, err := state.ReadExitInfo(w.ExitInfo); err == nil {
							if tailLines > 0 && len(ei.StderrTail) > tailLines {
								ei.StderrTail = append([]string{}, ei.StderrTail[len(ei.StderrTail)-tailLines:]...)
							}
							ws.Exit = ei
						}
					}
				}
				workers = append(workers, ws)
			}

			out := map[string]any{
				"supervisor_pid":   st.SupervisorPID,
				"supervisor_alive": state.ProcessAlive(st.SupervisorPID),
				"bind":             st.Bind,
				"app":              st.App,
				"created_at":       st.CreatedAt,
				"workers":          workers,
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal status")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 25, "How many stderr lines to include for dead workers")
	return cmd
}
