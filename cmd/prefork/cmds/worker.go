package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/prefork/pkg/listener"
	"github.com/go-go-golems/prefork/pkg/worker"
)

func newWorkerCmd() *cobra.Command {
	var appEntry string
	var threads int
	var readyFile string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:    "__worker",
		Short:  "Internal: serve the application on the inherited listener",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				cancel()
			}()

			err := worker.Run(ctx, worker.Options{
				App:             appEntry,
				Threads:         threads,
				FD:              listener.WorkerFD,
				ReadyFile:       readyFile,
				ShutdownTimeout: shutdownTimeout,
			})
			if err != nil {
				log.Error().Err(err).Msg("worker failed")
				if worker.IsBootFailure(err) {
					os.Exit(worker.BootFailureExitCode)
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&appEntry, "app", "", "Application entry point (registry:name)")
	cmd.Flags().IntVar(&threads, "threads", 1, "Concurrent connections served by this worker")
	cmd.Flags().StringVar(&readyFile, "ready-file", "", "Write this worker's PID here once accepting")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for draining on SIGTERM")
	return cmd
}
