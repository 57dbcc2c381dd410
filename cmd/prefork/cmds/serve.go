package cmds

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/prefork/pkg/app"
	"github.com/go-go-golems/prefork/pkg/config"
	"github.com/go-go-golems/prefork/pkg/events"
	"github.com/go-go-golems/prefork/pkg/state"
	"github.com/go-go-golems/prefork/pkg/supervise"
	"github.com/go-go-golems/prefork/pkg/watch"
)

func newServeCmd() *cobra.Command {
	var bind string
	var workers int
	var threads int
	var reload bool
	var appEntry string
	var watchPaths []string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bind the port, spawn workers, and serve the application",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.LoadOptional(opts.Config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("bind") {
				cfg.Bind = bind
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("threads") {
				cfg.Threads = threads
			}
			if cmd.Flags().Changed("reload") {
				cfg.Reload = reload
			}
			if cmd.Flags().Changed("app") {
				cfg.App = appEntry
			}
			if cmd.Flags().Changed("watch") {
				cfg.WatchPaths = watchPaths
			}
			if cmd.Flags().Changed("shutdown-timeout") {
				cfg.ShutdownTimeout = shutdownTimeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// Fail fast before binding anything: an unresolvable entry
			// point must exit non-zero with no socket left behind.
			if _, err := app.Resolve(cfg.App); err != nil {
				return err
			}

			return runServe(cmd.Context(), opts, cfg)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", config.DefaultBind, "Address to bind (host:port)")
	cmd.Flags().IntVarP(&workers, "workers", "w", config.DefaultWorkers, "Number of worker processes")
	cmd.Flags().IntVar(&threads, "threads", config.DefaultThreads, "Concurrent connections per worker")
	cmd.Flags().BoolVar(&reload, "reload", false, "Restart workers when watched files change")
	cmd.Flags().StringVar(&appEntry, "app", "", "Application entry point (registry:name)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "Paths to watch in reload mode (repeatable)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for draining workers")
	return cmd
}

func runServe(ctx context.Context, opts rootOptions, cfg config.Launch) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus, err := events.NewInMemoryBus()
	if err != nil {
		return err
	}
	events.AddLogHandler(bus)

	eventLog, err := events.NewEventLog(filepath.Join(state.LogsDir(opts.RepoRoot), "events.jsonl"))
	if err != nil {
		return err
	}
	defer func() { _ = eventLog.Close() }()
	eventLog.AddTo(bus)

	go func() {
		if err := bus.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("event bus stopped")
		}
	}()
	// The first lifecycle events fire inside Start; the bus drops
	// anything published before its consumers are subscribed.
	select {
	case <-bus.Running():
	case <-ctx.Done():
		return ctx.Err()
	}

	sup, err := supervise.New(supervise.Options{
		RepoRoot: opts.RepoRoot,
		Config:   cfg,
		Bus:      bus,
	})
	if err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info().Msg("SIGHUP received, cycling workers")
				sup.TriggerReload("sighup", nil)
			default:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
				return
			}
		}
	}()

	if cfg.Reload {
		if err := startWatcher(ctx, opts, cfg, sup); err != nil {
			return err
		}
	}

	return sup.Run(ctx)
}

func startWatcher(ctx context.Context, opts rootOptions, cfg config.Launch, sup *supervise.Supervisor) error {
	var paths []string
	for _, p := range cfg.WatchPaths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(opts.RepoRoot, p)
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		paths = []string{opts.RepoRoot}
	}

	w, err := watch.New(watch.Options{
		Paths:          paths,
		IgnorePrefixes: []string{filepath.Join(opts.RepoRoot, state.StateDirName)},
	})
	if err != nil {
		return errors.Wrap(err, "start file watcher")
	}

	log.Info().Strs("paths", paths).Msg("reload mode: watching for changes")
	go func() {
		defer func() { _ = w.Close() }()
		_ = w.Run(ctx, func(changed []string) {
			sup.TriggerReload("watch", changed)
		})
	}()
	return nil
}
