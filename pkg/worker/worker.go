// Package worker implements the per-process serving loop: recover the
// inherited listener, resolve the application, and serve it through a
// bounded handler pool until told to drain.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/prefork/pkg/app"
	"github.com/go-go-golems/prefork/pkg/listener"
)

// BootFailureExitCode distinguishes "the application cannot be
// resolved" from ordinary crashes. The supervisor treats it as fatal
// instead of respawning.
const BootFailureExitCode = 3

type Options struct {
	// App is the entry point to resolve, "registry:name".
	App string
	// Threads is the handler pool size: the number of connections
	// served concurrently.
	Threads int
	// FD is the inherited listener descriptor.
	FD uintptr
	// ReadyFile, when set, receives the worker PID once the accept
	// loop is live. The supervisor sequences rolling restarts on it.
	ReadyFile string

	ShutdownTimeout time.Duration
}

type bootError struct{ err error }

func (e *bootError) Error() string { return e.err.Error() }
func (e *bootError) Unwrap() error { return e.err }

// IsBootFailure reports whether err means the application could not be
// brought up at all.
func IsBootFailure(err error) bool {
	var be *bootError
	return errors.As(err, &be)
}

// Run serves until ctx is cancelled, then drains in-flight requests up
// to the shutdown timeout.
func Run(ctx context.Context, opts Options) error {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	handler, err := app.Resolve(opts.App)
	if err != nil {
		return &bootError{err: err}
	}

	ln, err := listener.FromFD(opts.FD)
	if err != nil {
		return &bootError{err: err}
	}

	bounded := listener.NewBounded(ln, opts.Threads)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(bounded)
	}()

	log.Info().
		Int("pid", os.Getpid()).
		Str("app", opts.App).
		Int("threads", opts.Threads).
		Msg("worker serving")

	if opts.ReadyFile != "" {
		if err := writeReadyFile(opts.ReadyFile); err != nil {
			log.Warn().Err(err).Msg("failed to write ready file")
		}
	}

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serve")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Int("pid", os.Getpid()).Msg("worker draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return errors.Wrap(err, "drain timed out")
	}
	return nil
}

func writeReadyFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir ready dir")
	}
	content := fmt.Sprintf("%d\n", os.Getpid())
	return errors.Wrap(os.WriteFile(path, []byte(content), 0o644), "write ready file")
}
