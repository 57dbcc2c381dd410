// Package supervise runs the worker fleet: it owns the shared
// listening socket, spawns one worker process per slot, respawns
// crashed workers, and cycles workers one at a time on reload so the
// port never stops accepting.
package supervise

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/prefork/pkg/config"
	"github.com/go-go-golems/prefork/pkg/events"
	"github.com/go-go-golems/prefork/pkg/listener"
	"github.com/go-go-golems/prefork/pkg/state"
	"github.com/go-go-golems/prefork/pkg/worker"
)

// WorkerSpawn carries everything a worker command needs at spawn time.
type WorkerSpawn struct {
	Slot      int
	ReadyFile string
	Listener  *os.File
	Config    config.Launch
}

// WorkerFactory builds the command for one worker process. The default
// re-executes the current binary with the hidden __worker subcommand;
// tests substitute stub processes.
type WorkerFactory func(sp WorkerSpawn) (*exec.Cmd, error)

// DefaultWorkerFactory re-executes the running binary as a worker.
func DefaultWorkerFactory(sp WorkerSpawn) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate own executable")
	}
	args := []string{
		"__worker",
		"--app", sp.Config.App,
		"--threads", strconv.Itoa(sp.Config.Threads),
		"--ready-file", sp.ReadyFile,
		"--shutdown-timeout", sp.Config.ShutdownTimeout.String(),
	}
	// #nosec G204 -- the command is this binary with launch config args.
	cmd := exec.Command(exe, args...)
	return cmd, nil
}

type Options struct {
	RepoRoot string
	Config   config.Launch

	// Bus receives lifecycle events when non-nil.
	Bus *events.Bus

	// Factory defaults to DefaultWorkerFactory.
	Factory WorkerFactory

	// RespawnBackoff is the initial delay before respawning a crashed
	// worker; it doubles per consecutive crash, capped at 5s.
	RespawnBackoff time.Duration
}

type slot struct {
	idx int

	mu       sync.Mutex
	pid      int
	readyPID int // pid of the last worker that reported ready
	cycling  bool
	started  time.Time
}

func (sl *slot) currentPID() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.pid
}

func (sl *slot) currentReadyPID() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.readyPID
}

func (sl *slot) markCycling() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.cycling = true
}

func (sl *slot) takeCycling() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	was := sl.cycling
	sl.cycling = false
	return was
}

type reloadRequest struct {
	source string
	paths  []string
}

type Supervisor struct {
	opts Options

	ln *net.TCPListener
	lf *os.File

	slots    []*slot
	reloadCh chan reloadRequest

	stateMu sync.Mutex
	st      *state.State
}

func New(opts Options) (*Supervisor, error) {
	if opts.RepoRoot == "" {
		return nil, errors.New("missing RepoRoot")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid launch config")
	}
	if opts.Factory == nil {
		opts.Factory = DefaultWorkerFactory
	}
	if opts.RespawnBackoff <= 0 {
		opts.RespawnBackoff = 500 * time.Millisecond
	}
	if opts.Config.StartupTimeout <= 0 {
		opts.Config.StartupTimeout = 30 * time.Second
	}

	s := &Supervisor{
		opts:     opts,
		reloadCh: make(chan reloadRequest, 4),
	}
	for i := 0; i < opts.Config.Workers; i++ {
		s.slots = append(s.slots, &slot{idx: i})
	}
	return s, nil
}

// Start binds the listening socket and records the launch state. The
// socket is bound exactly once here; workers only ever inherit it. A
// bind failure is a startup failure for the caller.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := os.MkdirAll(state.LogsDir(s.opts.RepoRoot), 0o755); err != nil {
		return errors.Wrap(err, "mkdir logs dir")
	}

	ln, err := listener.Bind(s.opts.Config.Bind)
	if err != nil {
		return err
	}
	lf, err := listener.File(ln)
	if err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln
	s.lf = lf

	s.st = &state.State{
		RepoRoot:      s.opts.RepoRoot,
		SupervisorPID: os.Getpid(),
		Bind:          s.opts.Config.Bind,
		App:           s.opts.Config.App,
		CreatedAt:     time.Now(),
		Workers:       make([]state.WorkerRecord, s.opts.Config.Workers),
	}
	if err := state.Save(s.opts.RepoRoot, s.st); err != nil {
		_ = s.closeListener()
		return err
	}

	s.publish(events.TypeSupervisorStarted, nil)
	log.Info().
		Str("bind", s.opts.Config.Bind).
		Int("workers", s.opts.Config.Workers).
		Int("threads", s.opts.Config.Threads).
		Str("app", s.opts.Config.App).
		Msg("supervisor listening")
	return nil
}

// Addr returns the bound address; useful when the config asked for
// port 0.
func (s *Supervisor) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// TriggerReload requests a rolling restart of all workers. source is
// "watch" or "sighup".
func (s *Supervisor) TriggerReload(source string, paths []string) {
	select {
	case s.reloadCh <- reloadRequest{source: source, paths: paths}:
	default:
		// A reload is already queued; collapsing bursts is fine.
	}
}

// Run spawns the workers and supervises them until ctx is cancelled
// (graceful shutdown, returns nil) or a worker fails to boot (returns
// the fatal error). Start must have been called.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("supervisor not started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, sl := range s.slots {
		g.Go(func() error { return s.runSlot(gctx, sl) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case req := <-s.reloadCh:
				s.rollingRestart(gctx, req)
			}
		}
	})

	err := g.Wait()

	s.publish(events.TypeSupervisorStopping, nil)
	s.stopAll()
	_ = s.closeListener()
	_ = state.Remove(s.opts.RepoRoot)

	if err != nil {
		return err
	}
	return nil
}

// runSlot owns one worker slot: spawn, wait for ready, observe exit,
// respawn. It returns only on shutdown or on a fatal boot failure.
func (s *Supervisor) runSlot(ctx context.Context, sl *slot) error {
	backoff := s.opts.RespawnBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		sp, err := s.spawn(sl)
		if err != nil {
			return errors.Wrapf(err, "spawn worker %d", sl.idx)
		}
		proc := sp.cmd
		pid := proc.Process.Pid
		s.publish(events.TypeWorkerStarted, events.WorkerEvent{Slot: sl.idx, PID: pid})
		log.Info().Int("slot", sl.idx).Int("pid", pid).Msg("worker started")

		ready := s.awaitReady(ctx, sp.readyFile, pid)
		if ready {
			backoff = s.opts.RespawnBackoff
			s.recordWorker(sl, pid, sp)
			sl.mu.Lock()
			sl.readyPID = pid
			sl.mu.Unlock()
			s.publish(events.TypeWorkerReady, events.WorkerEvent{Slot: sl.idx, PID: pid})
		} else if ctx.Err() == nil && state.ProcessAlive(pid) {
			// The worker is up but never reported ready; treat it as a
			// failed boot rather than leaving it half-serving.
			termCtx, tcancel := context.WithTimeout(context.Background(), s.opts.Config.ShutdownTimeout+3*time.Second)
			_ = terminatePIDGroup(termCtx, pid, s.opts.Config.ShutdownTimeout)
			tcancel()
		}

		waitCh := make(chan error, 1)
		go func() { waitCh <- proc.Wait() }()

		var waitErr error
		select {
		case waitErr = <-waitCh:
		case <-ctx.Done():
			// Graceful shutdown: drain this worker, then collect it.
			termCtx, cancel := context.WithTimeout(context.Background(), s.opts.Config.ShutdownTimeout+3*time.Second)
			_ = terminatePIDGroup(termCtx, pid, s.opts.Config.ShutdownTimeout)
			cancel()
			waitErr = <-waitCh
		}
		exitCode, sig := decodeExit(waitErr)
		s.writeExitInfo(sp, sl, pid, exitCode, sig, waitErr)
		s.publish(events.TypeWorkerExited, events.WorkerEvent{
			Slot: sl.idx, PID: pid, ExitCode: exitCode, Signal: sig,
		})

		if ctx.Err() != nil {
			return nil
		}

		if !ready {
			if exitCode != nil && *exitCode == worker.BootFailureExitCode {
				return errors.Errorf("worker %d failed to boot: application entry point unresolvable", sl.idx)
			}
			return errors.Errorf("worker %d exited before becoming ready", sl.idx)
		}

		if sl.takeCycling() {
			log.Info().Int("slot", sl.idx).Int("pid", pid).Msg("worker recycled")
			continue
		}

		log.Warn().
			Int("slot", sl.idx).
			Int("pid", pid).
			Dur("backoff", backoff).
			Msg("worker exited unexpectedly, respawning")
		s.publish(events.TypeWorkerRespawned, events.WorkerEvent{Slot: sl.idx, PID: pid, Reason: "crash"})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// spawned ties a running worker command to the per-spawn files the
// supervisor needs again later: the ready file, the exit info path,
// and the log files whose tail explains a crash.
type spawned struct {
	cmd          *exec.Cmd
	readyFile    string
	exitInfoPath string
	stdoutLog    string
	stderrLog    string
}

func (s *Supervisor) spawn(sl *slot) (*spawned, error) {
	logsDir := state.LogsDir(s.opts.RepoRoot)
	ts := time.Now().Format("20060102-150405.000")
	prefix := filepath.Join(logsDir, "worker-"+strconv.Itoa(sl.idx)+"-"+ts)
	sp := &spawned{
		readyFile:    prefix + ".ready",
		exitInfoPath: prefix + ".exit.json",
		stdoutLog:    prefix + ".stdout.log",
		stderrLog:    prefix + ".stderr.log",
	}

	stdoutFile, err := os.OpenFile(sp.stdoutLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open stdout log")
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(sp.stderrLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open stderr log")
	}
	defer func() { _ = stderrFile.Close() }()

	cmd, err := s.opts.Factory(WorkerSpawn{
		Slot:      sl.idx,
		ReadyFile: sp.readyFile,
		Listener:  s.lf,
		Config:    s.opts.Config,
	})
	if err != nil {
		return nil, err
	}

	cmd.Dir = s.opts.RepoRoot
	cmd.Env = append(os.Environ(), "PREFORK_WORKER_SLOT="+strconv.Itoa(sl.idx))
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.ExtraFiles = []*os.File{s.lf}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start worker")
	}
	sp.cmd = cmd

	sl.mu.Lock()
	sl.pid = cmd.Process.Pid
	sl.started = time.Now()
	sl.mu.Unlock()

	return sp, nil
}

// awaitReady polls for the worker's ready file until it appears, the
// worker dies, or the startup timeout passes.
func (s *Supervisor) awaitReady(ctx context.Context, readyFile string, pid int) bool {
	deadline := time.Now().Add(s.opts.Config.StartupTimeout)
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()

	for {
		if _, err := os.Stat(readyFile); err == nil {
			return true
		}
		if !state.ProcessAlive(pid) {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

// rollingRestart cycles workers one slot at a time, waiting for each
// replacement to report ready before moving on, so capacity never
// drops by more than one worker.
func (s *Supervisor) rollingRestart(ctx context.Context, req reloadRequest) {
	s.publish(events.TypeReloadTriggered, events.ReloadEvent{Source: req.source, Paths: req.paths})
	log.Info().Str("source", req.source).Strs("paths", req.paths).Msg("rolling restart")

	for _, sl := range s.slots {
		oldPID := sl.currentPID()
		if oldPID <= 0 {
			continue
		}
		sl.markCycling()
		if err := terminatePIDGroup(ctx, oldPID, s.opts.Config.ShutdownTimeout); err != nil {
			log.Warn().Err(err).Int("slot", sl.idx).Msg("failed to stop worker for reload")
		}

		replacementDeadline := time.Now().Add(s.opts.Config.StartupTimeout)
		t := time.NewTicker(25 * time.Millisecond)
		for {
			if rp := sl.currentReadyPID(); rp > 0 && rp != oldPID {
				break
			}
			if time.Now().After(replacementDeadline) {
				log.Warn().Int("slot", sl.idx).Msg("replacement worker not ready before timeout")
				break
			}
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		t.Stop()
	}
}

func (s *Supervisor) stopAll() {
	var wg sync.WaitGroup
	for _, sl := range s.slots {
		pid := sl.currentPID()
		if pid <= 0 {
			continue
		}
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Config.ShutdownTimeout+3*time.Second)
			defer cancel()
			_ = terminatePIDGroup(ctx, pid, s.opts.Config.ShutdownTimeout)
		}(pid)
	}
	wg.Wait()
}

func (s *Supervisor) closeListener() error {
	var err error
	if s.lf != nil {
		_ = s.lf.Close()
		s.lf = nil
	}
	if s.ln != nil {
		err = s.ln.Close()
		s.ln = nil
	}
	return err
}

func (s *Supervisor) recordWorker(sl *slot, pid int, sp *spawned) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.st == nil || sl.idx >= len(s.st.Workers) {
		return
	}
	s.st.Workers[sl.idx] = state.WorkerRecord{
		Slot:      sl.idx,
		PID:       pid,
		Env:       state.SanitizeEnv(map[string]string{"PREFORK_WORKER_SLOT": strconv.Itoa(sl.idx)}),
		StdoutLog: sp.stdoutLog,
		StderrLog: sp.stderrLog,
		StartedAt: time.Now(),
	}
	if err := state.Save(s.opts.RepoRoot, s.st); err != nil {
		log.Warn().Err(err).Msg("failed to persist state")
	}
}

// exitTailLines bounds the stderr excerpt captured into exit info.
const exitTailLines = 20

func (s *Supervisor) writeExitInfo(sp *spawned, sl *slot, pid int, exitCode *int, sig string, waitErr error) {
	info := state.ExitInfo{
		Slot:     sl.idx,
		PID:      pid,
		ExitedAt: time.Now(),
		ExitCode: exitCode,
		Signal:   sig,
	}
	sl.mu.Lock()
	info.StartedAt = sl.started
	sl.mu.Unlock()
	if waitErr != nil {
		info.Error = waitErr.Error()
	}
	if lines, err := state.TailLines(sp.stderrLog, exitTailLines, 256<<10); err == nil {
		info.StderrTail = lines
	}
	if err := state.WriteExitInfo(sp.exitInfoPath, info); err != nil {
		log.Warn().Err(err).Msg("failed to write exit info")
	}

	s.stateMu.Lock()
	if s.st != nil && sl.idx < len(s.st.Workers) {
		s.st.Workers[sl.idx].ExitInfo = sp.exitInfoPath
		_ = state.Save(s.opts.RepoRoot, s.st)
	}
	s.stateMu.Unlock()
}

func (s *Supervisor) publish(typ string, payload any) {
	if s.opts.Bus == nil {
		return
	}
	if err := s.opts.Bus.Publish(typ, payload); err != nil {
		log.Warn().Err(err).Str("event", typ).Msg("failed to publish lifecycle event")
	}
}

func decodeExit(waitErr error) (*int, string) {
	if waitErr == nil {
		code := 0
		return &code, ""
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return nil, ws.Signal().String()
			}
			if ws.Exited() {
				code := ws.ExitStatus()
				return &code, ""
			}
		}
	}
	return nil, ""
}

func terminatePIDGroup(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	waitDeadline := time.Now().Add(timeout)
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()

	for {
		if !state.ProcessAlive(pid) {
			return nil
		}
		if time.Now().After(waitDeadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(killDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if state.ProcessAlive(pid) {
		return errors.New("failed to stop worker")
	}
	return nil
}
