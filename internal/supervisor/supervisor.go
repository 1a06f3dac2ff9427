package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
)

// Sentinel errors surfaced by lifecycle operations.
var (
	// ErrStartupTimeout means the process produced neither a successful
	// liveness probe nor survived the grace window.
	ErrStartupTimeout = errors.New("startup timeout: no liveness signal within grace window")

	// ErrSupervisorExhausted means the consecutive-crash cap was exceeded
	// and the supervisor gave up. Fatal for the top-level run.
	ErrSupervisorExhausted = errors.New("supervisor exhausted: crash cap exceeded")

	ErrAlreadyRunning = errors.New("process already running")
	ErrNotRunning     = errors.New("process not running")
)

// Options configures a Supervisor.
type Options struct {
	Name            string
	Binary          string
	Args            []string
	WorkDir         string
	StartupGrace    time.Duration
	MaxCrashes      int
	GracefulTimeout time.Duration
	NoticeDelay     time.Duration
}

// ProbeFunc reports whether the supervised process answers a status query.
// Used as the liveness signal during startup.
type ProbeFunc func(ctx context.Context) bool

// AnnounceFunc broadcasts a message to connected players. Best effort; used
// for shutdown notices.
type AnnounceFunc func(ctx context.Context, msg string) error

// HistoryRecorder persists restart events for operator inspection. May be
// nil; persistence failures never affect lifecycle decisions.
type HistoryRecorder interface {
	RecordRestart(reason string, at time.Time) error
}

type exitResult struct {
	err error
}

// process is one spawned instance of the external binary.
type process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan exitResult // closed after Wait returns
}

// Supervisor spawns, signals, waits on, and force-terminates the external
// game-server process. All state transitions are serialized through opMu;
// the Run loop is the only consumer of restart requests and crash signals.
type Supervisor struct {
	opts    Options
	logger  *zap.Logger
	bus     *events.Bus
	probe   ProbeFunc
	notify  AnnounceFunc
	history HistoryRecorder

	// opMu serializes lifecycle operations so at most one transition is in
	// flight at a time.
	opMu sync.Mutex

	// stateMu guards snapshot fields only, so readers never block on a
	// lifecycle operation in progress.
	stateMu   sync.RWMutex
	state     ProcessState
	proc      *process
	crashes   int
	exhausted bool

	restartPending atomic.Bool
	restartCh      chan RestartRequest
	crashCh        chan *process
	fatalCh        chan struct{}
	fatalOnce      sync.Once
}

// New creates a Supervisor. probe supplies the liveness signal for Start;
// notify and history are optional.
func New(opts Options, logger *zap.Logger, bus *events.Bus, probe ProbeFunc) *Supervisor {
	return &Supervisor{
		opts:      opts,
		logger:    logger.Named("supervisor"),
		bus:       bus,
		probe:     probe,
		state:     StateStopped,
		restartCh: make(chan RestartRequest, 1),
		crashCh:   make(chan *process, 1),
		fatalCh:   make(chan struct{}),
	}
}

// SetAnnouncer installs the shutdown-notice broadcaster.
func (s *Supervisor) SetAnnouncer(fn AnnounceFunc) { s.notify = fn }

// SetHistoryRecorder installs the restart history sink.
func (s *Supervisor) SetHistoryRecorder(h HistoryRecorder) { s.history = h }

// Snapshot returns an immutable copy of the current process state.
func (s *Supervisor) Snapshot() Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	snap := Snapshot{
		State:     s.state,
		Crashes:   s.crashes,
		Exhausted: s.exhausted,
	}
	if s.proc != nil {
		snap.PID = s.proc.pid
		snap.StartedAt = s.proc.startedAt
	}
	return snap
}

// Fatal returns a channel closed when the supervisor gives up after
// exceeding the crash cap. The top-level run loop exits non-zero on it.
func (s *Supervisor) Fatal() <-chan struct{} { return s.fatalCh }

// RequestRestart submits a restart request. Requests arriving while a
// restart is pending or executing are absorbed: at most one restart
// executes per burst. The first reason wins.
func (s *Supervisor) RequestRestart(reason RestartReason) {
	if !s.restartPending.CompareAndSwap(false, true) {
		s.logger.Debug("Restart request absorbed by pending restart",
			zap.String("reason", string(reason)))
		return
	}
	s.restartCh <- RestartRequest{Reason: reason, RequestedAt: time.Now()}
	s.logger.Info("Restart requested", zap.String("reason", string(reason)))
}

// Run consumes restart requests and crash signals until ctx is cancelled.
// On cancellation it performs a final graceful stop with a bounded timeout
// so the external process is never orphaned.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.GracefulTimeout+config.ForceKillGrace)
			err := s.Stop(stopCtx, true, s.opts.GracefulTimeout)
			cancel()
			if err != nil && !errors.Is(err, ErrNotRunning) {
				s.logger.Warn("Final stop on shutdown failed", zap.Error(err))
			}
			return ctx.Err()

		case req := <-s.restartCh:
			s.executeRestart(ctx, req)

		case proc := <-s.crashCh:
			s.handleCrash(ctx, proc)
		}
	}
}

// Start spawns the external process and waits for a liveness signal: the
// first successful probe, or survival of the full grace window, whichever
// comes first. Neither within the window fails with ErrStartupTimeout and
// leaves the process in Crashed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	snap := s.Snapshot()
	if snap.Exhausted {
		return ErrSupervisorExhausted
	}
	switch snap.State {
	case StateStopped, StateCrashed, StateRestartBackoff:
	case StateRunning, StateStarting:
		return ErrAlreadyRunning
	default:
		return fmt.Errorf("cannot start from state %s", snap.State)
	}

	if err := s.transition(StateStarting, string(ReasonManual)); err != nil {
		return err
	}

	cmd := exec.Command(s.opts.Binary, s.opts.Args...)
	cmd.Dir = s.opts.WorkDir
	setProcAttributes(cmd)

	if err := cmd.Start(); err != nil {
		s.transitionForce(StateCrashed, "spawn_failed")
		return fmt.Errorf("failed to spawn %s: %w", s.opts.Binary, err)
	}

	proc := &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan exitResult, 1),
	}

	s.stateMu.Lock()
	s.proc = proc
	s.stateMu.Unlock()

	go s.reap(proc)

	s.logger.Info("Process spawned, waiting for liveness",
		zap.Int("pid", proc.pid),
		zap.Duration("grace", s.opts.StartupGrace))

	if err := s.awaitLiveness(ctx, proc); err != nil {
		// The process is not coming up; make sure it is gone before
		// reporting the failure.
		_ = proc.cmd.Process.Kill()
		s.drainExit(proc, config.ForceKillGrace)
		s.transitionForce(StateCrashed, "startup_timeout")
		return err
	}

	if err := s.transition(StateRunning, ""); err != nil {
		return err
	}
	return nil
}

// awaitLiveness polls the probe until success, process exit, grace expiry,
// or cancellation.
func (s *Supervisor) awaitLiveness(ctx context.Context, proc *process) error {
	graceCtx, cancel := context.WithTimeout(ctx, s.opts.StartupGrace)
	defer cancel()

	ticker := time.NewTicker(config.LivenessProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-graceCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Grace expired with the process still alive: treat survival
			// of the full window as the liveness signal.
			select {
			case <-proc.done:
				return ErrStartupTimeout
			default:
				return nil
			}

		case <-proc.done:
			return ErrStartupTimeout

		case <-ticker.C:
			if s.probe == nil {
				continue
			}
			probeCtx, probeCancel := context.WithTimeout(graceCtx, config.QueryDialTimeout)
			alive := s.probe(probeCtx)
			probeCancel()
			if alive {
				return nil
			}
		}
	}
}

// Stop transitions Running→Stopping, optionally announces the shutdown,
// sends the cooperative termination signal, waits up to timeout for exit,
// and force-kills if still alive. Ends in Stopped.
func (s *Supervisor) Stop(ctx context.Context, graceful bool, timeout time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx, graceful, timeout)
}

func (s *Supervisor) stopLocked(ctx context.Context, graceful bool, timeout time.Duration) error {
	snap := s.Snapshot()
	if snap.State != StateRunning && snap.State != StateStarting {
		return ErrNotRunning
	}

	s.stateMu.RLock()
	proc := s.proc
	s.stateMu.RUnlock()
	if proc == nil {
		s.transitionForce(StateStopped, "no_process")
		return nil
	}

	if err := s.transition(StateStopping, ""); err != nil {
		return err
	}

	if graceful && s.notify != nil && s.opts.NoticeDelay > 0 {
		noticeCtx, cancel := context.WithTimeout(ctx, config.QueryDialTimeout)
		if err := s.notify(noticeCtx, fmt.Sprintf("Server is shutting down in %d seconds", int(s.opts.NoticeDelay.Seconds()))); err != nil {
			s.logger.Debug("Shutdown notice failed", zap.Error(err))
		} else {
			select {
			case <-time.After(s.opts.NoticeDelay):
			case <-proc.done:
			case <-ctx.Done():
			}
		}
		cancel()
	}

	if graceful {
		if err := terminateProcess(proc.cmd.Process); err != nil {
			s.logger.Warn("Termination signal failed, force-killing", zap.Error(err))
			_ = proc.cmd.Process.Kill()
		}
	} else {
		_ = proc.cmd.Process.Kill()
	}

	select {
	case <-proc.done:
	case <-time.After(timeout):
		s.logger.Warn("Process did not exit within timeout, force-killing",
			zap.Int("pid", proc.pid),
			zap.Duration("timeout", timeout))
		_ = proc.cmd.Process.Kill()
		s.drainExit(proc, config.ForceKillGrace)
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		s.drainExit(proc, config.ForceKillGrace)
	}

	s.transitionForce(StateStopped, "")
	return nil
}

// executeRestart performs stop-then-start for a consumed restart request.
// The pending flag is cleared only after the restart completes, so
// duplicate requests during execution are absorbed.
func (s *Supervisor) executeRestart(ctx context.Context, req RestartRequest) {
	defer s.restartPending.Store(false)

	s.logger.Info("Executing restart",
		zap.String("reason", string(req.Reason)),
		zap.Time("requested_at", req.RequestedAt))

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stopLocked(ctx, true, s.opts.GracefulTimeout); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Error("Restart: stop failed", zap.Error(err))
		return
	}

	select {
	case <-time.After(config.RestartSettleDelay):
	case <-ctx.Done():
		return
	}

	if err := s.startLocked(ctx); err != nil {
		s.logger.Error("Restart: start failed", zap.Error(err))
		return
	}

	s.recordRestart(string(req.Reason))
	s.publish(events.ProcessRestarted, events.LifecycleData{
		NewState: StateRunning.String(),
		Reason:   string(req.Reason),
		PID:      s.Snapshot().PID,
	})
}

// handleCrash reacts to an unexpected exit observed while Running: it
// applies capped exponential backoff and re-enters Starting, or surfaces
// SupervisorExhausted once the consecutive-crash cap is exceeded.
func (s *Supervisor) handleCrash(ctx context.Context, proc *process) {
	s.opMu.Lock()

	s.stateMu.RLock()
	current := s.proc
	state := s.state
	s.stateMu.RUnlock()

	// A stale exit from a process we already replaced or stopped.
	if proc != current || state != StateRunning {
		s.opMu.Unlock()
		return
	}

	// A long healthy run resets the consecutive-crash count.
	uptime := time.Since(proc.startedAt)
	s.stateMu.Lock()
	if uptime > config.CrashCountWindow {
		s.crashes = 0
	}
	s.crashes++
	crashes := s.crashes
	s.stateMu.Unlock()

	s.transitionForce(StateCrashed, "unexpected_exit")
	s.logger.Error("Process crashed",
		zap.Int("pid", proc.pid),
		zap.Duration("uptime", uptime),
		zap.Int("consecutive_crashes", crashes))

	if crashes > s.opts.MaxCrashes {
		s.stateMu.Lock()
		s.exhausted = true
		s.stateMu.Unlock()
		s.transitionForce(StateStopped, "exhausted")
		s.publish(events.SupervisorExhausted, events.LifecycleData{
			NewState: StateStopped.String(),
			Crashes:  crashes,
		})
		s.opMu.Unlock()
		s.fatalOnce.Do(func() { close(s.fatalCh) })
		return
	}

	backoff := crashBackoff(crashes)
	if err := s.transition(StateRestartBackoff, "crash_backoff"); err != nil {
		s.opMu.Unlock()
		return
	}
	s.opMu.Unlock()

	s.logger.Info("Backing off before crash restart",
		zap.Duration("backoff", backoff),
		zap.Int("attempt", crashes))

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return
	}

	s.opMu.Lock()
	err := s.startLocked(ctx)
	s.opMu.Unlock()
	if err != nil {
		s.logger.Error("Crash restart failed", zap.Error(err))
		return
	}
	s.recordRestart(string(ReasonCrash))
}

// reap waits for the spawned process to exit and routes unexpected exits to
// the crash channel.
func (s *Supervisor) reap(proc *process) {
	err := proc.cmd.Wait()
	proc.done <- exitResult{err: err}
	close(proc.done)

	s.stateMu.RLock()
	isCurrent := s.proc == proc
	state := s.state
	s.stateMu.RUnlock()

	if isCurrent && state == StateRunning {
		select {
		case s.crashCh <- proc:
		default:
		}
	}
}

// drainExit waits briefly for the reaper to observe the exit after a kill.
func (s *Supervisor) drainExit(proc *process, timeout time.Duration) {
	select {
	case <-proc.done:
	case <-time.After(timeout):
		s.logger.Warn("Gave up waiting for process reap", zap.Int("pid", proc.pid))
	}
}

// transition validates and applies a state change, publishing the matching
// lifecycle event.
func (s *Supervisor) transition(to ProcessState, reason string) error {
	s.stateMu.Lock()
	from := s.state
	if err := validTransition(from, to); err != nil {
		s.stateMu.Unlock()
		return err
	}
	s.state = to
	pid := 0
	if s.proc != nil {
		pid = s.proc.pid
	}
	crashes := s.crashes
	s.stateMu.Unlock()

	s.logger.Info("Process state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	s.publish(lifecycleEventFor(to), events.LifecycleData{
		OldState: from.String(),
		NewState: to.String(),
		PID:      pid,
		Reason:   reason,
		Crashes:  crashes,
	})
	return nil
}

// transitionForce applies a state change that is known-valid from every
// caller but bypasses table validation on error paths.
func (s *Supervisor) transitionForce(to ProcessState, reason string) {
	if err := s.transition(to, reason); err != nil {
		s.logger.Warn("Forced state transition outside table",
			zap.String("to", to.String()),
			zap.Error(err))
		s.stateMu.Lock()
		s.state = to
		s.stateMu.Unlock()
	}
}

func (s *Supervisor) publish(t events.EventType, data events.LifecycleData) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: t, Data: data})
	}
}

func (s *Supervisor) recordRestart(reason string) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordRestart(reason, time.Now()); err != nil {
		s.logger.Warn("Failed to record restart history", zap.Error(err))
	}
}

func lifecycleEventFor(state ProcessState) events.EventType {
	switch state {
	case StateStarting:
		return events.ProcessStarting
	case StateRunning:
		return events.ProcessStarted
	case StateStopping:
		return events.ProcessStopping
	case StateStopped:
		return events.ProcessStopped
	case StateCrashed:
		return events.ProcessCrashed
	case StateRestartBackoff:
		return events.ProcessBackoff
	default:
		return events.ProcessStarting
	}
}

// crashBackoff returns the capped exponential delay before restart attempt n.
func crashBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	backoff := config.InitialCrashBackoff * time.Duration(1<<uint(n-1))
	if backoff > config.MaxCrashBackoff {
		backoff = config.MaxCrashBackoff
	}
	return backoff
}
