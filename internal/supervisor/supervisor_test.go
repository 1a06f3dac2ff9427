//go:build !windows

package supervisor

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
)

func testOptions() Options {
	return Options{
		Name:            "test-server",
		Binary:          "/bin/sh",
		Args:            []string{"-c", "exec sleep 60"},
		WorkDir:         "",
		StartupGrace:    300 * time.Millisecond,
		MaxCrashes:      3,
		GracefulTimeout: 5 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, opts Options, probe ProbeFunc) (*Supervisor, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(opts, zap.NewNop(), bus, probe), bus
}

func TestStartStop(t *testing.T) {
	sup, _ := newTestSupervisor(t, testOptions(), nil)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))

	snap := sup.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.NotZero(t, snap.PID)
	assert.False(t, snap.InTransition())

	require.NoError(t, sup.Stop(ctx, true, 5*time.Second))
	assert.Equal(t, StateStopped, sup.Snapshot().State)
}

func TestStart_AlreadyRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t, testOptions(), nil)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx, false, time.Second)

	assert.ErrorIs(t, sup.Start(ctx), ErrAlreadyRunning)
}

func TestStop_NotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t, testOptions(), nil)
	assert.ErrorIs(t, sup.Stop(context.Background(), true, time.Second), ErrNotRunning)
}

func TestStart_ImmediateExitIsStartupTimeout(t *testing.T) {
	opts := testOptions()
	opts.Args = []string{"-c", "exit 1"}
	opts.StartupGrace = 2 * time.Second
	sup, _ := newTestSupervisor(t, opts, nil)

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, StateCrashed, sup.Snapshot().State)
}

func TestStart_ProbeSuccessSignalsLiveness(t *testing.T) {
	opts := testOptions()
	opts.StartupGrace = 30 * time.Second // probe, not grace expiry, must end the wait

	probed := make(chan struct{}, 1)
	probe := func(ctx context.Context) bool {
		select {
		case probed <- struct{}{}:
		default:
		}
		return true
	}

	sup, _ := newTestSupervisor(t, opts, probe)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx, false, time.Second)

	assert.Less(t, time.Since(start), 10*time.Second)
	select {
	case <-probed:
	default:
		t.Fatal("probe was never consulted")
	}
	assert.Equal(t, StateRunning, sup.Snapshot().State)
}

func TestLifecycleEventsPublished(t *testing.T) {
	sup, bus := newTestSupervisor(t, testOptions(), nil)
	started := bus.Subscribe(events.ProcessStarted)
	stopped := bus.Subscribe(events.ProcessStopped)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	select {
	case ev := <-started:
		data, ok := ev.Data.(events.LifecycleData)
		require.True(t, ok)
		assert.Equal(t, "running", data.NewState)
		assert.NotZero(t, data.PID)
	case <-time.After(time.Second):
		t.Fatal("no ProcessStarted event")
	}

	require.NoError(t, sup.Stop(ctx, true, 5*time.Second))
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("no ProcessStopped event")
	}
}

func TestRequestRestart_CoalescesBurst(t *testing.T) {
	sup, _ := newTestSupervisor(t, testOptions(), nil)

	// No Run loop is draining the channel, so the pending flag stays set
	// for the whole burst.
	sup.RequestRestart(ReasonHealthFailure)
	sup.RequestRestart(ReasonIdleTimeout)
	sup.RequestRestart(ReasonManual)

	require.Len(t, sup.restartCh, 1)
	req := <-sup.restartCh
	assert.Equal(t, ReasonHealthFailure, req.Reason, "first reason wins")
}

func TestRun_RestartExecutesOnce(t *testing.T) {
	sup, bus := newTestSupervisor(t, testOptions(), nil)
	restarted := bus.Subscribe(events.ProcessRestarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	firstPID := sup.Snapshot().PID

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	// Concurrent requests within the same episode coalesce to one restart.
	sup.RequestRestart(ReasonHealthFailure)
	sup.RequestRestart(ReasonIdleTimeout)

	select {
	case ev := <-restarted:
		data, ok := ev.Data.(events.LifecycleData)
		require.True(t, ok)
		assert.Equal(t, string(ReasonHealthFailure), data.Reason)
	case <-time.After(30 * time.Second):
		t.Fatal("no ProcessRestarted event")
	}

	snap := sup.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.NotEqual(t, firstPID, snap.PID)

	// No second restart pending.
	assert.Len(t, sup.restartCh, 0)

	cancel()
	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
	assert.Equal(t, StateStopped, sup.Snapshot().State)
}

func TestRun_CrashExhaustsAfterCap(t *testing.T) {
	opts := testOptions()
	opts.MaxCrashes = 0 // first crash exhausts
	sup, bus := newTestSupervisor(t, opts, nil)
	exhaustedEvents := bus.Subscribe(events.SupervisorExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	go sup.Run(ctx)

	pid := sup.Snapshot().PID
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	select {
	case <-sup.Fatal():
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exhaust after crash cap")
	}

	select {
	case ev := <-exhaustedEvents:
		data, ok := ev.Data.(events.LifecycleData)
		require.True(t, ok)
		assert.Equal(t, 1, data.Crashes)
	case <-time.After(time.Second):
		t.Fatal("no SupervisorExhausted event")
	}

	snap := sup.Snapshot()
	assert.True(t, snap.Exhausted)
	assert.Equal(t, StateStopped, snap.State)

	// A fourth restart attempt is refused outright.
	assert.ErrorIs(t, sup.Start(ctx), ErrSupervisorExhausted)
}

func TestRun_CrashRestartsWithBackoff(t *testing.T) {
	opts := testOptions()
	opts.MaxCrashes = 2
	sup, _ := newTestSupervisor(t, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	go sup.Run(ctx)

	firstPID := sup.Snapshot().PID
	require.NoError(t, syscall.Kill(firstPID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		snap := sup.Snapshot()
		return snap.State == StateRunning && snap.PID != firstPID
	}, 30*time.Second, 100*time.Millisecond, "process was not restarted after crash")

	assert.Equal(t, 1, sup.Snapshot().Crashes)
}

func TestCrashBackoff_CapsExponent(t *testing.T) {
	assert.Equal(t, config.InitialCrashBackoff, crashBackoff(1))
	assert.Equal(t, 2*config.InitialCrashBackoff, crashBackoff(2))
	assert.Equal(t, config.MaxCrashBackoff, crashBackoff(20))
	assert.Equal(t, config.InitialCrashBackoff, crashBackoff(0))
}

func TestValidTransitionTable(t *testing.T) {
	require.NoError(t, validTransition(StateStopped, StateStarting))
	require.NoError(t, validTransition(StateRunning, StateCrashed))
	require.NoError(t, validTransition(StateCrashed, StateRestartBackoff))

	err := validTransition(StateStopped, StateRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid process state transition")
}

func TestSnapshot_InTransition(t *testing.T) {
	assert.True(t, Snapshot{State: StateStarting}.InTransition())
	assert.True(t, Snapshot{State: StateStopping}.InTransition())
	assert.True(t, Snapshot{State: StateRestartBackoff}.InTransition())
	assert.False(t, Snapshot{State: StateRunning}.InTransition())
	assert.False(t, Snapshot{State: StateStopped}.InTransition())
	assert.False(t, Snapshot{State: StateCrashed}.InTransition())
}
