package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
	"gamewarden/internal/query"
	"gamewarden/internal/supervisor"
)

type fakeRestarter struct {
	reasons []supervisor.RestartReason
}

func (f *fakeRestarter) RequestRestart(reason supervisor.RestartReason) {
	f.reasons = append(f.reasons, reason)
}

type scriptedMonitor struct {
	*Monitor
	restarter *fakeRestarter

	memPct    float64
	reachable bool
}

func newScriptedMonitor(t *testing.T, k int) *scriptedMonitor {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	cfg := &config.HealthConfig{
		Interval:           config.Duration(30 * time.Second),
		Window:             5,
		ConsecutiveSamples: k,
		CPUThresholdPct:    90,
		MemThresholdPct:    90,
		DiskThresholdPct:   95,
	}

	sm := &scriptedMonitor{restarter: &fakeRestarter{}, memPct: 10, reachable: true}
	status := func(context.Context) (*query.ServerStatus, error) {
		return &query.ServerStatus{
			Reachable: sm.reachable,
			Source:    query.SourcePrimary,
			SampledAt: time.Now(),
		}, nil
	}
	sm.Monitor = New(cfg, "/", status, sm.restarter, zap.NewNop(), bus)
	sm.resources = func(context.Context) (float64, float64, float64, error) {
		return 10, sm.memPct, 20, nil
	}
	return sm
}

func (sm *scriptedMonitor) sample() {
	sm.sampleOnce(context.Background())
}

func TestVerdict_HealthyBaseline(t *testing.T) {
	sm := newScriptedMonitor(t, 3)
	sm.sample()
	assert.Equal(t, VerdictHealthy, sm.Verdict())
	assert.Empty(t, sm.restarter.reasons)
}

func TestVerdict_SingleBreachIsDegraded(t *testing.T) {
	sm := newScriptedMonitor(t, 3)
	sm.memPct = 95
	sm.sample()
	assert.Equal(t, VerdictDegraded, sm.Verdict())
	assert.Empty(t, sm.restarter.reasons)

	// Recovery clears the streak.
	sm.memPct = 10
	sm.sample()
	assert.Equal(t, VerdictHealthy, sm.Verdict())
}

func TestVerdict_SustainedBreachIsUnhealthy(t *testing.T) {
	sm := newScriptedMonitor(t, 3)
	sm.memPct = 95

	sm.sample()
	sm.sample()
	assert.Equal(t, VerdictDegraded, sm.Verdict(), "below k consecutive samples")
	assert.Empty(t, sm.restarter.reasons)

	sm.sample()
	assert.Equal(t, VerdictUnhealthy, sm.Verdict())
	require.Len(t, sm.restarter.reasons, 1)
	assert.Equal(t, supervisor.ReasonHealthFailure, sm.restarter.reasons[0])
}

func TestVerdict_SustainedUnreachableIsUnhealthy(t *testing.T) {
	sm := newScriptedMonitor(t, 2)
	sm.reachable = false

	sm.sample()
	assert.Equal(t, VerdictDegraded, sm.Verdict())

	sm.sample()
	assert.Equal(t, VerdictUnhealthy, sm.Verdict())
	assert.Len(t, sm.restarter.reasons, 1)
}

func TestRestart_OncePerEpisode(t *testing.T) {
	sm := newScriptedMonitor(t, 2)
	sm.memPct = 95

	// Enter and remain in the unhealthy episode.
	sm.sample()
	sm.sample()
	sm.sample()
	sm.sample()
	assert.Equal(t, VerdictUnhealthy, sm.Verdict())
	assert.Len(t, sm.restarter.reasons, 1, "one request per unhealthy episode")

	// A dip to Degraded does not re-arm; only full Healthy does.
	sm.memPct = 10
	sm.reachable = false
	sm.sample()
	assert.Equal(t, VerdictDegraded, sm.Verdict())
	sm.reachable = true
	sm.memPct = 95
	sm.sample()
	sm.sample()
	assert.Equal(t, VerdictUnhealthy, sm.Verdict())
	assert.Len(t, sm.restarter.reasons, 1)

	// Full recovery re-arms; the next episode fires again.
	sm.memPct = 10
	sm.sample()
	assert.Equal(t, VerdictHealthy, sm.Verdict())
	sm.memPct = 95
	sm.sample()
	sm.sample()
	assert.Len(t, sm.restarter.reasons, 2)
}

func TestVerdictChangePublishesEvent(t *testing.T) {
	sm := newScriptedMonitor(t, 1)
	changes := sm.bus.Subscribe(events.HealthVerdictChanged)

	sm.memPct = 95
	sm.sample()

	select {
	case ev := <-changes:
		data, ok := ev.Data.(events.HealthData)
		require.True(t, ok)
		assert.Equal(t, "healthy", data.OldVerdict)
		assert.Equal(t, "unhealthy", data.NewVerdict)
		assert.Equal(t, 95.0, data.MemPct)
	case <-time.After(time.Second):
		t.Fatal("no verdict-change event")
	}
}

func TestHistory_RingIsBounded(t *testing.T) {
	sm := newScriptedMonitor(t, 3)
	for i := 0; i < 12; i++ {
		sm.sample()
	}
	history := sm.History()
	assert.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].SampledAt.Before(history[i-1].SampledAt), "samples must stay time-ordered")
	}
}

func TestApplyConfig_ThresholdsTakeEffect(t *testing.T) {
	sm := newScriptedMonitor(t, 3)
	sm.memPct = 85
	sm.sample()
	assert.Equal(t, VerdictHealthy, sm.Verdict())

	sm.ApplyConfig(&config.HealthConfig{
		Interval:           config.Duration(30 * time.Second),
		Window:             5,
		ConsecutiveSamples: 3,
		CPUThresholdPct:    90,
		MemThresholdPct:    80,
		DiskThresholdPct:   95,
	})
	sm.sample()
	assert.Equal(t, VerdictDegraded, sm.Verdict())
}

func TestApplyConfig_ConcurrentWithRun(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	cfg := &config.HealthConfig{
		Interval:           config.Duration(5 * time.Millisecond),
		Window:             5,
		ConsecutiveSamples: 3,
		CPUThresholdPct:    90,
		MemThresholdPct:    90,
		DiskThresholdPct:   95,
	}
	status := func(context.Context) (*query.ServerStatus, error) {
		return &query.ServerStatus{
			Reachable: true,
			Source:    query.SourcePrimary,
			SampledAt: time.Now(),
		}, nil
	}
	m := New(cfg, "/", status, &fakeRestarter{}, zap.NewNop(), bus)
	m.resources = func(context.Context) (float64, float64, float64, error) {
		return 10, 10, 20, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i := 0; i < 20; i++ {
		next := *cfg
		next.MemThresholdPct = float64(50 + i)
		m.ApplyConfig(&next)
		time.Sleep(time.Millisecond)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
