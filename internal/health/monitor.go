// Package health samples system resources and server reachability on a fixed
// interval and derives a health verdict. Sustained failure requests a restart
// through the supervisor; the monitor never touches the process directly.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
	"gamewarden/internal/query"
	"gamewarden/internal/supervisor"
)

// Verdict is the derived health state of the supervised server.
type Verdict int

const (
	VerdictHealthy Verdict = iota
	VerdictDegraded
	VerdictUnhealthy
)

func (v Verdict) String() string {
	switch v {
	case VerdictHealthy:
		return "healthy"
	case VerdictDegraded:
		return "degraded"
	case VerdictUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Sample is one health observation. Samples are retained in a bounded,
// strictly time-ordered ring.
type Sample struct {
	CPUPct    float64             `json:"cpu_pct"`
	MemPct    float64             `json:"mem_pct"`
	DiskPct   float64             `json:"disk_pct"`
	Status    *query.ServerStatus `json:"status,omitempty"`
	Verdict   Verdict             `json:"verdict"`
	SampledAt time.Time           `json:"sampled_at"`
}

// Restarter is the supervisor surface the monitor is allowed to touch.
type Restarter interface {
	RequestRestart(reason supervisor.RestartReason)
}

// StatusFunc provides the server status for a sample.
type StatusFunc func(ctx context.Context) (*query.ServerStatus, error)

// ResourceFunc provides cpu/mem/disk usage percentages. Swappable in tests.
type ResourceFunc func(ctx context.Context) (cpuPct, memPct, diskPct float64, err error)

// Monitor runs the health-sample loop.
type Monitor struct {
	cfg       *config.HealthConfig
	logger    *zap.Logger
	bus       *events.Bus
	restarter Restarter
	status    StatusFunc
	resources ResourceFunc
	now       func() time.Time

	mu               sync.Mutex
	samples          []Sample
	verdict          Verdict
	overStreak       int // consecutive samples with a hard threshold exceeded
	unreachStreak    int // consecutive samples with the server unreachable
	restartRequested bool
}

// New creates a Monitor sampling real system resources. diskPath is the
// volume holding the save directory.
func New(cfg *config.HealthConfig, diskPath string, status StatusFunc, restarter Restarter, logger *zap.Logger, bus *events.Bus) *Monitor {
	return &Monitor{
		cfg:       cfg,
		logger:    logger.Named("health"),
		bus:       bus,
		restarter: restarter,
		status:    status,
		resources: systemResources(diskPath),
		now:       time.Now,
	}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	interval := m.cfg.Interval.Duration()
	consecutive := m.cfg.ConsecutiveSamples
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Health monitoring started",
		zap.Duration("interval", interval),
		zap.Int("consecutive_samples", consecutive))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// sampleOnce takes one observation and applies the verdict rules.
func (m *Monitor) sampleOnce(ctx context.Context) {
	cpuPct, memPct, diskPct, err := m.resources(ctx)
	if err != nil {
		m.logger.Warn("Resource sampling failed", zap.Error(err))
	}

	status, err := m.status(ctx)
	if err != nil {
		// Misconfiguration; the loop keeps running and reports unreachable.
		m.logger.Error("Status query failed", zap.Error(err))
		status = nil
	}

	m.mu.Lock()

	exceeded := m.exceedsHardThreshold(cpuPct, memPct, diskPct)
	reachable := status != nil && status.Reachable

	if exceeded {
		m.overStreak++
	} else {
		m.overStreak = 0
	}
	if reachable {
		m.unreachStreak = 0
	} else {
		m.unreachStreak++
	}

	verdict := VerdictHealthy
	switch {
	case m.overStreak >= m.cfg.ConsecutiveSamples || m.unreachStreak >= m.cfg.ConsecutiveSamples:
		verdict = VerdictUnhealthy
	case exceeded || !reachable:
		verdict = VerdictDegraded
	}

	sample := Sample{
		CPUPct:    cpuPct,
		MemPct:    memPct,
		DiskPct:   diskPct,
		Status:    status,
		Verdict:   verdict,
		SampledAt: m.now(),
	}
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.cfg.Window {
		m.samples = m.samples[len(m.samples)-m.cfg.Window:]
	}

	previous := m.verdict
	m.verdict = verdict

	// One restart per unhealthy episode: re-armed only after a full return
	// to Healthy.
	fire := verdict == VerdictUnhealthy && !m.restartRequested
	if fire {
		m.restartRequested = true
	}
	if verdict == VerdictHealthy {
		m.restartRequested = false
	}

	m.mu.Unlock()

	if verdict != previous {
		m.logger.Info("Health verdict changed",
			zap.String("from", previous.String()),
			zap.String("to", verdict.String()),
			zap.Float64("cpu_pct", cpuPct),
			zap.Float64("mem_pct", memPct),
			zap.Float64("disk_pct", diskPct),
			zap.Bool("reachable", reachable))
		m.publishVerdictChange(previous, verdict, sample, reachable)
	}

	if fire {
		m.logger.Warn("Sustained health failure, requesting restart")
		m.restarter.RequestRestart(supervisor.ReasonHealthFailure)
	}
}

func (m *Monitor) exceedsHardThreshold(cpuPct, memPct, diskPct float64) bool {
	return (m.cfg.CPUThresholdPct > 0 && cpuPct > m.cfg.CPUThresholdPct) ||
		(m.cfg.MemThresholdPct > 0 && memPct > m.cfg.MemThresholdPct) ||
		(m.cfg.DiskThresholdPct > 0 && diskPct > m.cfg.DiskThresholdPct)
}

func (m *Monitor) publishVerdictChange(from, to Verdict, sample Sample, reachable bool) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type: events.HealthVerdictChanged,
		Data: events.HealthData{
			OldVerdict: from.String(),
			NewVerdict: to.String(),
			CPUPct:     sample.CPUPct,
			MemPct:     sample.MemPct,
			DiskPct:    sample.DiskPct,
			Reachable:  reachable,
		},
	})
}

// ApplyConfig swaps in updated thresholds and window sizes; they take effect
// at the next sample. The sampling interval is fixed for the life of the loop.
func (m *Monitor) ApplyConfig(cfg *config.HealthConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Verdict returns the current health verdict.
func (m *Monitor) Verdict() Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verdict
}

// History returns a copy of the retained sample ring, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// systemResources builds the gopsutil-backed resource sampler.
func systemResources(diskPath string) ResourceFunc {
	return func(ctx context.Context) (float64, float64, float64, error) {
		var firstErr error

		var cpuPct float64
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
			firstErr = fmt.Errorf("cpu sample: %w", err)
		} else if len(percents) > 0 {
			cpuPct = percents[0]
		}

		var memPct float64
		if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("memory sample: %w", err)
			}
		} else {
			memPct = vm.UsedPercent
		}

		var diskPct float64
		if usage, err := disk.UsageWithContext(ctx, diskPath); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("disk sample: %w", err)
			}
		} else {
			diskPct = usage.UsedPercent
		}

		return cpuPct, memPct, diskPct, firstErr
	}
}
