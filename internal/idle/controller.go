// Package idle restarts the game server after a configured window of zero
// player presence. Unreachable status is never treated as zero players, so a
// monitoring outage cannot trigger a restart.
package idle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
	"gamewarden/internal/query"
	"gamewarden/internal/supervisor"
)

// Stats summarizes idle-restart activity for operator inspection.
type Stats struct {
	TotalRestarts   int           `json:"total_restarts"`
	LastRestartAt   time.Time     `json:"last_restart_at"`
	CurrentIdleFor  time.Duration `json:"current_idle_for"`
	LongestIdleSeen time.Duration `json:"longest_idle_seen"`
}

// Restarter is the supervisor surface the controller is allowed to touch.
type Restarter interface {
	RequestRestart(reason supervisor.RestartReason)
}

// StatusFunc provides the player-presence sample.
type StatusFunc func(ctx context.Context) (*query.ServerStatus, error)

// Controller tracks player presence and requests one graceful restart per
// idle episode.
type Controller struct {
	cfg       *config.IdleConfig
	logger    *zap.Logger
	bus       *events.Bus
	restarter Restarter
	status    StatusFunc
	now       func() time.Time

	mu        sync.Mutex
	armed     bool // a zero-player countdown is in progress
	fired     bool // restart already requested this episode
	idleAccum time.Duration
	// lastZeroAt is the previous reachable zero-player sample; idle time
	// accumulates only between consecutive reachable samples, so an
	// unreachable gap contributes nothing to the countdown.
	lastZeroAt    time.Time
	gapSeen       bool
	totalRestarts int
	lastRestartAt time.Time
	longestIdle   time.Duration
}

// New creates an idle Controller.
func New(cfg *config.IdleConfig, status StatusFunc, restarter Restarter, logger *zap.Logger, bus *events.Bus) *Controller {
	return &Controller{
		cfg:       cfg,
		logger:    logger.Named("idle"),
		bus:       bus,
		restarter: restarter,
		status:    status,
		now:       time.Now,
	}
}

// Run checks player presence until ctx is cancelled. Disabled controllers do
// no observation work at all.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	if !cfg.Enabled {
		c.logger.Info("Idle restart disabled by configuration")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(cfg.CheckInterval.Duration())
	defer ticker.Stop()

	c.logger.Info("Idle restart monitoring started",
		zap.Duration("threshold", cfg.Threshold.Duration()),
		zap.Duration("check_interval", cfg.CheckInterval.Duration()))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Idle restart monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
			c.checkOnce(ctx)
		}
	}
}

// checkOnce takes one presence sample and advances the idle state machine.
func (c *Controller) checkOnce(ctx context.Context) {
	status, err := c.status(ctx)
	if err != nil {
		c.logger.Warn("Presence query failed", zap.Error(err))
		return
	}

	// An unreachable server cannot confirm a player count: the countdown
	// neither starts nor advances.
	if status == nil || !status.Reachable {
		c.mu.Lock()
		c.gapSeen = true
		c.mu.Unlock()
		return
	}

	if status.PlayerCount > 0 {
		c.observeActive(status.PlayerCount)
		return
	}
	c.observeIdle()
}

func (c *Controller) observeActive(playerCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.armed {
		if c.idleAccum > c.longestIdle {
			c.longestIdle = c.idleAccum
		}
		c.logger.Debug("Players returned, idle countdown disarmed",
			zap.Int("player_count", playerCount),
			zap.Duration("was_idle_for", c.idleAccum))
	}
	c.armed = false
	c.fired = false
	c.idleAccum = 0
	c.gapSeen = false
}

func (c *Controller) observeIdle() {
	c.mu.Lock()

	now := c.now()
	threshold := c.cfg.Threshold.Duration()
	if !c.armed {
		c.armed = true
		c.idleAccum = 0
		c.lastZeroAt = now
		c.gapSeen = false
		c.mu.Unlock()
		c.logger.Info("Server idle, countdown started",
			zap.Duration("threshold", threshold))
		return
	}

	// After an unreachable gap the first zero sample is a fresh reference
	// point, not accumulated time.
	if c.gapSeen {
		c.gapSeen = false
	} else {
		c.idleAccum += now.Sub(c.lastZeroAt)
	}
	c.lastZeroAt = now

	idleFor := c.idleAccum
	if idleFor > c.longestIdle {
		c.longestIdle = idleFor
	}
	if idleFor < threshold || c.fired {
		c.mu.Unlock()
		return
	}

	// Exactly one request per idle episode; re-armed only after players
	// return and leave again.
	c.fired = true
	c.totalRestarts++
	c.lastRestartAt = now
	c.mu.Unlock()

	c.logger.Info("Idle threshold reached, requesting restart",
		zap.Duration("idle_for", idleFor))

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type: events.IdleRestartTriggered,
			Data: events.IdleData{IdleFor: idleFor, Threshold: threshold},
		})
	}
	c.restarter.RequestRestart(supervisor.ReasonIdleTimeout)
}

// ApplyConfig swaps in an updated idle threshold; it takes effect at the next
// presence check. The check interval is fixed for the life of the loop.
func (c *Controller) ApplyConfig(cfg *config.IdleConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Stats returns a snapshot of idle-restart statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		TotalRestarts:   c.totalRestarts,
		LastRestartAt:   c.lastRestartAt,
		LongestIdleSeen: c.longestIdle,
	}
	if c.armed {
		stats.CurrentIdleFor = c.idleAccum
	}
	return stats
}
