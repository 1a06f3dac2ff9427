package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
)

// Client maintains a protocol preference between the HTTP query API and the
// text console. Consecutive primary failures past the fail threshold switch
// it to the console; while on the console it re-probes the primary at a
// bounded rate and switches back after enough consecutive successes. The
// distinct up/down thresholds keep the preference from flapping.
type Client struct {
	rest    *restClient
	console *consoleClient
	logger  *zap.Logger
	bus     *events.Bus

	failThreshold    int
	successThreshold int
	timeout          time.Duration
	reprobe          *rate.Limiter

	// group collapses overlapping status queries into one network call.
	group singleflight.Group

	mu               sync.Mutex
	onFallback       bool
	primaryFailures  int
	primarySuccesses int
	lastStatus       *ServerStatus
}

// NewClient validates the credential up front: protocol failures at runtime
// degrade to unreachable statuses, but a missing secret can never succeed
// and is rejected here.
func NewClient(cfg *config.QueryConfig, secret string, logger *zap.Logger, bus *events.Bus) (*Client, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: admin secret is empty", ErrBadCredentials)
	}
	log := logger.Named("query")
	return &Client{
		rest:             newRESTClient(cfg.APIHost, cfg.APIPort, secret, cfg.Timeout.Duration(), log),
		console:          newConsoleClient(cfg.APIHost, cfg.ConsolePort, secret, cfg.Timeout.Duration(), log),
		logger:           log,
		bus:              bus,
		failThreshold:    cfg.FailThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout.Duration(),
		reprobe:          rate.NewLimiter(rate.Every(cfg.ReprobeInterval.Duration()), 1),
	}, nil
}

// QueryStatus returns the server status as seen over the preferred protocol.
// Protocol-level failures never surface as errors; they return an
// unreachable status. The only error is a credential misconfiguration.
// Overlapping callers share a single in-flight query.
func (c *Client) QueryStatus(ctx context.Context) (*ServerStatus, error) {
	v, err, _ := c.group.Do("status", func() (interface{}, error) {
		return c.sample(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServerStatus), nil
}

// Probe reports bare reachability; used as the supervisor's liveness signal.
func (c *Client) Probe(ctx context.Context) bool {
	status, err := c.QueryStatus(ctx)
	return err == nil && status.Reachable
}

// LastStatus returns the most recent status sample, or nil before the first
// query completes.
func (c *Client) LastStatus() *ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

func (c *Client) sample(ctx context.Context) (*ServerStatus, error) {
	c.mu.Lock()
	onFallback := c.onFallback
	c.mu.Unlock()

	var status *ServerStatus
	var err error
	if onFallback {
		status, err = c.sampleFallback(ctx)
	} else {
		status, err = c.samplePrimary(ctx)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastStatus = status
	c.mu.Unlock()
	return status, nil
}

// samplePrimary queries the HTTP API and tracks consecutive failures toward
// the fallback switch.
func (c *Client) samplePrimary(ctx context.Context) (*ServerStatus, error) {
	start := time.Now()
	players, err := c.rest.Players(ctx)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			return nil, err
		}
		c.recordPrimaryFailure(err)
		return unreachable(time.Now()), nil
	}

	c.mu.Lock()
	c.primaryFailures = 0
	c.mu.Unlock()

	return statusFrom(players, SourcePrimary, start), nil
}

// sampleFallback queries the console, first spending a rate-limited re-probe
// of the primary to track its recovery.
func (c *Client) sampleFallback(ctx context.Context) (*ServerStatus, error) {
	if c.reprobe.Allow() {
		if recovered, status := c.reprobePrimary(ctx); recovered {
			return status, nil
		}
	}

	start := time.Now()
	players, err := c.console.Players(ctx)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			return nil, err
		}
		c.logger.Debug("Console query failed", zap.Error(err))
		return unreachable(time.Now()), nil
	}
	return statusFrom(players, SourceFallback, start), nil
}

// reprobePrimary attempts one primary query while on fallback. It returns
// (true, status) only once enough consecutive successes have accumulated to
// switch back.
func (c *Client) reprobePrimary(ctx context.Context) (bool, *ServerStatus) {
	start := time.Now()
	players, err := c.rest.Players(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.primarySuccesses = 0
		return false, nil
	}

	c.primarySuccesses++
	if c.primarySuccesses < c.successThreshold {
		return false, nil
	}

	c.onFallback = false
	c.primaryFailures = 0
	c.primarySuccesses = 0
	c.logger.Info("Switched back to primary protocol")
	c.publishSwitch(string(SourceFallback), string(SourcePrimary), 0)
	return true, statusFrom(players, SourcePrimary, start)
}

func (c *Client) recordPrimaryFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primaryFailures++
	c.logger.Debug("Primary query failed",
		zap.Int("consecutive_failures", c.primaryFailures),
		zap.Error(err))

	if c.primaryFailures >= c.failThreshold && !c.onFallback {
		c.onFallback = true
		c.primarySuccesses = 0
		c.logger.Warn("Switching to fallback protocol",
			zap.Int("consecutive_failures", c.primaryFailures))
		c.publishSwitch(string(SourcePrimary), string(SourceFallback), c.primaryFailures)
	}
}

func (c *Client) publishSwitch(from, to string, failures int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type: events.ProtocolSwitched,
		Data: events.ProtocolData{From: from, To: to, Failures: failures},
	})
}

// TriggerSave asks the server to flush in-memory state to disk and waits for
// the acknowledgment. The currently preferred protocol is tried first, the
// other as a backstop.
func (c *Client) TriggerSave(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.SaveAckTimeout)
	defer cancel()

	c.mu.Lock()
	onFallback := c.onFallback
	c.mu.Unlock()

	var err error
	if onFallback {
		if err = c.console.Save(ctx); err == nil {
			return nil
		}
		return c.rest.Save(ctx)
	}
	if err = c.rest.Save(ctx); err == nil {
		return nil
	}
	if errors.Is(err, ErrBadCredentials) {
		return err
	}
	return c.console.Save(ctx)
}

// Announce broadcasts a message to connected players, best effort.
func (c *Client) Announce(ctx context.Context, message string) error {
	c.mu.Lock()
	onFallback := c.onFallback
	c.mu.Unlock()

	if onFallback {
		return c.console.Announce(ctx, message)
	}
	err := c.rest.Announce(ctx, message)
	if err == nil || errors.Is(err, ErrBadCredentials) {
		return err
	}
	return c.console.Announce(ctx, message)
}

// Kick removes a player from the server.
func (c *Client) Kick(ctx context.Context, userID, message string) error {
	c.mu.Lock()
	onFallback := c.onFallback
	c.mu.Unlock()

	if onFallback {
		return c.console.Kick(ctx, userID)
	}
	return c.rest.Kick(ctx, userID, message)
}

func statusFrom(players []Player, source ProtocolSource, start time.Time) *ServerStatus {
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Name)
	}
	return &ServerStatus{
		Reachable:   true,
		Source:      source,
		PlayerCount: len(players),
		PlayerNames: names,
		LatencyMS:   float64(time.Since(start).Microseconds()) / 1000.0,
		SampledAt:   time.Now(),
	}
}
