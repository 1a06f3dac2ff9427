// Package app wires the supervisor, query client, monitors, backup engine,
// and history store into one runnable unit and owns the process lifecycle
// from lock acquisition to coordinated shutdown.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gamewarden/internal/backup"
	"gamewarden/internal/config"
	"gamewarden/internal/events"
	"gamewarden/internal/health"
	"gamewarden/internal/idle"
	"gamewarden/internal/processlock"
	"gamewarden/internal/query"
	"gamewarden/internal/shutdown"
	"gamewarden/internal/storage"
	"gamewarden/internal/supervisor"
)

// App is the assembled gamewarden instance.
type App struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger

	bus     *events.Bus
	store   *storage.Manager
	client  *query.Client
	super   *supervisor.Supervisor
	health  *health.Monitor
	idle    *idle.Controller
	backups *backup.Engine
	coord   *shutdown.Coordinator
	lock    *processlock.ProcessLock
}

// New assembles all components from the loaded configuration. loader may be
// nil; hot-reload is then disabled.
func New(cfg *config.Config, loader *config.Loader, logger *zap.Logger) (*App, error) {
	bus := events.NewBus()

	client, err := query.NewClient(&cfg.Query, cfg.Server.AdminSecret, logger, bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create query client: %w", err)
	}

	store, err := storage.NewManager(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	super := supervisor.New(supervisor.Options{
		Name:            cfg.Server.Name,
		Binary:          cfg.Server.Binary,
		Args:            cfg.Server.Args,
		WorkDir:         cfg.Server.WorkDir,
		StartupGrace:    cfg.Server.StartupGrace.Duration(),
		MaxCrashes:      cfg.Server.MaxCrashes,
		GracefulTimeout: cfg.Shutdown.GracefulTimeout.Duration(),
		NoticeDelay:     cfg.Shutdown.NoticeDelay.Duration(),
	}, logger, bus, client.Probe)
	super.SetAnnouncer(client.Announce)
	super.SetHistoryRecorder(store)

	engine := backup.New(&cfg.Backup, cfg.Server.SaveDir, super.Snapshot, client, logger, bus)
	engine.SetRecordStore(store)

	return &App{
		cfg:     cfg,
		loader:  loader,
		logger:  logger.Named("app"),
		bus:     bus,
		store:   store,
		client:  client,
		super:   super,
		health:  health.New(&cfg.Health, cfg.Server.SaveDir, client.QueryStatus, super, logger, bus),
		idle:    idle.New(&cfg.Idle, client.QueryStatus, super, logger, bus),
		backups: engine,
		coord:   shutdown.NewCoordinator(logger),
		lock:    processlock.New(cfg.DataDir, logger),
	}, nil
}

// Run starts the supervised server and all monitoring loops and blocks until
// ctx is cancelled or the supervisor gives up. It returns
// supervisor.ErrSupervisorExhausted when the crash cap was exceeded; the
// caller exits non-zero on it.
func (a *App) Run(ctx context.Context) error {
	if err := a.lock.Acquire(); err != nil {
		return err
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	a.registerShutdownHandlers(cancelLoops)

	go a.drainEvents(a.bus.SubscribeAll())

	if a.loader != nil {
		if err := a.loader.StartWatching(a.applyConfig); err != nil {
			a.logger.Warn("Config hot-reload unavailable", zap.Error(err))
		}
	}

	group, groupCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error { return a.super.Run(groupCtx) })
	group.Go(func() error { return a.health.Run(groupCtx) })
	group.Go(func() error { return a.idle.Run(groupCtx) })
	group.Go(func() error { return a.backups.Run(groupCtx) })

	if err := a.super.Start(ctx); err != nil {
		a.logger.Error("Initial server start failed", zap.Error(err))
		cancelLoops()
		_ = group.Wait()
		a.shutdown()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case <-a.super.Fatal():
		a.logger.Error("Supervisor exhausted, shutting down")
		runErr = supervisor.ErrSupervisorExhausted
	}

	a.shutdown()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("Component loop exited with error", zap.Error(err))
	}
	return runErr
}

// Shutdown triggers the coordinated shutdown sequence out of band, for
// callers that manage their own signal handling.
func (a *App) Shutdown(ctx context.Context) error {
	return a.coord.Shutdown(ctx)
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TotalShutdownTimeout)
	defer cancel()
	if err := a.coord.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Coordinated shutdown finished with errors", zap.Error(err))
	}
}

func (a *App) registerShutdownHandlers(cancelLoops context.CancelFunc) {
	a.coord.RegisterFunc("monitor-loops", shutdown.PhaseMonitors, func(ctx context.Context) error {
		cancelLoops()
		return nil
	})

	a.coord.RegisterFunc("backup-cycle", shutdown.PhaseBackups, func(ctx context.Context) error {
		return a.awaitBackupIdle(ctx)
	})

	a.coord.Register(&shutdown.Handler{
		Name:    "game-server",
		Phase:   shutdown.PhaseProcess,
		Timeout: a.cfg.Shutdown.GracefulTimeout.Duration() + a.cfg.Shutdown.NoticeDelay.Duration() + config.ForceKillGrace,
		Fn: func(ctx context.Context) error {
			err := a.super.Stop(ctx, true, a.cfg.Shutdown.GracefulTimeout.Duration())
			if errors.Is(err, supervisor.ErrNotRunning) {
				return nil
			}
			return err
		},
	})

	a.coord.RegisterFunc("history-store", shutdown.PhaseStorage, func(ctx context.Context) error {
		return a.store.Close()
	})

	a.coord.RegisterFunc("lock-and-bus", shutdown.PhaseCleanup, func(ctx context.Context) error {
		if a.loader != nil {
			_ = a.loader.Stop()
		}
		a.bus.Close()
		return a.lock.Release()
	})
}

// awaitBackupIdle lets an in-flight backup cycle reach a terminal phase before
// the game server is stopped, so the copy never reads a dying process's save.
func (a *App) awaitBackupIdle(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch a.backups.Phase() {
		case backup.PhaseIdle, backup.PhaseFailed:
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backup cycle still running: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// drainEvents is the notifier consumption point: every published event is
// logged in structured form. External delivery is out of scope; the bus is
// the integration surface.
func (a *App) drainEvents(ch <-chan events.Event) {
	for ev := range ch {
		fields := []zap.Field{
			zap.String("type", string(ev.Type)),
			zap.Time("at", ev.Timestamp),
		}
		if ev.Data != nil {
			if data, err := json.Marshal(ev.Data); err == nil {
				fields = append(fields, zap.ByteString("data", data))
			}
		}
		a.logger.Info("Event", fields...)
	}
}

// applyConfig applies the safe subset of a reloaded configuration at runtime:
// health thresholds, idle threshold, and backup retention/intervals. Server
// binary, ports, and credentials require a restart.
func (a *App) applyConfig(cfg *config.Config) error {
	a.health.ApplyConfig(&cfg.Health)
	a.idle.ApplyConfig(&cfg.Idle)
	a.backups.ApplyConfig(&cfg.Backup)

	if cfg.Server.Binary != a.cfg.Server.Binary ||
		cfg.Server.AdminSecret != a.cfg.Server.AdminSecret ||
		cfg.Query != a.cfg.Query {
		a.logger.Warn("Server and query changes take effect on the next restart")
	}

	a.bus.Publish(events.Event{Type: events.ConfigReloaded})
	a.logger.Info("Runtime configuration applied")
	return nil
}

// Status summarizes the running instance for operator surfaces.
type Status struct {
	Process supervisor.Snapshot `json:"process"`
	Health  string              `json:"health"`
	Idle    idle.Stats          `json:"idle"`
	Backup  *backup.Record      `json:"last_backup,omitempty"`
}

// Status returns a point-in-time view across all components.
func (a *App) Status() Status {
	return Status{
		Process: a.super.Snapshot(),
		Health:  a.health.Verdict().String(),
		Idle:    a.idle.Stats(),
		Backup:  a.backups.LastRecord(),
	}
}
