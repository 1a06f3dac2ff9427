package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
	"gamewarden/internal/supervisor"
)

// Phase is the backup cycle state. Cycles run Idle → Preparing → Copying →
// Verifying → Retaining → Idle; any step's error sends the cycle through
// Failed back to Idle without affecting the next scheduled cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseCopying
	PhaseVerifying
	PhaseRetaining
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparing:
		return "preparing"
	case PhaseCopying:
		return "copying"
	case PhaseVerifying:
		return "verifying"
	case PhaseRetaining:
		return "retaining"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrServerInTransition means the cycle was refused because the supervised
// process was mid-transition; backing up during a restart risks a torn save.
var ErrServerInTransition = errors.New("server is mid-transition, backup refused")

// CycleError wraps a failure of one backup cycle step. It is fully contained:
// logged, reported on the bus, and retried next cycle.
type CycleError struct {
	Step Phase
	Err  error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("backup cycle failed during %s: %v", e.Step, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// SnapshotFunc provides the supervisor's process snapshot.
type SnapshotFunc func() supervisor.Snapshot

// Saver triggers an in-process save before the copy, best effort.
type Saver interface {
	TriggerSave(ctx context.Context) error
}

// RecordStore mirrors backup records into persistent history. The directory
// listing stays authoritative; the store is never consulted by the sweep.
type RecordStore interface {
	SaveBackupRecord(rec *Record) error
	DeleteBackupRecord(name string) error
}

// Engine runs scheduled backup cycles. Cycles never overlap.
type Engine struct {
	cfg      *config.BackupConfig
	saveDir  string
	logger   *zap.Logger
	bus      *events.Bus
	snapshot SnapshotFunc
	saver    Saver
	store    RecordStore
	now      func() time.Time

	// cycleMu serializes cycles: the next cycle waits for the previous one
	// to reach a terminal phase.
	cycleMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	lastRecord *Record
	lastErr    error
}

// New creates a backup Engine. saver may be nil when no save trigger is
// available.
func New(cfg *config.BackupConfig, saveDir string, snapshot SnapshotFunc, saver Saver, logger *zap.Logger, bus *events.Bus) *Engine {
	return &Engine{
		cfg:      cfg,
		saveDir:  saveDir,
		logger:   logger.Named("backup"),
		bus:      bus,
		snapshot: snapshot,
		saver:    saver,
		now:      time.Now,
	}
}

// SetRecordStore installs the persistent history mirror.
func (e *Engine) SetRecordStore(s RecordStore) { e.store = s }

// ApplyConfig swaps in updated retention counts and intervals; they take
// effect at the next cycle. The enabled flag is fixed for the life of the
// scheduler.
func (e *Engine) ApplyConfig(cfg *config.BackupConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() *config.BackupConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Run executes cycles on the configured interval until ctx is cancelled. A
// failed cycle schedules one earlier retry before falling back to the
// regular schedule.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()
	if !cfg.Enabled {
		e.logger.Info("Backups disabled by configuration")
		<-ctx.Done()
		return ctx.Err()
	}

	e.logger.Info("Backup scheduling started",
		zap.Duration("interval", cfg.Interval.Duration()),
		zap.String("root", cfg.Root),
		zap.Bool("compress", cfg.Compress))

	timer := time.NewTimer(cfg.Interval.Duration())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Backup scheduling stopped")
			return ctx.Err()
		case <-timer.C:
			_, err := e.RunCycle(ctx, false)
			next := e.config().Interval.Duration()
			if err != nil && !errors.Is(err, context.Canceled) && next > config.BackupFailureRetryDelay {
				next = config.BackupFailureRetryDelay
			}
			timer.Reset(next)
		}
	}
}

// RunCycle executes one backup cycle and returns the created record. Manual
// cycles tag the backup Manual instead of the calendar tiers.
func (e *Engine) RunCycle(ctx context.Context, manual bool) (*Record, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.setPhase(PhaseIdle)

	rec, err := e.runSteps(ctx, manual)
	if err != nil {
		e.setPhase(PhaseFailed)
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()

		e.logger.Error("Backup cycle failed", zap.Error(err))
		e.publish(events.BackupFailed, events.BackupData{Error: err.Error()})
		return nil, err
	}

	e.mu.Lock()
	e.lastRecord = rec
	e.lastErr = nil
	e.mu.Unlock()

	e.logger.Info("Backup completed",
		zap.String("name", rec.Name),
		zap.Int64("size_bytes", rec.SizeBytes),
		zap.Strings("tiers", tierStrings(rec.Tiers)))
	e.publish(events.BackupSucceeded, events.BackupData{
		Name:      rec.Name,
		Tiers:     tierStrings(rec.Tiers),
		SizeBytes: rec.SizeBytes,
		Checksum:  rec.Checksum,
	})
	return rec, nil
}

func (e *Engine) runSteps(ctx context.Context, manual bool) (*Record, error) {
	e.setPhase(PhasePreparing)
	cfg := e.config()

	snap := e.snapshot()
	if snap.InTransition() {
		return nil, &CycleError{Step: PhasePreparing, Err: ErrServerInTransition}
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, &CycleError{Step: PhasePreparing, Err: err}
	}

	// Best-effort save flush: a timeout here means the backup proceeds with
	// whatever is on disk.
	if e.saver != nil && snap.State == supervisor.StateRunning {
		saveCtx, cancel := context.WithTimeout(ctx, cfg.SaveWait.Duration())
		if err := e.saver.TriggerSave(saveCtx); err != nil {
			e.logger.Warn("Save trigger failed, copying current disk state", zap.Error(err))
		}
		cancel()
	}

	existing, err := listRecords(cfg.Root)
	if err != nil {
		return nil, &CycleError{Step: PhasePreparing, Err: err}
	}

	createdAt := e.now()
	tiers := classify(createdAt, existing, manual)
	name := backupName(createdAt, tiers, cfg.Compress)
	final := filepath.Join(cfg.Root, name)
	tmp := filepath.Join(cfg.Root, tmpPrefix+name)

	if _, err := os.Stat(final); err == nil {
		return nil, &CycleError{Step: PhasePreparing, Err: fmt.Errorf("backup %s already exists", name)}
	}

	e.setPhase(PhaseCopying)
	if cfg.Compress {
		err = archiveTree(e.saveDir, tmp)
	} else {
		err = copyTree(e.saveDir, tmp)
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, &CycleError{Step: PhaseCopying, Err: err}
	}

	e.setPhase(PhaseVerifying)
	checksum, size, err := verifyTarget(tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, &CycleError{Step: PhaseVerifying, Err: err}
	}

	// Atomic commit: a crash before this point leaves only a .tmp- entry,
	// which the sweep and listing both ignore.
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, &CycleError{Step: PhaseVerifying, Err: err}
	}

	rec := &Record{
		Name:       name,
		Path:       final,
		CreatedAt:  createdAt,
		Tiers:      tiers,
		SizeBytes:  size,
		Checksum:   checksum,
		Compressed: cfg.Compress,
	}

	e.setPhase(PhaseRetaining)
	e.sweep()

	if e.store != nil {
		if err := e.store.SaveBackupRecord(rec); err != nil {
			e.logger.Warn("Failed to mirror backup record", zap.Error(err))
		}
	}
	return rec, nil
}

// sweep applies the retention policy to the current directory listing.
// Deletion failures are left in place; the next cycle's sweep plans them
// again.
func (e *Engine) sweep() {
	cfg := e.config()
	records, err := listRecords(cfg.Root)
	if err != nil {
		e.logger.Warn("Retention sweep skipped", zap.Error(err))
		return
	}

	keep, del := planSweep(records, cfg.Retention)
	if len(del) == 0 {
		return
	}

	var deleted, failed []string
	for _, rec := range del {
		if err := os.RemoveAll(rec.Path); err != nil {
			e.logger.Warn("Failed to delete expired backup",
				zap.String("name", rec.Name),
				zap.Error(err))
			failed = append(failed, rec.Name)
			continue
		}
		e.logger.Info("Deleted expired backup",
			zap.String("name", rec.Name),
			zap.Strings("tiers", tierStrings(rec.Tiers)))
		deleted = append(deleted, rec.Name)
		if e.store != nil {
			if err := e.store.DeleteBackupRecord(rec.Name); err != nil {
				e.logger.Debug("Failed to remove mirrored record", zap.Error(err))
			}
		}
	}

	e.publish(events.RetentionSwept, events.SweepData{
		Deleted:   deleted,
		Failed:    failed,
		Remaining: len(keep) + len(failed),
	})
}

// Records returns the current record set reconstructed from the backup root,
// oldest first.
func (e *Engine) Records() ([]*Record, error) {
	return listRecords(e.config().Root)
}

// Phase returns the current cycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// LastRecord returns the most recent successful backup, or nil.
func (e *Engine) LastRecord() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRecord
}

// LastError returns the most recent cycle failure, or nil after a success.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Engine) publish(t events.EventType, data interface{}) {
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: t, Data: data})
	}
}

func tierStrings(tiers []Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}
