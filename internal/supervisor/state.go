// Package supervisor owns the lifecycle of the supervised game-server
// process. It is the single mutator of ProcessState; every other component
// observes the process through read-only snapshots.
package supervisor

import (
	"fmt"
	"time"
)

// ProcessState is the lifecycle state of the supervised process.
type ProcessState int

const (
	StateStopped ProcessState = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
	StateRestartBackoff
)

// String returns the human-readable state name.
func (s ProcessState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	case StateRestartBackoff:
		return "restart_backoff"
	default:
		return "unknown"
	}
}

// validTransitions defines allowed process state transitions. Transitions
// not listed are rejected; this keeps every lifecycle path explicit.
var validTransitions = map[ProcessState][]ProcessState{
	StateStopped:        {StateStarting},
	StateStarting:       {StateRunning, StateCrashed, StateStopping, StateStopped},
	StateRunning:        {StateStopping, StateCrashed},
	StateStopping:       {StateStopped},
	StateCrashed:        {StateRestartBackoff, StateStarting, StateStopped},
	StateRestartBackoff: {StateStarting, StateStopped},
}

func validTransition(from, to ProcessState) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid process state transition: %s → %s", from, to)
}

// RestartReason identifies what triggered a restart request.
type RestartReason string

const (
	ReasonHealthFailure RestartReason = "health_failure"
	ReasonIdleTimeout   RestartReason = "idle_timeout"
	ReasonManual        RestartReason = "manual"
	ReasonCrash         RestartReason = "crash"
)

// RestartRequest is a transient message consumed exactly once by the
// supervisor's control loop.
type RestartRequest struct {
	Reason      RestartReason
	RequestedAt time.Time
}

// Snapshot is an immutable point-in-time view of the supervised process,
// safe for concurrent readers.
type Snapshot struct {
	State     ProcessState
	PID       int
	StartedAt time.Time
	Crashes   int
	Exhausted bool
}

// InTransition reports whether the process is mid-transition. The backup
// engine refuses to snapshot while this holds.
func (s Snapshot) InTransition() bool {
	switch s.State {
	case StateStarting, StateStopping, StateRestartBackoff:
		return true
	default:
		return false
	}
}
