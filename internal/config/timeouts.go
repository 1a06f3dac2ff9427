package config

import "time"

// Shutdown & cleanup timeouts
const (
	// TotalShutdownTimeout is the maximum time allowed for the coordinated
	// shutdown sequence before remaining phases are abandoned.
	TotalShutdownTimeout = 90 * time.Second

	// HandlerShutdownTimeout is the default per-handler shutdown budget.
	HandlerShutdownTimeout = 10 * time.Second

	// ForceKillGrace is the wait after SIGKILL before giving up on reaping
	// the process.
	ForceKillGrace = 5 * time.Second
)

// Supervisor timing
const (
	// LivenessProbeInterval is how often Start polls the query client while
	// waiting for the first successful probe.
	LivenessProbeInterval = 2 * time.Second

	// InitialCrashBackoff is the delay before the first crash restart.
	InitialCrashBackoff = 1 * time.Second

	// MaxCrashBackoff caps the exponential crash-restart backoff.
	MaxCrashBackoff = 5 * time.Minute

	// RestartSettleDelay is the minimum wait between stop and start during
	// a restart.
	RestartSettleDelay = 2 * time.Second

	// CrashCountWindow is the window within which consecutive crashes are
	// counted toward the max-crashes cap. A crash after a longer healthy
	// run resets the count.
	CrashCountWindow = 10 * time.Minute
)

// Query client timing
const (
	// QueryDialTimeout bounds TCP connection establishment for the console
	// protocol.
	QueryDialTimeout = 5 * time.Second

	// SaveAckTimeout is the default wait for the force-save acknowledgment.
	SaveAckTimeout = 15 * time.Second
)

// Backup engine timing
const (
	// BackupFailureRetryDelay is the pause after a failed cycle before the
	// scheduler resumes its normal interval.
	BackupFailureRetryDelay = 1 * time.Minute
)

// Event bus buffer sizes
const (
	// EventChannelBufferSize is the buffer size for individual event
	// subscriptions.
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all
	// events.
	EventChannelBufferSizeAll = 500
)
