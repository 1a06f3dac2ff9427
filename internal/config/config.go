// Package config provides configuration types and loading for gamewarden.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
// as a human-readable string ("30s", "5m").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the top-level gamewarden configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Query    QueryConfig    `json:"query" mapstructure:"query"`
	Health   HealthConfig   `json:"health" mapstructure:"health"`
	Idle     IdleConfig     `json:"idle_restart" mapstructure:"idle-restart"`
	Backup   BackupConfig   `json:"backup" mapstructure:"backup"`
	Shutdown ShutdownConfig `json:"shutdown" mapstructure:"shutdown"`

	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// ServerConfig describes the supervised game-server process.
type ServerConfig struct {
	Name        string   `json:"name" mapstructure:"name"`
	Binary      string   `json:"binary" mapstructure:"binary"`
	Args        []string `json:"args,omitempty" mapstructure:"args"`
	WorkDir     string   `json:"work_dir" mapstructure:"work-dir"`
	SaveDir     string   `json:"save_dir" mapstructure:"save-dir"`
	AdminSecret string   `json:"admin_secret" mapstructure:"admin-secret"`

	// StartupGrace bounds how long Start waits for the first successful
	// liveness probe before declaring a startup timeout.
	StartupGrace Duration `json:"startup_grace" mapstructure:"startup-grace"`

	// MaxCrashes caps consecutive crash-restart attempts. Exceeding it
	// surfaces SupervisorExhausted instead of looping forever.
	MaxCrashes int `json:"max_crashes" mapstructure:"max-crashes"`
}

// QueryConfig configures the dual-protocol status client.
type QueryConfig struct {
	APIHost     string `json:"api_host" mapstructure:"api-host"`
	APIPort     int    `json:"api_port" mapstructure:"api-port"`
	ConsolePort int    `json:"console_port" mapstructure:"console-port"`

	Timeout Duration `json:"timeout" mapstructure:"timeout"`

	// FailThreshold is the number of consecutive primary failures before
	// switching to the console fallback. SuccessThreshold is the number of
	// consecutive primary successes (observed via re-probes) required to
	// switch back. Distinct thresholds give the failover hysteresis.
	FailThreshold    int      `json:"fail_threshold" mapstructure:"fail-threshold"`
	SuccessThreshold int      `json:"success_threshold" mapstructure:"success-threshold"`
	ReprobeInterval  Duration `json:"reprobe_interval" mapstructure:"reprobe-interval"`
}

// HealthConfig configures the resource/status health monitor.
type HealthConfig struct {
	Interval Duration `json:"interval" mapstructure:"interval"`

	// Window bounds the retained sample ring.
	Window int `json:"window" mapstructure:"window"`

	// ConsecutiveSamples is how many samples in a row must breach a hard
	// threshold (or be unreachable) before the verdict turns Unhealthy.
	ConsecutiveSamples int `json:"consecutive_samples" mapstructure:"consecutive-samples"`

	CPUThresholdPct  float64 `json:"cpu_threshold_pct" mapstructure:"cpu-threshold-pct"`
	MemThresholdPct  float64 `json:"mem_threshold_pct" mapstructure:"mem-threshold-pct"`
	DiskThresholdPct float64 `json:"disk_threshold_pct" mapstructure:"disk-threshold-pct"`
}

// IdleConfig configures the idle-based restart controller.
type IdleConfig struct {
	Enabled       bool     `json:"enabled" mapstructure:"enabled"`
	Threshold     Duration `json:"threshold" mapstructure:"threshold"`
	CheckInterval Duration `json:"check_interval" mapstructure:"check-interval"`
}

// BackupConfig configures the backup engine and retention policy.
type BackupConfig struct {
	Enabled  bool     `json:"enabled" mapstructure:"enabled"`
	Interval Duration `json:"interval" mapstructure:"interval"`
	Root     string   `json:"root" mapstructure:"root"`
	Compress bool     `json:"compress" mapstructure:"compress"`

	// SaveWait bounds how long a cycle waits for the in-process save
	// acknowledgment before copying anyway.
	SaveWait Duration `json:"save_wait" mapstructure:"save-wait"`

	Retention RetentionPolicy `json:"retention" mapstructure:"retention"`
}

// RetentionPolicy holds per-tier retention counts plus a global cap.
// A count of zero disables that tier.
type RetentionPolicy struct {
	Daily    int `json:"daily" mapstructure:"daily"`
	Weekly   int `json:"weekly" mapstructure:"weekly"`
	Monthly  int `json:"monthly" mapstructure:"monthly"`
	Manual   int `json:"manual" mapstructure:"manual"`
	MaxTotal int `json:"max_total" mapstructure:"max-total"`
}

// ShutdownConfig controls graceful-stop behavior.
type ShutdownConfig struct {
	// GracefulTimeout is how long Stop waits for the process to exit after
	// the termination signal before force-killing it.
	GracefulTimeout Duration `json:"graceful_timeout" mapstructure:"graceful-timeout"`

	// NoticeDelay is how long to wait after announcing the shutdown to
	// players before the termination signal is sent. Zero skips the notice.
	NoticeDelay Duration `json:"notice_delay" mapstructure:"notice-delay"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // megabytes
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultConfig returns a configuration with sane defaults for a single
// containerized game server.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/data/gamewarden",
		Server: ServerConfig{
			Name:         "game-server",
			Binary:       "/srv/server/start.sh",
			WorkDir:      "/srv/server",
			SaveDir:      "/srv/server/Saved",
			StartupGrace: Duration(90 * time.Second),
			MaxCrashes:   3,
		},
		Query: QueryConfig{
			APIHost:          "127.0.0.1",
			APIPort:          8212,
			ConsolePort:      25575,
			Timeout:          Duration(10 * time.Second),
			FailThreshold:    3,
			SuccessThreshold: 2,
			ReprobeInterval:  Duration(30 * time.Second),
		},
		Health: HealthConfig{
			Interval:           Duration(30 * time.Second),
			Window:             100,
			ConsecutiveSamples: 3,
			CPUThresholdPct:    90,
			MemThresholdPct:    95,
			DiskThresholdPct:   95,
		},
		Idle: IdleConfig{
			Enabled:       true,
			Threshold:     Duration(30 * time.Minute),
			CheckInterval: Duration(30 * time.Second),
		},
		Backup: BackupConfig{
			Enabled:  true,
			Interval: Duration(1 * time.Hour),
			Root:     "/data/backups",
			SaveWait: Duration(15 * time.Second),
			Retention: RetentionPolicy{
				Daily:    7,
				Weekly:   4,
				Monthly:  3,
				Manual:   10,
				MaxTotal: 30,
			},
		},
		Shutdown: ShutdownConfig{
			GracefulTimeout: Duration(60 * time.Second),
			NoticeDelay:     Duration(10 * time.Second),
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    true,
			Filename:      "gamewarden.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.Server.Binary == "" {
		return fmt.Errorf("server.binary must be set")
	}
	if c.Server.SaveDir == "" {
		return fmt.Errorf("server.save_dir must be set")
	}
	if c.Server.AdminSecret == "" {
		return fmt.Errorf("server.admin_secret must be set")
	}
	if c.Server.MaxCrashes < 1 {
		return fmt.Errorf("server.max_crashes must be at least 1")
	}
	if c.Query.FailThreshold < 1 || c.Query.SuccessThreshold < 1 {
		return fmt.Errorf("query thresholds must be at least 1")
	}
	if c.Health.Window < 1 {
		return fmt.Errorf("health.window must be at least 1")
	}
	if c.Health.ConsecutiveSamples < 1 {
		return fmt.Errorf("health.consecutive_samples must be at least 1")
	}
	if c.Health.ConsecutiveSamples > c.Health.Window {
		return fmt.Errorf("health.consecutive_samples cannot exceed health.window")
	}
	if c.Idle.Enabled && c.Idle.Threshold.Duration() <= 0 {
		return fmt.Errorf("idle_restart.threshold must be positive when enabled")
	}
	if c.Backup.Enabled {
		if c.Backup.Root == "" {
			return fmt.Errorf("backup.root must be set when backups are enabled")
		}
		if c.Backup.Interval.Duration() <= 0 {
			return fmt.Errorf("backup.interval must be positive")
		}
		r := c.Backup.Retention
		if r.Daily < 0 || r.Weekly < 0 || r.Monthly < 0 || r.Manual < 0 || r.MaxTotal < 0 {
			return fmt.Errorf("retention counts cannot be negative")
		}
	}
	return nil
}

// LoadFromFile reads and validates a config file, filling defaults for
// absent sections.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path atomically (temp file plus
// rename) so a crash mid-write never leaves a truncated config behind.
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
