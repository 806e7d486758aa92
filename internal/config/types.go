package config

// Config is the on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero fields fall back to defaults applied by the app layer.
type Config struct {
	Node        NodeConfig        `json:"node"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Executor    ExecutorConfig    `json:"executor"`
	Retry       RetryConfig       `json:"retry"`
	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty"`
	Systemd     SystemdConfig     `json:"systemd,omitempty"`
}

// NodeConfig identifies this process in leases and execution records.
// An empty ID is replaced by "<hostname>-<random>" at startup.
type NodeConfig struct {
	ID string `json:"id,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards entries at or above MinLevel to the event bus.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskwarden.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the trigger engine.
//
// Enabled is a pointer so an omitted block means enabled.
type SchedulerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	LeaseTTL       string `json:"lease_ttl,omitempty"`
	FireRatePerSec int    `json:"fire_rate_per_sec,omitempty"`
	FireBurst      int    `json:"fire_burst,omitempty"`
}

// ExecutorConfig controls the execution coordinator.
type ExecutorConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// LeaseGrace is added to a job's max execution time to size its lease.
	LeaseGrace          string `json:"lease_grace,omitempty"`
	DefaultMaxExecution string `json:"default_max_execution,omitempty"`

	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
	QuarantineCooldown     string `json:"quarantine_cooldown,omitempty"`

	// ContentionRetries bounds how often a retry that lost the lease race is re-queued.
	ContentionRetries int    `json:"contention_retries,omitempty"`
	StopTimeout       string `json:"stop_timeout,omitempty"`
}

// RetryConfig holds the default retry policy and per job type overrides.
type RetryConfig struct {
	MaxAttempts int                      `json:"max_attempts,omitempty"`
	BaseDelay   string                   `json:"base_delay,omitempty"`
	MaxDelay    string                   `json:"max_delay,omitempty"`
	Overrides   map[string]RetryOverride `json:"overrides,omitempty"`
}

// RetryOverride replaces the non-zero fields of the policy for one job type.
type RetryOverride struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// DiagnosticsConfig controls the optional HTTP diagnostics server
// (/healthz, /status, /metrics and pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
