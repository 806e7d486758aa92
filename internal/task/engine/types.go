package engine

import (
	"time"

	"taskwarden/internal/job"
	"taskwarden/internal/lease"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/gate"
	"taskwarden/internal/task/policy"
)

// Config controls the executor: the worker pool and the coordinator.
type Config struct {
	NodeID    string
	Workers   int
	QueueSize int

	// LeaseGrace is added to the maximum execution time to size the job lease.
	LeaseGrace time.Duration
	// DefaultMaxExecution is used when a job sets no MaxExecutionSeconds.
	DefaultMaxExecution time.Duration

	// MaxConsecutiveFailures applies to jobs that set none. Negative
	// disables quarantine for them.
	MaxConsecutiveFailures int
	QuarantineCooldown     time.Duration

	// ContentionRetries bounds how often a retry that lost the job lease is
	// queued again. Negative disables it.
	ContentionRetries int
	ContentionDelay   time.Duration

	// PersistTimeout bounds each store write made after the handler returned.
	PersistTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 15 * time.Second
	}
	if c.DefaultMaxExecution <= 0 {
		c.DefaultMaxExecution = 5 * time.Minute
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.QuarantineCooldown <= 0 {
		c.QuarantineCooldown = 30 * time.Minute
	}
	if c.ContentionRetries == 0 {
		c.ContentionRetries = 3
	}
	if c.ContentionDelay <= 0 {
		c.ContentionDelay = 5 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Deps are the collaborators of the executor.
type Deps struct {
	Store    storage.Store
	Leases   *lease.Provider
	Registry *job.Registry
	Policies *policy.Resolver
	// Gate may be nil, in which case dependencies are not checked.
	Gate *gate.Gate
	// Now overrides the clock used for records and quarantine windows.
	Now func() time.Time
}

// Firing is one attempt of a logical firing, queued for execution.
type Firing struct {
	FiringID    string
	JobID       string
	TriggeredBy string
	ScheduledAt time.Time
	IsReplay    bool

	// Attempt starts at 1. MaxAttempts is fixed by the first attempt.
	Attempt     int
	MaxAttempts int

	// SkipGate bypasses the dependency gate (operator fires).
	SkipGate bool

	contention int
}

// SkipReason explains a firing that did not run a handler.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipQuarantined      SkipReason = "quarantined"
	SkipInactive         SkipReason = "inactive"
	SkipLeaseHeld        SkipReason = "lease_held"
	SkipLeaseUnavailable SkipReason = "lease_unavailable"
	SkipDependency       SkipReason = "dependency"
	SkipJobMissing       SkipReason = "job_missing"
	SkipStore            SkipReason = "store_unavailable"
)

// Result is the outcome of one call to Execute.
type Result struct {
	ExecutionID string
	JobID       string
	Attempt     int
	MaxAttempts int
	Status      job.ExecutionStatus
	Duration    time.Duration
	Err         error
	TimedOut    bool
	Canceled    bool

	// Skip is set when no handler ran. Dependency skips also carry an
	// ExecutionID and Status Skipped.
	Skip SkipReason

	// ConfigError marks a failure no retry can fix.
	ConfigError bool

	// Retry is the next attempt when one is due, at RetryAt.
	Retry   *Firing
	RetryAt time.Time

	Transition policy.Transition
}

// HistoryItem is a recent result kept for diagnostics.
type HistoryItem struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	JobID       string        `json:"job_id"`
	FiringID    string        `json:"firing_id,omitempty"`
	Attempt     int           `json:"attempt"`
	Status      string        `json:"status,omitempty"`
	Skip        string        `json:"skip,omitempty"`
	Started     time.Time     `json:"started"`
	QueueDelay  time.Duration `json:"queue_delay"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool   `json:"running"`
	NodeID         string `json:"node_id"`
	Workers        int    `json:"workers"`
	QueueLen       int    `json:"queue_len"`
	QueueCap       int    `json:"queue_cap"`
	InFlight       int    `json:"in_flight"`
	PendingRetries int    `json:"pending_retries"`

	Executed     uint64            `json:"executed"`
	Succeeded    uint64            `json:"succeeded"`
	Failed       uint64            `json:"failed"`
	DeadLettered uint64            `json:"dead_lettered"`
	ConfigErrors uint64            `json:"config_errors"`
	Abandoned    uint64            `json:"abandoned"`
	Skipped      map[string]uint64 `json:"skipped"`
	Dropped      uint64            `json:"dropped"`

	History []HistoryItem `json:"history"`
}
