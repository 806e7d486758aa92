package eventbus

import "time"

// Topics published by the scheduler core.
const (
	TopicExecutionStarted  = "execution.started"
	TopicExecutionFinished = "execution.finished"
	TopicExecutionSkipped  = "execution.skipped"
	TopicRetryScheduled    = "execution.retry_scheduled"
	TopicDeadLettered      = "execution.dead_lettered"
	TopicConfigError       = "execution.config_error"

	TopicJobQuarantined   = "job.quarantined"
	TopicJobUnquarantined = "job.unquarantined"
	TopicJobStatusChanged = "job.status_changed"

	TopicFiring  = "schedule.firing"
	TopicMisfire = "schedule.misfire"

	TopicLeaseAcquire = "lease.acquire"

	TopicLogAlert = "log.alert"
)

// ExecutionEvent describes one attempt. Status is the execution status string.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	JobID       string        `json:"job_id"`
	JobName     string        `json:"job_name,omitempty"`
	FiringID    string        `json:"firing_id,omitempty"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Status      string        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetryAt     time.Time     `json:"retry_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// JobStatusEvent describes a job status transition.
type JobStatusEvent struct {
	JobID   string    `json:"job_id"`
	JobName string    `json:"job_name,omitempty"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Until   time.Time `json:"until,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// FiringEvent describes a schedule decision.
// Kind is "scheduled", "replay" or "forced"; Policy is set for misfires.
type FiringEvent struct {
	JobID       string    `json:"job_id"`
	FiringID    string    `json:"firing_id,omitempty"`
	Kind        string    `json:"kind"`
	Policy      string    `json:"policy,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Dropped     int       `json:"dropped,omitempty"`
}

// LeaseEvent reports a lease acquisition outcome.
// Result is "acquired", "contended", "unavailable" or "lost".
type LeaseEvent struct {
	Lock   string `json:"lock"`
	Result string `json:"result"`
}

// AlertEvent mirrors a forwarded log alert.
type AlertEvent struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
