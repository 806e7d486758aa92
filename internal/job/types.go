package job

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a ScheduledJob.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusPaused      Status = "paused"
	StatusQuarantined Status = "quarantined"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusPaused, StatusQuarantined:
		return true
	}
	return false
}

// Type is the dispatch key between a job and its handler.
type Type string

const (
	TypeNoop              Type = "noop"
	TypeUploadCleanup     Type = "upload_cleanup"
	TypeNotificationProbe Type = "notification_probe"
)

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOneTime  ScheduleType = "one_time"
)

// MisfirePolicy decides what happens to occurrences that were due more than
// one poll interval ago.
type MisfirePolicy string

const (
	MisfireFireNow        MisfirePolicy = "fire_now"
	MisfireSkip           MisfirePolicy = "skip"
	MisfireFireAndCatchUp MisfirePolicy = "fire_and_catch_up"
)

func (p MisfirePolicy) Valid() bool {
	switch p {
	case MisfireFireNow, MisfireSkip, MisfireFireAndCatchUp:
		return true
	}
	return false
}

// ExecutionStatus is the state of one attempt.
//
//	scheduled -> running -> succeeded | failed | canceled | timed_out | skipped | dead_lettered
type ExecutionStatus string

const (
	ExecScheduled    ExecutionStatus = "scheduled"
	ExecRunning      ExecutionStatus = "running"
	ExecSucceeded    ExecutionStatus = "succeeded"
	ExecFailed       ExecutionStatus = "failed"
	ExecCanceled     ExecutionStatus = "canceled"
	ExecTimedOut     ExecutionStatus = "timed_out"
	ExecSkipped      ExecutionStatus = "skipped"
	ExecDeadLettered ExecutionStatus = "dead_lettered"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSucceeded, ExecFailed, ExecCanceled, ExecTimedOut, ExecSkipped, ExecDeadLettered:
		return true
	}
	return false
}

// Failure reports whether the status counts against retries.
func (s ExecutionStatus) Failure() bool {
	return s == ExecFailed || s == ExecCanceled || s == ExecTimedOut
}

// Known triggering actors. Operators are recorded as "operator:<name>".
const (
	TriggerScheduler = "scheduler"
	TriggerRetry     = "retry"
	TriggerOperator  = "operator"
)

// IsOperatorTrigger reports whether by names a manual firing.
func IsOperatorTrigger(by string) bool {
	return by == TriggerOperator || strings.HasPrefix(by, TriggerOperator+":")
}

// ScheduledJob is a named unit of recurring or one-off work.
//
// Zero retry fields fall back to the policy resolver's defaults.
type ScheduledJob struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Status  Status          `json:"status"`

	MaxAttempts            int `json:"max_attempts,omitempty"`
	BackoffBaseSeconds     int `json:"backoff_base_seconds,omitempty"`
	BackoffMaxSeconds      int `json:"backoff_max_seconds,omitempty"`
	MaxExecutionSeconds    int `json:"max_execution_seconds,omitempty"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`

	ConsecutiveFailures int             `json:"consecutive_failures"`
	QuarantinedUntil    *time.Time      `json:"quarantined_until,omitempty"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	LastExecutionStatus ExecutionStatus `json:"last_execution_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsQuarantined reports whether the job is inside an active quarantine window.
// A quarantined job without an end time stays quarantined until cleared.
func (j *ScheduledJob) IsQuarantined(now time.Time) bool {
	if j == nil || j.Status != StatusQuarantined {
		return false
	}
	return j.QuarantinedUntil == nil || j.QuarantinedUntil.After(now)
}

// Runnable reports whether the trigger engine may fire the job at now.
func (j *ScheduledJob) Runnable(now time.Time) bool {
	if j == nil {
		return false
	}
	switch j.Status {
	case StatusActive:
		return true
	case StatusQuarantined:
		return !j.IsQuarantined(now)
	}
	return false
}

// Schedule is the triggering rule bound 1:1 to a job.
type Schedule struct {
	JobID string       `json:"job_id"`
	Type  ScheduleType `json:"type"`

	CronExpr        string     `json:"cron_expr,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	OneTimeAt       *time.Time `json:"one_time_at,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`

	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`

	MisfirePolicy     MisfirePolicy `json:"misfire_policy"`
	MaxCatchUpRuns    int           `json:"max_catch_up_runs,omitempty"`
	MisfireRetryCount int           `json:"misfire_retry_count"`
	LastMisfireAt     *time.Time    `json:"last_misfire_at,omitempty"`
	LastFiredAt       *time.Time    `json:"last_fired_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// InWindow reports whether t lies inside [StartAt, EndAt]. Nil bounds are open.
func (s *Schedule) InWindow(t time.Time) bool {
	if s.StartAt != nil && t.Before(*s.StartAt) {
		return false
	}
	if s.EndAt != nil && t.After(*s.EndAt) {
		return false
	}
	return true
}

// Execution is the audit record of one attempt.
//
// Only Status, FinishedAt, DurationMs, Error and the dead-letter fields
// change after insert, and never once Status is terminal.
type Execution struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	FiringID string `json:"firing_id"`

	Status      ExecutionStatus `json:"status"`
	TriggeredBy string          `json:"triggered_by"`
	NodeID      string          `json:"node_id"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	Attempt     int  `json:"attempt"`
	MaxAttempts int  `json:"max_attempts"`
	IsReplay    bool `json:"is_replay"`

	IsDeadLettered   bool   `json:"is_dead_lettered"`
	DeadLetterReason string `json:"dead_letter_reason,omitempty"`

	PayloadSnapshot json.RawMessage `json:"payload_snapshot,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Dependency is the edge JobID -> DependsOnJobID: JobID only fires after
// DependsOnJobID last succeeded.
type Dependency struct {
	JobID          string    `json:"job_id"`
	DependsOnJobID string    `json:"depends_on_job_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Lease is an exclusive, time-bounded claim on a named lock.
type Lease struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l Lease) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }
