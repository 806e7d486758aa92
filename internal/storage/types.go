package storage

import (
	"errors"
	"time"

	"taskwarden/internal/job"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
	// ErrTerminal is returned when finishing an execution that already ended.
	ErrTerminal = errors.New("storage: execution already terminal")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status     job.Status
	Type       job.Type
	NamePrefix string
	Limit      int
	Offset     int
}

// ExecutionFilter narrows ListExecutions. Results are newest first.
type ExecutionFilter struct {
	JobID    string
	FiringID string
	NodeID   string
	Status   job.ExecutionStatus
	Since    time.Time
	Limit    int
}

// DueSchedule pairs a due schedule with its job.
type DueSchedule struct {
	Job      job.ScheduledJob
	Schedule job.Schedule
}

// JobOutcome is what the coordinator writes back to a job after an attempt.
//
// Status, when non-empty, replaces the job status and QuarantinedUntil, but
// only if the stored status still equals FromStatus. An operator edit that
// raced the attempt wins.
type JobOutcome struct {
	ConsecutiveFailures int
	LastRunAt           time.Time
	LastExecutionStatus job.ExecutionStatus

	FromStatus       job.Status
	Status           job.Status
	QuarantinedUntil *time.Time
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
