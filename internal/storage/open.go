package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/job"
	logx "taskwarden/pkg/logx"
)

// LeaseStore is the lock table. Every method is a single conditional write
// so concurrent nodes never both observe success.
type LeaseStore interface {
	// TakeLease grants name to owner if no lease exists or the existing one
	// expired at now.
	TakeLease(ctx context.Context, name, owner string, now, expires time.Time) (bool, error)
	// ExtendLease moves the expiry while owner holds an unexpired lease.
	ExtendLease(ctx context.Context, name, owner string, now, expires time.Time) (bool, error)
	// DropLease deletes the lease if owner holds it. A missing or foreign
	// lease is not an error.
	DropLease(ctx context.Context, name, owner string) error
	GetLease(ctx context.Context, name string) (*job.Lease, error)
	ListLeases(ctx context.Context) ([]job.Lease, error)
}

// Store is the persistence API used by the scheduler and the coordinator.
type Store interface {
	CreateJob(ctx context.Context, j *job.ScheduledJob, s *job.Schedule) error
	GetJob(ctx context.Context, id string) (*job.ScheduledJob, error)
	GetJobByName(ctx context.Context, name string) (*job.ScheduledJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]job.ScheduledJob, error)
	UpdateJob(ctx context.Context, j *job.ScheduledJob) error

	GetSchedule(ctx context.Context, jobID string) (*job.Schedule, error)
	UpdateSchedule(ctx context.Context, s *job.Schedule) error
	// AdvanceSchedule writes s only if the stored next run still equals
	// expectedNext (nil matches a NULL next run).
	AdvanceSchedule(ctx context.Context, s *job.Schedule, expectedNext *time.Time) (bool, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]DueSchedule, error)

	InsertExecution(ctx context.Context, e *job.Execution) error
	// FinishExecution stores the terminal state of e and, if out is non-nil,
	// the job outcome, in one transaction.
	FinishExecution(ctx context.Context, e *job.Execution, out *JobOutcome) error
	GetExecution(ctx context.Context, id string) (*job.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]job.Execution, error)
	LatestTerminalExecution(ctx context.Context, jobID string) (*job.Execution, error)
	// RecoverOrphans fails non-terminal executions left behind by nodeID.
	RecoverOrphans(ctx context.Context, nodeID string, now time.Time, reason string) (int, error)

	// AddDependency inserts d after check accepted the existing edge set.
	AddDependency(ctx context.Context, d job.Dependency, check func(existing []job.Dependency) error) error
	RemoveDependency(ctx context.Context, jobID, dependsOnJobID string) error
	// ListDependencies returns the edges whose dependent is jobID, or every
	// edge when jobID is empty.
	ListDependencies(ctx context.Context, jobID string) ([]job.Dependency, error)

	LeaseStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func validateJob(j *job.ScheduledJob) error {
	if j == nil {
		return fmt.Errorf("storage: nil job")
	}
	if strings.TrimSpace(j.ID) == "" || strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("storage: job id and name are required")
	}
	return nil
}
