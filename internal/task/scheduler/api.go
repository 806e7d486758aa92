package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

// JobSpec describes a job to create.
type JobSpec struct {
	Name    string
	Type    job.Type
	Payload json.RawMessage
	// Inactive creates the job without letting it fire.
	Inactive bool

	MaxAttempts            int
	BackoffBaseSeconds     int
	BackoffMaxSeconds      int
	MaxExecutionSeconds    int
	MaxConsecutiveFailures int

	Schedule ScheduleSpec
}

// ScheduleSpec is the operator form of a schedule. Expr accepts the
// forms described by ParseSchedule.
type ScheduleSpec struct {
	Expr           string
	Timezone       string
	StartAt        *time.Time
	EndAt          *time.Time
	MisfirePolicy  job.MisfirePolicy
	MaxCatchUpRuns int
	Disabled       bool
}

// BuildSchedule turns spec into a stored schedule with its first run.
func (s *Service) BuildSchedule(spec ScheduleSpec, now time.Time) (*job.Schedule, error) {
	p, err := ParseSchedule(spec.Expr)
	if err != nil {
		return nil, err
	}
	tz := strings.TrimSpace(spec.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
		}
	}
	if spec.StartAt != nil && spec.EndAt != nil && spec.EndAt.Before(*spec.StartAt) {
		return nil, fmt.Errorf("%w: end_at before start_at", ErrInvalidSchedule)
	}
	pol := spec.MisfirePolicy
	if pol == "" {
		pol = job.MisfireFireNow
	}
	if !pol.Valid() {
		return nil, fmt.Errorf("%w: misfire policy %q", ErrInvalidSchedule, pol)
	}
	if spec.MaxCatchUpRuns < 0 {
		return nil, fmt.Errorf("%w: max_catch_up_runs must be >= 0", ErrInvalidSchedule)
	}

	sched := &job.Schedule{
		Timezone:       tz,
		StartAt:        utcPtr(spec.StartAt),
		EndAt:          utcPtr(spec.EndAt),
		Enabled:        !spec.Disabled,
		MisfirePolicy:  pol,
		MaxCatchUpRuns: spec.MaxCatchUpRuns,
	}
	switch p.Kind {
	case SpecCron:
		if _, err := s.parser.Parse(p.Cron); err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, p.Cron, err)
		}
		sched.Type = job.ScheduleCron
		sched.CronExpr = p.Cron
	case SpecInterval:
		sched.Type = job.ScheduleInterval
		sched.IntervalSeconds = int(p.Every / time.Second)
	case SpecOneTime:
		at := p.At
		sched.Type = job.ScheduleOneTime
		sched.OneTimeAt = &at
	}

	_, loc := s.settings()
	next, err := InitialNext(sched, now, s.parser, loc)
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = next
	if next == nil {
		sched.Enabled = false
	}
	return sched, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateJob validates spec and stores the job with its schedule.
func (s *Service) CreateJob(ctx context.Context, spec JobSpec) (*job.ScheduledJob, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	if spec.MaxAttempts < 0 || spec.BackoffBaseSeconds < 0 || spec.BackoffMaxSeconds < 0 || spec.MaxExecutionSeconds < 0 {
		return nil, fmt.Errorf("%w: retry and timeout settings must be >= 0", ErrInvalidJob)
	}
	_, norm, err := s.registry.ValidatePayload(spec.Type, spec.Payload)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sched, err := s.BuildSchedule(spec.Schedule, now)
	if err != nil {
		return nil, err
	}
	st := job.StatusActive
	if spec.Inactive {
		st = job.StatusInactive
	}
	j := &job.ScheduledJob{
		ID:                     uuid.NewString(),
		Name:                   name,
		Type:                   spec.Type,
		Payload:                norm,
		Status:                 st,
		MaxAttempts:            spec.MaxAttempts,
		BackoffBaseSeconds:     spec.BackoffBaseSeconds,
		BackoffMaxSeconds:      spec.BackoffMaxSeconds,
		MaxExecutionSeconds:    spec.MaxExecutionSeconds,
		MaxConsecutiveFailures: spec.MaxConsecutiveFailures,
		CreatedAt:              now,
	}
	if err := s.store.CreateJob(ctx, j, sched); err != nil {
		return nil, fmt.Errorf("create job %q: %w", name, err)
	}
	s.log.Info("job created", logx.String("job", j.Name), logx.String("job_id", j.ID), logx.String("type", string(j.Type)), logx.String("schedule", spec.Schedule.Expr))
	return j, nil
}

// GetJob resolves ref as a job id first, then as a name.
func (s *Service) GetJob(ctx context.Context, ref string) (*job.ScheduledJob, error) {
	ref = strings.TrimSpace(ref)
	j, err := s.store.GetJob(ctx, ref)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.store.GetJobByName(ctx, ref)
}

func (s *Service) ListJobs(ctx context.Context, f storage.JobFilter) ([]job.ScheduledJob, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *Service) GetSchedule(ctx context.Context, ref string) (*job.Schedule, error) {
	j, err := s.GetJob(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, j.ID)
}

// ListExecutions returns executions newest first. A non-empty ref narrows
// the list to one job.
func (s *Service) ListExecutions(ctx context.Context, ref string, f storage.ExecutionFilter) ([]job.Execution, error) {
	if strings.TrimSpace(ref) != "" {
		j, err := s.GetJob(ctx, ref)
		if err != nil {
			return nil, err
		}
		f.JobID = j.ID
	}
	return s.store.ListExecutions(ctx, f)
}

// UpdatePayload validates and stores a new payload for the job.
func (s *Service) UpdatePayload(ctx context.Context, ref string, raw json.RawMessage) (*job.ScheduledJob, error) {
	j, err := s.GetJob(ctx, ref)
	if err != nil {
		return nil, err
	}
	_, norm, err := s.registry.ValidatePayload(j.Type, raw)
	if err != nil {
		return nil, err
	}
	j.Payload = norm
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("update payload of %q: %w", j.Name, err)
	}
	s.log.Info("job payload updated", logx.String("job", j.Name), logx.String("job_id", j.ID))
	return j, nil
}

// UpdateSchedule replaces the schedule of a job and recomputes its next
// run. Misfire bookkeeping starts over.
func (s *Service) UpdateSchedule(ctx context.Context, ref string, spec ScheduleSpec) (*job.Schedule, error) {
	j, err := s.GetJob(ctx, ref)
	if err != nil {
		return nil, err
	}
	sched, err := s.BuildSchedule(spec, s.now())
	if err != nil {
		return nil, err
	}
	sched.JobID = j.ID
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("update schedule of %q: %w", j.Name, err)
	}
	s.log.Info("job schedule updated", logx.String("job", j.Name), logx.String("job_id", j.ID), logx.String("schedule", spec.Expr))
	return sched, nil
}

func (s *Service) Pause(ctx context.Context, ref string) (*job.ScheduledJob, error) {
	return s.setStatus(ctx, ref, job.StatusPaused, "paused by operator", false)
}

// Resume makes a paused or inactive job active again. A quarantined job
// stays quarantined; use ClearQuarantine.
func (s *Service) Resume(ctx context.Context, ref string) (*job.ScheduledJob, error) {
	return s.setStatus(ctx, ref, job.StatusActive, "resumed by operator", false)
}

func (s *Service) Deactivate(ctx context.Context, ref string) (*job.ScheduledJob, error) {
	return s.setStatus(ctx, ref, job.StatusInactive, "deactivated by operator", false)
}

// ClearQuarantine ends a quarantine early and resets the failure counter.
func (s *Service) ClearQuarantine(ctx context.Context, ref string) (*job.ScheduledJob, error) {
	return s.setStatus(ctx, ref, job.StatusActive, "quarantine cleared by operator", true)
}

func (s *Service) setStatus(ctx context.Context, ref string, to job.Status, reason string, clearing bool) (*job.ScheduledJob, error) {
	j, err := s.GetJob(ctx, ref)
	if err != nil {
		return nil, err
	}
	from := j.Status
	switch {
	case clearing && from != job.StatusQuarantined:
		return nil, fmt.Errorf("%w: job %q is not quarantined", ErrInvalidJob, j.Name)
	case !clearing && to == job.StatusActive && from == job.StatusQuarantined:
		return nil, fmt.Errorf("%w: job %q is quarantined; clear the quarantine instead", ErrInvalidJob, j.Name)
	case from == to:
		return j, nil
	}
	j.Status = to
	if from == job.StatusQuarantined {
		j.QuarantinedUntil = nil
		j.ConsecutiveFailures = 0
	}
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("set status of %q: %w", j.Name, err)
	}
	s.log.Info("job status changed", logx.String("job", j.Name), logx.String("from", string(from)), logx.String("to", string(to)))
	ev := eventbus.JobStatusEvent{JobID: j.ID, JobName: j.Name, From: string(from), To: string(to), Reason: reason}
	eventbus.PublishJobStatus(s.bus, ev)
	return j, nil
}

// ForceFire hands one operator firing to the dispatcher. It bypasses the
// dependency gate; quarantine and the job lease still apply.
func (s *Service) ForceFire(ctx context.Context, ref, actor string) (engine.Firing, error) {
	j, err := s.GetJob(ctx, ref)
	if err != nil {
		return engine.Firing{}, err
	}
	f := s.OperatorFiring(j.ID, actor)
	if err := s.dispatch.Enqueue(f); err != nil {
		return engine.Firing{}, fmt.Errorf("force fire %q: %w", j.Name, err)
	}
	s.log.Info("job force fired", logx.String("job", j.Name), logx.String("firing_id", f.FiringID), logx.String("by", f.TriggeredBy))
	eventbus.PublishFiring(s.bus, eventbus.FiringEvent{
		JobID: j.ID, FiringID: f.FiringID, Kind: "forced", ScheduledAt: f.ScheduledAt,
	})
	return f, nil
}

// OperatorFiring builds the firing ForceFire would dispatch.
func (s *Service) OperatorFiring(jobID, actor string) engine.Firing {
	by := job.TriggerOperator
	if a := strings.TrimSpace(actor); a != "" {
		by += ":" + a
	}
	return engine.Firing{
		FiringID:    uuid.NewString(),
		JobID:       jobID,
		TriggeredBy: by,
		ScheduledAt: s.now().UTC(),
		SkipGate:    true,
	}
}

// AddDependency makes ref wait for dependsOn to have last succeeded.
func (s *Service) AddDependency(ctx context.Context, ref, dependsOn string) (job.Dependency, error) {
	a, err := s.GetJob(ctx, ref)
	if err != nil {
		return job.Dependency{}, err
	}
	b, err := s.GetJob(ctx, dependsOn)
	if err != nil {
		return job.Dependency{}, err
	}
	if a.ID == b.ID {
		return job.Dependency{}, fmt.Errorf("%w: %q", ErrSelfDependency, a.Name)
	}
	d := job.Dependency{JobID: a.ID, DependsOnJobID: b.ID, CreatedAt: s.now()}
	err = s.store.AddDependency(ctx, d, func(existing []job.Dependency) error {
		return checkAcyclic(existing, a.ID, b.ID)
	})
	if err != nil {
		return job.Dependency{}, fmt.Errorf("add dependency %q -> %q: %w", a.Name, b.Name, err)
	}
	s.log.Info("dependency added", logx.String("job", a.Name), logx.String("depends_on", b.Name))
	return d, nil
}

func (s *Service) RemoveDependency(ctx context.Context, ref, dependsOn string) error {
	a, err := s.GetJob(ctx, ref)
	if err != nil {
		return err
	}
	b, err := s.GetJob(ctx, dependsOn)
	if err != nil {
		return err
	}
	if err := s.store.RemoveDependency(ctx, a.ID, b.ID); err != nil {
		return fmt.Errorf("remove dependency %q -> %q: %w", a.Name, b.Name, err)
	}
	s.log.Info("dependency removed", logx.String("job", a.Name), logx.String("depends_on", b.Name))
	return nil
}

// ListDependencies returns the edges of ref, or all edges when ref is empty.
func (s *Service) ListDependencies(ctx context.Context, ref string) ([]job.Dependency, error) {
	id := ""
	if strings.TrimSpace(ref) != "" {
		j, err := s.GetJob(ctx, ref)
		if err != nil {
			return nil, err
		}
		id = j.ID
	}
	return s.store.ListDependencies(ctx, id)
}
