package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/lease"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/policy"
	logx "taskwarden/pkg/logx"
)

// Execute runs one attempt of f on this node without consulting the
// dependency gate. It never returns an error: every outcome, including
// coordination failures, is described by the Result.
func (s *Service) Execute(ctx context.Context, f Firing) Result {
	return s.execute(ctx, f, false)
}

// LockName is the lease that serializes executions of a job.
func LockName(jobID string) string { return "job:" + jobID }

func (s *Service) execute(ctx context.Context, f Firing, gated bool) Result {
	cfg := s.config()
	if f.Attempt < 1 {
		f.Attempt = 1
	}
	res := Result{JobID: f.JobID, Attempt: f.Attempt, MaxAttempts: f.MaxAttempts}

	j, reason, err := s.admit(ctx, f)
	if reason != SkipNone {
		return s.skip(res, f, reason, err)
	}

	if gated && s.gate != nil {
		d, err := s.gate.Check(ctx, f.JobID)
		if err != nil {
			return s.skip(res, f, SkipStore, err)
		}
		if !d.Open {
			return s.skipDependency(ctx, res, f, j, d.Reason)
		}
	}

	maxExec := cfg.DefaultMaxExecution
	if j.MaxExecutionSeconds > 0 {
		maxExec = time.Duration(j.MaxExecutionSeconds) * time.Second
	}
	leaseFor := maxExec + cfg.LeaseGrace

	l, err := s.leases.Acquire(ctx, LockName(j.ID), leaseFor)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			return s.skip(res, f, SkipLeaseHeld, nil)
		}
		return s.skip(res, f, SkipLeaseUnavailable, err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PersistTimeout)
		defer cancel()
		_ = s.leases.Release(rctx, l)
	}()

	// Reload under the lease: the row may have changed since dispatch.
	if j, reason, err = s.admit(ctx, f); reason != SkipNone {
		return s.skip(res, f, reason, err)
	}

	pol := s.policies.GetPolicy(j.Type, j)
	if f.MaxAttempts <= 0 {
		f.MaxAttempts = pol.MaxAttempts
	}
	res.MaxAttempts = f.MaxAttempts

	startedAt := s.now()
	exec := &job.Execution{
		ID:              uuid.NewString(),
		JobID:           j.ID,
		FiringID:        f.FiringID,
		Status:          job.ExecRunning,
		TriggeredBy:     f.TriggeredBy,
		NodeID:          cfg.NodeID,
		ScheduledAt:     f.ScheduledAt,
		StartedAt:       startedAt,
		Attempt:         f.Attempt,
		MaxAttempts:     f.MaxAttempts,
		IsReplay:        f.IsReplay,
		PayloadSnapshot: j.Payload,
	}
	if exec.ScheduledAt.IsZero() {
		exec.ScheduledAt = startedAt
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		return s.skip(res, f, SkipStore, err)
	}
	res.ExecutionID = exec.ID

	log := s.log.With(
		logx.String("job", j.Name),
		logx.String("job_id", j.ID),
		logx.String("execution_id", exec.ID),
		logx.Int("attempt", f.Attempt),
		logx.Int("max_attempts", f.MaxAttempts),
	)
	log.Debug("execution.started", logx.String("trigger", f.TriggeredBy), logx.Bool("replay", f.IsReplay))
	eventbus.PublishExecution(s.bus, eventbus.TopicExecutionStarted, eventbus.ExecutionEvent{
		ExecutionID: exec.ID, JobID: j.ID, JobName: j.Name, FiringID: f.FiringID,
		Attempt: f.Attempt, MaxAttempts: f.MaxAttempts, Status: string(job.ExecRunning),
	})

	h, p, cerr := s.resolveHandler(j)
	if cerr != nil {
		return s.finishConfigError(ctx, res, exec, j, cerr, log)
	}

	s.inFlight.Add(1)
	hctx, stopHold := s.leases.Hold(ctx, l, leaseFor)
	began := time.Now()
	status, runErr := s.invoke(hctx, h, j, p, maxExec, log)
	dur := time.Since(began)
	stopHold()
	s.inFlight.Add(-1)

	finishedAt := s.now()
	exec.Status = status
	exec.FinishedAt = &finishedAt
	exec.DurationMs = dur.Milliseconds()
	if runErr != nil {
		exec.Error = runErr.Error()
	}
	res.Status, res.Duration, res.Err = status, dur, runErr
	res.TimedOut = status == job.ExecTimedOut
	res.Canceled = status == job.ExecCanceled

	q := s.quarantine()
	var v policy.Verdict
	switch {
	case status == job.ExecSucceeded:
		v = q.AfterSuccess(j)
	case IsNoRetry(runErr) || f.Attempt >= f.MaxAttempts:
		exec.Status = job.ExecDeadLettered
		exec.IsDeadLettered = true
		exec.DeadLetterReason = fmt.Sprintf("%s after %d/%d attempts: %v", status, f.Attempt, f.MaxAttempts, runErr)
		res.Status = job.ExecDeadLettered
		v = q.AfterDeadLetter(j, finishedAt)
	default:
		v = q.AfterFailedAttempt(j)
		hint, ok := retryHint(runErr)
		next := f
		next.Attempt++
		next.TriggeredBy = job.TriggerRetry
		next.SkipGate = true
		next.contention = 0
		res.Retry = &next
		res.RetryAt = finishedAt.Add(pol.DelayWithHint(f.Attempt, hint, ok))
	}
	res.Transition = v.Transition

	out := &storage.JobOutcome{
		ConsecutiveFailures: v.ConsecutiveFailures,
		LastRunAt:           finishedAt,
		LastExecutionStatus: exec.Status,
		FromStatus:          j.Status,
		Status:              v.Status,
		QuarantinedUntil:    v.QuarantinedUntil,
	}
	if err := s.persist(ctx, exec, out); err != nil {
		log.Error("execution persist failed", logx.Err(err))
	}

	s.reportFinished(log, j, exec, res, v)
	return res
}

// admit loads the job and decides whether this firing may run at all.
func (s *Service) admit(ctx context.Context, f Firing) (*job.ScheduledJob, SkipReason, error) {
	j, err := s.store.GetJob(ctx, f.JobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, SkipJobMissing, err
	case err != nil:
		return nil, SkipStore, err
	}
	if j.IsQuarantined(s.now()) {
		return j, SkipQuarantined, nil
	}
	switch j.Status {
	case job.StatusActive, job.StatusQuarantined:
	default:
		// Operators may fire a paused or inactive job by hand.
		if !job.IsOperatorTrigger(f.TriggeredBy) {
			return j, SkipInactive, nil
		}
	}
	return j, SkipNone, nil
}

func (s *Service) resolveHandler(j *job.ScheduledJob) (job.Handler, job.Payload, error) {
	h, err := s.registry.Lookup(j.Type)
	if err != nil {
		return nil, nil, err
	}
	p, err := job.ParsePayload(j.Type, j.Payload)
	if err != nil {
		return nil, nil, err
	}
	return h, p, nil
}

// invoke runs the handler under a deadline. A handler that does not return
// within abandonAfter of its context ending is abandoned.
func (s *Service) invoke(parent context.Context, h job.Handler, j *job.ScheduledJob, p job.Payload, maxExec time.Duration, log logx.Logger) (job.ExecutionStatus, error) {
	ctx, cancel := context.WithTimeoutCause(parent, maxExec, errExecTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h.Run(ctx, j, p)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		t := time.NewTimer(s.abandonAfter)
		select {
		case err = <-done:
			t.Stop()
		case <-t.C:
			s.abandoned.Add(1)
			log.Warn("handler abandoned after cancellation", logx.Duration("max_execution", maxExec))
			err = context.Cause(ctx)
		}
	}

	if ctx.Err() == nil {
		if err == nil {
			return job.ExecSucceeded, nil
		}
		return job.ExecFailed, err
	}
	if err == nil {
		err = context.Cause(ctx)
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errExecTimeout) {
		return job.ExecTimedOut, fmt.Errorf("timed out after %s: %w", maxExec, err)
	}
	if !errors.Is(err, cause) {
		err = fmt.Errorf("%w: %v", cause, err)
	}
	return job.ExecCanceled, fmt.Errorf("canceled: %w", err)
}

func (s *Service) persist(ctx context.Context, exec *job.Execution, out *storage.JobOutcome) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config().PersistTimeout)
	defer cancel()
	return s.store.FinishExecution(pctx, exec, out)
}

func (s *Service) finishConfigError(ctx context.Context, res Result, exec *job.Execution, j *job.ScheduledJob, cerr error, log logx.Logger) Result {
	finishedAt := s.now()
	exec.Status = job.ExecFailed
	exec.FinishedAt = &finishedAt
	exec.Error = "configuration: " + cerr.Error()
	out := &storage.JobOutcome{
		ConsecutiveFailures: j.ConsecutiveFailures,
		LastRunAt:           finishedAt,
		LastExecutionStatus: job.ExecFailed,
		FromStatus:          j.Status,
	}
	if err := s.persist(ctx, exec, out); err != nil {
		log.Error("execution persist failed", logx.Err(err))
	}
	s.configErrors.Add(1)
	s.executed.Add(1)
	log.Error("execution configuration error", logx.String("type", string(j.Type)), logx.Err(cerr))
	eventbus.PublishExecution(s.bus, eventbus.TopicConfigError, eventbus.ExecutionEvent{
		ExecutionID: exec.ID, JobID: j.ID, JobName: j.Name, FiringID: exec.FiringID,
		Attempt: exec.Attempt, MaxAttempts: exec.MaxAttempts, Status: string(job.ExecFailed), Error: cerr.Error(),
	})
	res.Status = job.ExecFailed
	res.Err = cerr
	res.ConfigError = true
	return res
}

func (s *Service) skipDependency(ctx context.Context, res Result, f Firing, j *job.ScheduledJob, reason string) Result {
	now := s.now()
	exec := &job.Execution{
		ID:          uuid.NewString(),
		JobID:       j.ID,
		FiringID:    f.FiringID,
		Status:      job.ExecSkipped,
		TriggeredBy: f.TriggeredBy,
		NodeID:      s.config().NodeID,
		ScheduledAt: f.ScheduledAt,
		StartedAt:   now,
		FinishedAt:  &now,
		Attempt:     f.Attempt,
		MaxAttempts: f.MaxAttempts,
		IsReplay:    f.IsReplay,
		Error:       reason,
	}
	if exec.ScheduledAt.IsZero() {
		exec.ScheduledAt = now
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		return s.skip(res, f, SkipStore, err)
	}
	res.ExecutionID = exec.ID
	res.Status = job.ExecSkipped
	res.Skip = SkipDependency
	s.countSkip(SkipDependency)
	s.log.Info("execution.skipped", logx.String("job_id", j.ID), logx.String("reason", reason))
	eventbus.PublishExecution(s.bus, eventbus.TopicExecutionSkipped, eventbus.ExecutionEvent{
		ExecutionID: exec.ID, JobID: j.ID, JobName: j.Name, FiringID: f.FiringID,
		Attempt: f.Attempt, MaxAttempts: f.MaxAttempts, Status: string(job.ExecSkipped),
		Reason: string(SkipDependency), Error: reason,
	})
	return res
}

// skip ends a firing that never reached the handler. No execution row is
// written; the Result still reports Skipped.
func (s *Service) skip(res Result, f Firing, reason SkipReason, err error) Result {
	res.Status = job.ExecSkipped
	res.Skip = reason
	res.Err = err
	s.countSkip(reason)

	fields := []logx.Field{logx.String("job_id", f.JobID), logx.String("reason", string(reason)), logx.Int("attempt", f.Attempt)}
	switch reason {
	case SkipStore, SkipLeaseUnavailable:
		s.log.Warn("execution.skipped", append(fields, logx.Err(err))...)
	default:
		s.log.Debug("execution.skipped", fields...)
	}
	ev := eventbus.ExecutionEvent{
		JobID: f.JobID, FiringID: f.FiringID, Attempt: f.Attempt, MaxAttempts: f.MaxAttempts,
		Status: string(job.ExecSkipped), Reason: string(reason),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.PublishExecution(s.bus, eventbus.TopicExecutionSkipped, ev)
	return res
}

func (s *Service) reportFinished(log logx.Logger, j *job.ScheduledJob, exec *job.Execution, res Result, v policy.Verdict) {
	s.executed.Add(1)
	ev := eventbus.ExecutionEvent{
		ExecutionID: exec.ID, JobID: j.ID, JobName: j.Name, FiringID: exec.FiringID,
		Attempt: exec.Attempt, MaxAttempts: exec.MaxAttempts, Status: string(exec.Status),
		Duration: res.Duration, Error: exec.Error,
	}

	switch {
	case exec.Status == job.ExecSucceeded:
		s.succeeded.Add(1)
		log.Info("execution.finished", logx.String("status", string(exec.Status)), logx.Duration("dur", res.Duration))
	case exec.Status == job.ExecDeadLettered:
		s.failed.Add(1)
		s.deadLettered.Add(1)
		log.Warn("execution.dead_lettered", logx.String("reason", exec.DeadLetterReason), logx.Int("consecutive_failures", v.ConsecutiveFailures))
	default:
		s.failed.Add(1)
		log.Warn("execution.finished", logx.String("status", string(exec.Status)), logx.Duration("dur", res.Duration), logx.String("err", exec.Error))
	}
	eventbus.PublishExecution(s.bus, eventbus.TopicExecutionFinished, ev)

	if exec.Status == job.ExecDeadLettered {
		dl := ev
		dl.Reason = exec.DeadLetterReason
		eventbus.PublishExecution(s.bus, eventbus.TopicDeadLettered, dl)
	}
	if res.Retry != nil {
		log.Info("execution.retry_scheduled", logx.Int("next_attempt", res.Retry.Attempt), logx.Time("retry_at", res.RetryAt))
		rt := ev
		rt.RetryAt = res.RetryAt
		eventbus.PublishExecution(s.bus, eventbus.TopicRetryScheduled, rt)
	}

	switch v.Transition {
	case policy.TransitionQuarantined:
		until := *v.QuarantinedUntil
		log.Warn("job.quarantined", logx.Int("consecutive_failures", v.ConsecutiveFailures), logx.Time("until", until))
		se := eventbus.JobStatusEvent{JobID: j.ID, JobName: j.Name, From: string(j.Status), To: string(job.StatusQuarantined), Until: until, Reason: exec.DeadLetterReason}
		eventbus.PublishJobStatus(s.bus, se)
	case policy.TransitionUnquarantined:
		log.Info("job.unquarantined")
		se := eventbus.JobStatusEvent{JobID: j.ID, JobName: j.Name, From: string(j.Status), To: string(job.StatusActive), Reason: "succeeded after cooldown"}
		eventbus.PublishJobStatus(s.bus, se)
	}
}

func (s *Service) quarantine() policy.Quarantine {
	cfg := s.config()
	return policy.Quarantine{Threshold: cfg.MaxConsecutiveFailures, Cooldown: cfg.QuarantineCooldown}
}
