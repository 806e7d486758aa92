package policy

import (
	"time"

	"taskwarden/internal/job"
)

// Quarantine trips a job into the quarantined state after a run of
// dead-lettered firings. Intermediate attempts of a firing do not count.
type Quarantine struct {
	// Threshold applies when the job does not set MaxConsecutiveFailures.
	// Zero or less disables quarantine for such jobs.
	Threshold int
	Cooldown  time.Duration
}

// Transition names a quarantine state change.
type Transition string

const (
	TransitionNone          Transition = ""
	TransitionQuarantined   Transition = "quarantined"
	TransitionUnquarantined Transition = "unquarantined"
)

// Verdict is the job-level outcome of one attempt.
type Verdict struct {
	ConsecutiveFailures int
	// Status is empty when the job status stays as it is.
	Status           job.Status
	QuarantinedUntil *time.Time
	Transition       Transition
}

func (q Quarantine) threshold(j *job.ScheduledJob) int {
	if j.MaxConsecutiveFailures > 0 {
		return j.MaxConsecutiveFailures
	}
	return q.Threshold
}

// AfterSuccess resets the failure run and lifts a quarantine.
func (q Quarantine) AfterSuccess(j *job.ScheduledJob) Verdict {
	v := Verdict{}
	if j.Status == job.StatusQuarantined {
		v.Status = job.StatusActive
		v.Transition = TransitionUnquarantined
	}
	return v
}

// AfterFailedAttempt keeps the failure run while retries remain.
func (q Quarantine) AfterFailedAttempt(j *job.ScheduledJob) Verdict {
	return Verdict{ConsecutiveFailures: j.ConsecutiveFailures}
}

// AfterDeadLetter counts one more failed firing and quarantines the job
// once the run reaches the threshold.
func (q Quarantine) AfterDeadLetter(j *job.ScheduledJob, now time.Time) Verdict {
	v := Verdict{ConsecutiveFailures: j.ConsecutiveFailures + 1}
	limit := q.threshold(j)
	if limit <= 0 || v.ConsecutiveFailures < limit {
		return v
	}
	switch j.Status {
	case job.StatusActive, job.StatusQuarantined:
	default:
		// Paused and inactive jobs keep the operator's status.
		return v
	}
	until := now.Add(q.Cooldown)
	v.Status = job.StatusQuarantined
	v.QuarantinedUntil = &until
	v.Transition = TransitionQuarantined
	return v
}
