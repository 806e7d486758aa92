package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"taskwarden/internal/job"
)

var jobColumns = []string{
	"id", "name", "type", "payload", "status",
	"max_attempts", "backoff_base_seconds", "backoff_max_seconds", "max_execution_seconds", "max_consecutive_failures",
	"consecutive_failures", "quarantined_until", "last_run_at", "last_execution_status",
	"created_at", "updated_at",
}

var scheduleColumns = []string{
	"job_id", "type", "cron_expr", "interval_seconds", "one_time_at", "timezone",
	"start_at", "end_at", "next_run_at", "enabled",
	"misfire_policy", "max_catch_up_runs", "misfire_retry_count", "last_misfire_at", "last_fired_at",
	"updated_at",
}

// jobRow holds the scan targets for one jobs row.
type jobRow struct {
	j                    job.ScheduledJob
	payload              string
	quarantined, lastRun sql.NullInt64
	lastStatus           sql.NullString
	created, updated     int64
}

func (r *jobRow) dest() []any {
	return []any{&r.j.ID, &r.j.Name, &r.j.Type, &r.payload, &r.j.Status,
		&r.j.MaxAttempts, &r.j.BackoffBaseSeconds, &r.j.BackoffMaxSeconds, &r.j.MaxExecutionSeconds, &r.j.MaxConsecutiveFailures,
		&r.j.ConsecutiveFailures, &r.quarantined, &r.lastRun, &r.lastStatus,
		&r.created, &r.updated}
}

func (r *jobRow) value() *job.ScheduledJob {
	j := r.j
	j.Payload = []byte(r.payload)
	j.QuarantinedUntil = timePtr(r.quarantined)
	j.LastRunAt = timePtr(r.lastRun)
	j.LastExecutionStatus = job.ExecutionStatus(r.lastStatus.String)
	j.CreatedAt = fromMillis(r.created)
	j.UpdatedAt = fromMillis(r.updated)
	return &j
}

// scheduleRow holds the scan targets for one job_schedules row.
type scheduleRow struct {
	s                         job.Schedule
	cronExpr, tz              sql.NullString
	oneTime, start, end, next sql.NullInt64
	lastMisfire, lastFired    sql.NullInt64
	enabled                   int
	updated                   int64
}

func (r *scheduleRow) dest() []any {
	return []any{&r.s.JobID, &r.s.Type, &r.cronExpr, &r.s.IntervalSeconds, &r.oneTime, &r.tz,
		&r.start, &r.end, &r.next, &r.enabled,
		&r.s.MisfirePolicy, &r.s.MaxCatchUpRuns, &r.s.MisfireRetryCount, &r.lastMisfire, &r.lastFired,
		&r.updated}
}

func (r *scheduleRow) value() *job.Schedule {
	s := r.s
	s.CronExpr = r.cronExpr.String
	s.Timezone = r.tz.String
	s.OneTimeAt = timePtr(r.oneTime)
	s.StartAt = timePtr(r.start)
	s.EndAt = timePtr(r.end)
	s.NextRunAt = timePtr(r.next)
	s.Enabled = r.enabled != 0
	s.LastMisfireAt = timePtr(r.lastMisfire)
	s.LastFiredAt = timePtr(r.lastFired)
	s.UpdatedAt = fromMillis(r.updated)
	return &s
}

func scanJob(sc scanner) (*job.ScheduledJob, error) {
	var r jobRow
	if err := sc.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.value(), nil
}

func scanSchedule(sc scanner) (*job.Schedule, error) {
	var r scheduleRow
	if err := sc.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.value(), nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, j *job.ScheduledJob, sc *job.Schedule) error {
	if err := validateJob(j); err != nil {
		return err
	}
	if sc == nil {
		return errors.New("storage: schedule is required")
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	sc.JobID = j.ID
	sc.UpdatedAt = now

	return s.inTx(ctx, "create_job", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(`+sqlList(jobColumns)+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.Name, string(j.Type), payloadText(j.Payload), string(j.Status),
			j.MaxAttempts, j.BackoffBaseSeconds, j.BackoffMaxSeconds, j.MaxExecutionSeconds, j.MaxConsecutiveFailures,
			j.ConsecutiveFailures, nullMillis(j.QuarantinedUntil), nullMillis(j.LastRunAt), nullStr(string(j.LastExecutionStatus)),
			millis(j.CreatedAt), millis(j.UpdatedAt),
		)
		if err != nil {
			return mapWriteErr(err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_schedules(`+sqlList(scheduleColumns)+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			scheduleArgs(sc)...,
		)
		return mapWriteErr(err)
	})
}

func scheduleArgs(sc *job.Schedule) []any {
	return []any{
		sc.JobID, string(sc.Type), nullStr(sc.CronExpr), sc.IntervalSeconds, nullMillis(sc.OneTimeAt), nullStr(sc.Timezone),
		nullMillis(sc.StartAt), nullMillis(sc.EndAt), nullMillis(sc.NextRunAt), boolInt(sc.Enabled),
		string(sc.MisfirePolicy), sc.MaxCatchUpRuns, sc.MisfireRetryCount, nullMillis(sc.LastMisfireAt), nullMillis(sc.LastFiredAt),
		millis(sc.UpdatedAt),
	}
}

func (s *sqliteStore) getJob(ctx context.Context, q querier, where string, arg any) (*job.ScheduledJob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqlList(jobColumns)+` FROM jobs WHERE `+where+` = ?`, arg)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %v: %w", arg, ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*job.ScheduledJob, error) {
	return s.getJob(ctx, s.db, "id", id)
}

func (s *sqliteStore) GetJobByName(ctx context.Context, name string) (*job.ScheduledJob, error) {
	return s.getJob(ctx, s.db, "name", name)
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]job.ScheduledJob, error) {
	q := sq.Select(jobColumns...).From("jobs").OrderBy("name").
		Limit(uint64(clampLimit(f.Limit))).Offset(uint64(max(f.Offset, 0)))
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": string(f.Type)})
	}
	if f.NamePrefix != "" {
		q = q.Where(sq.Like{"name": f.NamePrefix + "%"})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j *job.ScheduledJob) error {
	if err := validateJob(j); err != nil {
		return err
	}
	j.UpdatedAt = time.Now()
	return s.withRetry(ctx, "update_job", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET name=?, payload=?, status=?,
			   max_attempts=?, backoff_base_seconds=?, backoff_max_seconds=?, max_execution_seconds=?, max_consecutive_failures=?,
			   consecutive_failures=?, quarantined_until=?, updated_at=?
			 WHERE id=?`,
			j.Name, payloadText(j.Payload), string(j.Status),
			j.MaxAttempts, j.BackoffBaseSeconds, j.BackoffMaxSeconds, j.MaxExecutionSeconds, j.MaxConsecutiveFailures,
			j.ConsecutiveFailures, nullMillis(j.QuarantinedUntil), millis(j.UpdatedAt),
			j.ID,
		)
		if err != nil {
			return mapWriteErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
		}
		return nil
	})
}

func (s *sqliteStore) GetSchedule(ctx context.Context, jobID string) (*job.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlList(scheduleColumns)+` FROM job_schedules WHERE job_id = ?`, jobID)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", jobID, ErrNotFound)
	}
	return sc, err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc *job.Schedule) error {
	sc.UpdatedAt = time.Now()
	args := scheduleArgs(sc)
	return s.withRetry(ctx, "update_schedule", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE job_schedules SET type=?, cron_expr=?, interval_seconds=?, one_time_at=?, timezone=?,
			   start_at=?, end_at=?, next_run_at=?, enabled=?,
			   misfire_policy=?, max_catch_up_runs=?, misfire_retry_count=?, last_misfire_at=?, last_fired_at=?,
			   updated_at=?
			 WHERE job_id=?`,
			append(args[1:], sc.JobID)...,
		)
		if err != nil {
			return err
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("schedule %s: %w", sc.JobID, ErrNotFound)
		}
		return nil
	})
}

func (s *sqliteStore) AdvanceSchedule(ctx context.Context, sc *job.Schedule, expectedNext *time.Time) (bool, error) {
	sc.UpdatedAt = time.Now()
	var ok bool
	err := s.withRetry(ctx, "advance_schedule", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE job_schedules SET next_run_at=?, enabled=?, misfire_retry_count=?, last_misfire_at=?, last_fired_at=?, updated_at=?
			 WHERE job_id=? AND next_run_at IS ?`,
			nullMillis(sc.NextRunAt), boolInt(sc.Enabled), sc.MisfireRetryCount, nullMillis(sc.LastMisfireAt), nullMillis(sc.LastFiredAt), millis(sc.UpdatedAt),
			sc.JobID, nullMillis(expectedNext),
		)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		ok = n == 1
		return err
	})
	return ok, err
}

func (s *sqliteStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]DueSchedule, error) {
	nowMs := millis(now)
	cols := append(prefixed("j", jobColumns), prefixed("s", scheduleColumns)...)
	q := sq.Select(cols...).
		From("job_schedules s").
		Join("jobs j ON j.id = s.job_id").
		Where(sq.Eq{"s.enabled": 1}).
		Where(sq.NotEq{"s.next_run_at": nil}).
		Where(sq.LtOrEq{"s.next_run_at": nowMs}).
		Where(sq.Or{
			sq.Eq{"j.status": string(job.StatusActive)},
			sq.And{
				sq.Eq{"j.status": string(job.StatusQuarantined)},
				sq.NotEq{"j.quarantined_until": nil},
				sq.LtOrEq{"j.quarantined_until": nowMs},
			},
		}).
		OrderBy("s.next_run_at", "s.job_id").
		Limit(uint64(clampLimit(limit)))
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueSchedule
	for rows.Next() {
		j, sc, err := scanJobSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, DueSchedule{Job: *j, Schedule: *sc})
	}
	return out, rows.Err()
}

// scanJobSchedule scans one joined row: job columns then schedule columns.
func scanJobSchedule(rows *sql.Rows) (*job.ScheduledJob, *job.Schedule, error) {
	var (
		jr jobRow
		sr scheduleRow
	)
	if err := rows.Scan(append(jr.dest(), sr.dest()...)...); err != nil {
		return nil, nil, err
	}
	return jr.value(), sr.value(), nil
}

func sqlList(cols []string) string { return strings.Join(cols, ", ") }

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
