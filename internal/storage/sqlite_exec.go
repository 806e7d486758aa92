package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"taskwarden/internal/job"
)

var executionColumns = []string{
	"id", "job_id", "firing_id", "status", "triggered_by", "node_id",
	"scheduled_at", "started_at", "finished_at", "duration_ms",
	"attempt", "max_attempts", "is_replay", "is_dead_lettered", "dead_letter_reason",
	"payload_snapshot", "error",
}

var (
	openStatuses     = []string{string(job.ExecScheduled), string(job.ExecRunning)}
	terminalStatuses = []string{
		string(job.ExecSucceeded), string(job.ExecFailed), string(job.ExecCanceled),
		string(job.ExecTimedOut), string(job.ExecSkipped), string(job.ExecDeadLettered),
	}
)

func scanExecution(sc scanner) (*job.Execution, error) {
	var (
		e                     job.Execution
		scheduled, started    int64
		finished              sql.NullInt64
		replay, dead          int
		reason, snap, errText sql.NullString
	)
	err := sc.Scan(&e.ID, &e.JobID, &e.FiringID, &e.Status, &e.TriggeredBy, &e.NodeID,
		&scheduled, &started, &finished, &e.DurationMs,
		&e.Attempt, &e.MaxAttempts, &replay, &dead, &reason,
		&snap, &errText)
	if err != nil {
		return nil, err
	}
	e.ScheduledAt = fromMillis(scheduled)
	e.StartedAt = fromMillis(started)
	e.FinishedAt = timePtr(finished)
	e.IsReplay = replay != 0
	e.IsDeadLettered = dead != 0
	e.DeadLetterReason = reason.String
	if snap.Valid {
		e.PayloadSnapshot = []byte(snap.String)
	}
	e.Error = errText.String
	return &e, nil
}

func (s *sqliteStore) InsertExecution(ctx context.Context, e *job.Execution) error {
	if e == nil || e.ID == "" || e.JobID == "" {
		return errors.New("storage: execution id and job id are required")
	}
	return s.withRetry(ctx, "insert_execution", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO job_executions(`+sqlList(executionColumns)+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.JobID, e.FiringID, string(e.Status), e.TriggeredBy, e.NodeID,
			millis(e.ScheduledAt), millis(e.StartedAt), nullMillis(e.FinishedAt), e.DurationMs,
			e.Attempt, e.MaxAttempts, boolInt(e.IsReplay), boolInt(e.IsDeadLettered), nullStr(e.DeadLetterReason),
			nullStr(string(e.PayloadSnapshot)), nullStr(e.Error),
		)
		return mapWriteErr(err)
	})
}

func (s *sqliteStore) FinishExecution(ctx context.Context, e *job.Execution, out *JobOutcome) error {
	if e == nil || !e.Status.Terminal() {
		return errors.New("storage: finish requires a terminal status")
	}
	return s.inTx(ctx, "finish_execution", func(ctx context.Context, tx *sql.Tx) error {
		q, args, err := sq.Update("job_executions").
			Set("status", string(e.Status)).
			Set("finished_at", nullMillis(e.FinishedAt)).
			Set("duration_ms", e.DurationMs).
			Set("is_dead_lettered", boolInt(e.IsDeadLettered)).
			Set("dead_letter_reason", nullStr(e.DeadLetterReason)).
			Set("error", nullStr(e.Error)).
			Where(sq.Eq{"id": e.ID, "status": openStatuses}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM job_executions WHERE id = ?`, e.ID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("execution %s: %w", e.ID, ErrTerminal)
		}
		if out == nil {
			return nil
		}
		return applyOutcome(ctx, tx, e.JobID, out)
	})
}

func applyOutcome(ctx context.Context, tx *sql.Tx, jobID string, out *JobOutcome) error {
	now := millis(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET consecutive_failures=?, last_run_at=?, last_execution_status=?, updated_at=? WHERE id=?`,
		out.ConsecutiveFailures, millis(out.LastRunAt), nullStr(string(out.LastExecutionStatus)), now, jobID,
	)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if out.Status == "" {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, quarantined_until=?, updated_at=? WHERE id=? AND status=?`,
		string(out.Status), nullMillis(out.QuarantinedUntil), now, jobID, string(out.FromStatus),
	)
	return err
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*job.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlList(executionColumns)+` FROM job_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]job.Execution, error) {
	q := sq.Select(executionColumns...).From("job_executions").
		OrderBy("started_at DESC", "attempt DESC", "rowid DESC").
		Limit(uint64(clampLimit(f.Limit)))
	eq := sq.Eq{}
	if f.JobID != "" {
		eq["job_id"] = f.JobID
	}
	if f.FiringID != "" {
		eq["firing_id"] = f.FiringID
	}
	if f.NodeID != "" {
		eq["node_id"] = f.NodeID
	}
	if f.Status != "" {
		eq["status"] = string(f.Status)
	}
	if len(eq) > 0 {
		q = q.Where(eq)
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"started_at": millis(f.Since)})
	}
	return s.queryExecutions(ctx, q)
}

func (s *sqliteStore) queryExecutions(ctx context.Context, q sq.SelectBuilder) ([]job.Execution, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestTerminalExecution(ctx context.Context, jobID string) (*job.Execution, error) {
	list, err := s.queryExecutions(ctx, sq.Select(executionColumns...).From("job_executions").
		Where(sq.Eq{"job_id": jobID, "status": terminalStatuses}).
		OrderBy("COALESCE(finished_at, started_at) DESC", "rowid DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("terminal execution for %s: %w", jobID, ErrNotFound)
	}
	return &list[0], nil
}

func (s *sqliteStore) RecoverOrphans(ctx context.Context, nodeID string, now time.Time, reason string) (int, error) {
	var n int64
	err := s.withRetry(ctx, "recover_orphans", func() error {
		q, args, err := sq.Update("job_executions").
			Set("status", string(job.ExecFailed)).
			Set("error", reason).
			Set("finished_at", millis(now)).
			Set("duration_ms", sq.Expr("MAX(0, ? - started_at)", millis(now))).
			Where(sq.Eq{"node_id": nodeID, "status": openStatuses}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = rowsAffected(res)
		return err
	})
	return int(n), err
}

func (s *sqliteStore) AddDependency(ctx context.Context, d job.Dependency, check func(existing []job.Dependency) error) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return s.inTx(ctx, "add_dependency", func(ctx context.Context, tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id IN (?, ?)`, d.JobID, d.DependsOnJobID).Scan(&count); err != nil {
			return err
		}
		want := 2
		if d.JobID == d.DependsOnJobID {
			want = 1
		}
		if count != want {
			return fmt.Errorf("dependency %s -> %s: %w", d.JobID, d.DependsOnJobID, ErrNotFound)
		}
		existing, err := listDependencies(ctx, tx, "")
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(existing); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_dependencies(job_id, depends_on_job_id, created_at) VALUES(?,?,?)`,
			d.JobID, d.DependsOnJobID, millis(d.CreatedAt),
		)
		return mapWriteErr(err)
	})
}

func (s *sqliteStore) RemoveDependency(ctx context.Context, jobID, dependsOnJobID string) error {
	return s.withRetry(ctx, "remove_dependency", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM job_dependencies WHERE job_id = ? AND depends_on_job_id = ?`, jobID, dependsOnJobID)
		if err != nil {
			return err
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("dependency %s -> %s: %w", jobID, dependsOnJobID, ErrNotFound)
		}
		return nil
	})
}

func (s *sqliteStore) ListDependencies(ctx context.Context, jobID string) ([]job.Dependency, error) {
	return listDependencies(ctx, s.db, jobID)
}

func listDependencies(ctx context.Context, q querier, jobID string) ([]job.Dependency, error) {
	b := sq.Select("job_id", "depends_on_job_id", "created_at").From("job_dependencies").
		OrderBy("job_id", "depends_on_job_id")
	if jobID != "" {
		b = b.Where(sq.Eq{"job_id": jobID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Dependency
	for rows.Next() {
		var (
			d  job.Dependency
			at int64
		)
		if err := rows.Scan(&d.JobID, &d.DependsOnJobID, &at); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMillis(at)
		out = append(out, d)
	}
	return out, rows.Err()
}
