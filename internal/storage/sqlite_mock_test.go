package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/job"
	logx "taskwarden/pkg/logx"
)

func newMockStore(t *testing.T) (*sqliteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLiteStore(db, logx.Nop(), 500*time.Millisecond), mock
}

func TestSQLite_TakeLeaseUnreachable(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduler_leases")).
		WillReturnError(errors.New("dial unix: connection refused"))

	ok, err := st.TakeLease(context.Background(), "job:1", "a", t0, t0.Add(time.Minute))
	require.Error(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet(), "non-busy errors are not retried")
}

func TestSQLite_BusyIsRetried(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduler_leases")).
		WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduler_leases")).
		WithArgs("job:1", "a", t0.UnixMilli(), t0.Add(time.Minute).UnixMilli(), t0.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.TakeLease(context.Background(), "job:1", "a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_TakeLeaseContended(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT(lock_name) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.TakeLease(context.Background(), "job:1", "b", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_FinishExecutionRollsBack(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_executions SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET consecutive_failures=?")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	e := &job.Execution{ID: "e1", JobID: "j1", Status: job.ExecFailed, FinishedAt: tp(t0)}
	err := st.FinishExecution(context.Background(), e, &JobOutcome{LastRunAt: t0, LastExecutionStatus: job.ExecFailed})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_FinishExecutionTerminal(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_executions SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM job_executions WHERE id = ?")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	e := &job.Execution{ID: "e1", JobID: "j1", Status: job.ExecSucceeded, FinishedAt: tp(t0)}
	err := st.FinishExecution(context.Background(), e, nil)
	require.ErrorIs(t, err, ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}
