package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/job"
	"taskwarden/internal/storage"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, st storage.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		next := t0
		require.NoError(t, st.CreateJob(context.Background(),
			&job.ScheduledJob{ID: id, Name: "job-" + id, Type: job.TypeNoop, Payload: []byte(`{}`), Status: job.StatusActive, MaxAttempts: 1},
			&job.Schedule{Type: job.ScheduleInterval, IntervalSeconds: 60, NextRunAt: &next, Enabled: true, MisfirePolicy: job.MisfireSkip},
		))
	}
}

func record(t *testing.T, st storage.Store, id, jobID string, status job.ExecutionStatus, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertExecution(context.Background(), &job.Execution{
		ID: id, JobID: jobID, Status: status, TriggeredBy: job.TriggerScheduler,
		ScheduledAt: at, StartedAt: at, FinishedAt: &at, Attempt: 1, MaxAttempts: 1,
	}))
}

func noCheck([]job.Dependency) error { return nil }

func TestCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "a", "b", "c", "solo")
	require.NoError(t, st.AddDependency(ctx, job.Dependency{JobID: "b", DependsOnJobID: "a", CreatedAt: t0}, noCheck))
	require.NoError(t, st.AddDependency(ctx, job.Dependency{JobID: "c", DependsOnJobID: "a", CreatedAt: t0}, noCheck))
	require.NoError(t, st.AddDependency(ctx, job.Dependency{JobID: "c", DependsOnJobID: "b", CreatedAt: t0}, noCheck))
	g := New(st)

	d, err := g.Check(ctx, "solo")
	require.NoError(t, err)
	assert.True(t, d.Open)

	d, err = g.Check(ctx, "b")
	require.NoError(t, err)
	assert.False(t, d.Open, "predecessor never ran")
	assert.Equal(t, "a", d.BlockedBy)

	record(t, st, "e1", "a", job.ExecFailed, t0)
	d, err = g.Check(ctx, "b")
	require.NoError(t, err)
	assert.False(t, d.Open)
	assert.Contains(t, d.Reason, "failed")

	record(t, st, "e2", "a", job.ExecSucceeded, t0.Add(time.Minute))
	d, err = g.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Open)

	d, err = g.Check(ctx, "c")
	require.NoError(t, err)
	assert.False(t, d.Open)
	assert.Equal(t, "b", d.BlockedBy)

	record(t, st, "e3", "b", job.ExecSkipped, t0.Add(2*time.Minute))
	d, err = g.Check(ctx, "c")
	require.NoError(t, err)
	assert.False(t, d.Open, "a skipped predecessor is not a success")

	record(t, st, "e4", "a", job.ExecDeadLettered, t0.Add(3*time.Minute))
	d, err = g.Check(ctx, "b")
	require.NoError(t, err)
	assert.False(t, d.Open)
}

type failingStore struct{ Store }

func (failingStore) ListDependencies(context.Context, string) ([]job.Dependency, error) {
	return nil, errors.New("disk I/O error")
}

func TestCheck_StoreError(t *testing.T) {
	t.Parallel()
	_, err := New(failingStore{}).Check(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}
