package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/lease"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	batches [][]engine.Firing
	err     error
}

func (r *recorder) Enqueue(fs ...engine.Firing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, append([]engine.Firing(nil), fs...))
	return nil
}

func (r *recorder) firings() []engine.Firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.Firing
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

type fixture struct {
	st  storage.Store
	svc *Service
	rec *recorder
	clk *clock
	bus eventbus.Bus
}

func newFixture(t *testing.T, st storage.Store, node string, clk *clock) *fixture {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	if clk == nil {
		clk = &clock{t: t0}
	}
	reg, err := job.NewRegistry(job.HandlerFunc(job.TypeNoop, func(context.Context, *job.ScheduledJob, job.Payload) error { return nil }))
	require.NoError(t, err)
	bus := eventbus.New()
	rec := &recorder{}
	svc := New(Config{Enabled: true, PollInterval: 5 * time.Second}, Deps{
		Store:    st,
		Leases:   lease.New(st, lease.Config{Owner: node, Now: clk.Now}, logx.Nop(), bus),
		Registry: reg,
		Dispatch: rec,
		Now:      clk.Now,
	}, logx.Nop(), bus)
	return &fixture{st: st, svc: svc, rec: rec, clk: clk, bus: bus}
}

func (f *fixture) create(t *testing.T, name, expr string, mut ...func(*JobSpec)) *job.ScheduledJob {
	t.Helper()
	spec := JobSpec{Name: name, Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: expr}}
	for _, m := range mut {
		m(&spec)
	}
	j, err := f.svc.CreateJob(context.Background(), spec)
	require.NoError(t, err)
	return j
}

func (f *fixture) schedule(t *testing.T, id string) *job.Schedule {
	t.Helper()
	s, err := f.st.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestPollOnce_FiresDueSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil, "node-a", nil)
	j := f.create(t, "tick", "every:1m")

	n, err := f.svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing due yet")

	f.clk.Add(time.Minute + time.Second)
	n, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	fs := f.rec.firings()
	require.Len(t, fs, 1)
	assert.Equal(t, j.ID, fs[0].JobID)
	assert.Equal(t, job.TriggerScheduler, fs[0].TriggeredBy)
	assert.Equal(t, t0.Add(time.Minute), fs[0].ScheduledAt)
	assert.False(t, fs[0].IsReplay)
	assert.NotEmpty(t, fs[0].FiringID)
	assert.Equal(t, t0.Add(2*time.Minute), *f.schedule(t, j.ID).NextRunAt)

	n, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an occurrence fires once")

	// The schedule lease is released after each advance.
	_, err = f.st.GetLease(ctx, "schedule:"+j.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPollOnce_CatchUpGoesOutAsOneBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node-a", nil)
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	j := f.create(t, "catchup", "every:1m", func(s *JobSpec) {
		s.Schedule.MisfirePolicy = job.MisfireFireAndCatchUp
		s.Schedule.MaxCatchUpRuns = 3
	})
	f.clk.Add(10*time.Minute + 30*time.Second)

	n, err := f.svc.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, f.rec.batches, 1)
	for i, fr := range f.rec.batches[0] {
		assert.True(t, fr.IsReplay)
		assert.Equal(t, t0.Add(time.Duration(i+1)*time.Minute), fr.ScheduledAt)
	}
	s := f.schedule(t, j.ID)
	assert.Equal(t, t0.Add(11*time.Minute), *s.NextRunAt)
	assert.Equal(t, 1, s.MisfireRetryCount)

	snap := f.svc.Snapshot()
	assert.Equal(t, uint64(1), snap.Misfires)
	assert.Equal(t, uint64(7), snap.Dropped)
	assert.Equal(t, uint64(3), snap.Replays)

	misfire := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TopicMisfire {
			misfire = true
			ev := e.Data.(eventbus.FiringEvent)
			assert.Equal(t, string(job.MisfireFireAndCatchUp), ev.Policy)
			assert.Equal(t, 7, ev.Dropped)
		}
	}
	assert.True(t, misfire)
}

func TestPollOnce_SkipsWhileScheduleLeaseHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil, "node-a", nil)
	j := f.create(t, "held", "every:1m")
	f.clk.Add(time.Minute)

	other := lease.New(f.st, lease.Config{Owner: "node-b", Now: f.clk.Now}, logx.Nop(), nil)
	held, err := other.Acquire(ctx, "schedule:"+j.ID, time.Minute)
	require.NoError(t, err)

	n, err := f.svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, t0.Add(time.Minute), *f.schedule(t, j.ID).NextRunAt)
	assert.Equal(t, uint64(1), f.svc.Snapshot().Contended)

	require.NoError(t, other.Release(ctx, held))
	n, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollOnce_NodesRaceForOneOccurrence(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	clk := &clock{t: t0}
	nodes := make([]*fixture, 8)
	for i := range nodes {
		nodes[i] = newFixture(t, st, "node-"+string(rune('a'+i)), clk)
	}
	nodes[0].create(t, "shared", "every:1m")
	clk.Add(time.Minute)

	var g errgroup.Group
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			_, err := n.svc.PollOnce(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, n := range nodes {
		total += len(n.rec.firings())
	}
	assert.Equal(t, 1, total)
}

func TestPollOnce_DisablesUnparseableSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil, "node-a", nil)
	j := &job.ScheduledJob{ID: "broken", Name: "broken", Type: job.TypeNoop, Payload: []byte(`{}`), Status: job.StatusActive}
	require.NoError(t, f.st.CreateJob(ctx, j, &job.Schedule{Type: job.ScheduleCron, CronExpr: "every full moon", NextRunAt: tp(t0), Enabled: true}))

	n, err := f.svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	s := f.schedule(t, "broken")
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextRunAt)
}

func TestPollOnce_DispatchFailureDropsFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node-a", nil)
	f.rec.err = engine.ErrQueueFull
	j := f.create(t, "full", "every:1m")
	f.clk.Add(time.Minute)

	n, err := f.svc.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, t0.Add(2*time.Minute), *f.schedule(t, j.ID).NextRunAt)
}

func TestCreateJob_Validates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node-a", nil)
	ctx := context.Background()

	tests := []struct {
		name string
		spec JobSpec
		want error
	}{
		{"no name", JobSpec{Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: "1m"}}, ErrInvalidJob},
		{"unknown type", JobSpec{Name: "a", Type: "mystery", Schedule: ScheduleSpec{Expr: "1m"}}, job.ErrUnknownType},
		{"bad payload", JobSpec{Name: "a", Type: job.TypeNoop, Payload: json.RawMessage(`{"bogus":true}`), Schedule: ScheduleSpec{Expr: "1m"}}, job.ErrInvalidPayload},
		{"bad schedule", JobSpec{Name: "a", Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: "whenever"}}, ErrInvalidSchedule},
		{"bad cron", JobSpec{Name: "a", Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: "cron:99 * * * *"}}, ErrInvalidSchedule},
		{"bad timezone", JobSpec{Name: "a", Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: "1m", Timezone: "Mars/Olympus"}}, ErrInvalidSchedule},
		{"bad policy", JobSpec{Name: "a", Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: "1m", MisfirePolicy: "panic"}}, ErrInvalidSchedule},
	}
	for _, tt := range tests {
		_, err := f.svc.CreateJob(ctx, tt.spec)
		assert.ErrorIs(t, err, tt.want, tt.name)
	}

	f.create(t, "dup", "1m")
	_, err := f.svc.CreateJob(ctx, JobSpec{Name: "dup", Type: job.TypeNoop, Schedule: ScheduleSpec{Expr: "1m"}})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestOneTimeScheduleFiresOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node-a", nil)
	j := f.create(t, "once", "at:"+t0.Add(time.Hour).Format(time.RFC3339))
	s := f.schedule(t, j.ID)
	assert.Equal(t, job.ScheduleOneTime, s.Type)
	assert.Equal(t, t0.Add(time.Hour), *s.NextRunAt)
	assert.True(t, s.Enabled)

	f.clk.Add(2 * time.Hour)
	n, err := f.svc.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s = f.schedule(t, j.ID)
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextRunAt)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil, "node-a", nil)
	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	j := f.create(t, "ops", "1m")

	got, err := f.svc.Pause(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPaused, got.Status)

	got, err = f.svc.Resume(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, got.Status)

	got, err = f.svc.Deactivate(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, job.StatusInactive, got.Status)

	_, err = f.svc.ClearQuarantine(ctx, "ops")
	assert.ErrorIs(t, err, ErrInvalidJob)

	// Quarantine the job the way the coordinator would.
	cur, err := f.st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	cur.Status = job.StatusQuarantined
	cur.ConsecutiveFailures = 3
	cur.QuarantinedUntil = tp(t0.Add(time.Hour))
	require.NoError(t, f.st.UpdateJob(ctx, cur))

	_, err = f.svc.Resume(ctx, "ops")
	assert.ErrorIs(t, err, ErrInvalidJob)

	got, err = f.svc.ClearQuarantine(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Nil(t, got.QuarantinedUntil)

	var changes, unq int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.TopicJobStatusChanged:
			changes++
		case eventbus.TopicJobUnquarantined:
			unq++
		}
	}
	assert.Equal(t, 4, changes)
	assert.Equal(t, 1, unq)

	_, err = f.svc.Pause(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdatePayloadAndSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil, "node-a", nil)
	j := f.create(t, "edit", "1m")

	_, err := f.svc.UpdatePayload(ctx, "edit", json.RawMessage(`{"sleep":"later"}`))
	assert.ErrorIs(t, err, job.ErrInvalidPayload)
	got, err := f.svc.UpdatePayload(ctx, "edit", json.RawMessage(`{ "note": "hi" }`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"hi"}`, string(got.Payload))

	s, err := f.svc.UpdateSchedule(ctx, j.ID, ScheduleSpec{Expr: "0 13 * * *"})
	require.NoError(t, err)
	assert.Equal(t, job.ScheduleCron, s.Type)
	assert.Equal(t, time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC), *f.schedule(t, j.ID).NextRunAt)
}

func TestForceFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node-a", nil)
	j := f.create(t, "manual", "1h")

	fr, err := f.svc.ForceFire(context.Background(), "manual", "alice")
	require.NoError(t, err)
	assert.Equal(t, "operator:alice", fr.TriggeredBy)
	assert.True(t, job.IsOperatorTrigger(fr.TriggeredBy))
	assert.True(t, fr.SkipGate)
	assert.Equal(t, []engine.Firing{fr}, f.rec.firings())
	assert.Equal(t, j.ID, fr.JobID)

	f.rec.err = engine.ErrStopped
	_, err = f.svc.ForceFire(context.Background(), "manual", "")
	assert.ErrorIs(t, err, engine.ErrStopped)
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil, "node-a", nil)
	a := f.create(t, "a", "1m")
	b := f.create(t, "b", "1m")
	f.create(t, "c", "1m")

	_, err := f.svc.AddDependency(ctx, "a", "b")
	require.NoError(t, err)
	_, err = f.svc.AddDependency(ctx, "b", "c")
	require.NoError(t, err)

	_, err = f.svc.AddDependency(ctx, "a", "a")
	assert.ErrorIs(t, err, ErrSelfDependency)
	_, err = f.svc.AddDependency(ctx, "b", "a")
	assert.ErrorIs(t, err, ErrCycle)
	_, err = f.svc.AddDependency(ctx, "c", "a")
	assert.ErrorIs(t, err, ErrCycle)
	_, err = f.svc.AddDependency(ctx, "a", "b")
	assert.ErrorIs(t, err, storage.ErrConflict)

	deps, err := f.svc.ListDependencies(ctx, "a")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, b.ID, deps[0].DependsOnJobID)

	all, err := f.svc.ListDependencies(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, f.svc.RemoveDependency(ctx, "a", "b"))
	_, err = f.svc.AddDependency(ctx, "c", "a")
	require.NoError(t, err, "removing a->b breaks the would-be cycle")

	deps, err = f.svc.ListDependencies(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestCheckAcyclic(t *testing.T) {
	t.Parallel()
	edges := []job.Dependency{{JobID: "a", DependsOnJobID: "b"}, {JobID: "b", DependsOnJobID: "c"}, {JobID: "x", DependsOnJobID: "c"}}
	if err := checkAcyclic(edges, "x", "a"); err != nil {
		t.Fatalf("x->a: %v", err)
	}
	if err := checkAcyclic(edges, "c", "a"); !errors.Is(err, ErrCycle) {
		t.Fatalf("c->a err = %v, want ErrCycle", err)
	}
}

func TestApply_SwapsTimezone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node-a", nil)
	f.svc.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	assert.Equal(t, "Asia/Tokyo", f.svc.Snapshot().Timezone)
	f.svc.Apply(Config{Enabled: true, Timezone: "Nowhere/Special"})
	assert.Equal(t, "UTC", f.svc.Snapshot().Timezone)
	assert.Equal(t, 5*time.Second, f.svc.Snapshot().PollInterval)
}
