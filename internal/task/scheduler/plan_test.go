package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/job"
)

var (
	t0         = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	testParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func tp(t time.Time) *time.Time { return &t }

func minuteSchedule(p job.MisfirePolicy, catchUp int) job.Schedule {
	return job.Schedule{
		JobID:           "j1",
		Type:            job.ScheduleInterval,
		IntervalSeconds: 60,
		NextRunAt:       tp(t0),
		Enabled:         true,
		MisfirePolicy:   p,
		MaxCatchUpRuns:  catchUp,
	}
}

func plan(t *testing.T, s job.Schedule, now time.Time) (job.Schedule, Decision) {
	t.Helper()
	c, err := CadenceFor(&s, testParser, time.UTC)
	require.NoError(t, err)
	return Plan(s, now, 5*time.Second, c)
}

func fireTimes(d Decision) []time.Time {
	out := make([]time.Time, 0, len(d.Fire))
	for _, o := range d.Fire {
		out = append(out, o.At)
	}
	return out
}

func TestPlan_MisfirePolicies(t *testing.T) {
	t.Parallel()

	// Ten occurrences (t0 .. t0+9m) were missed.
	now := t0.Add(9*time.Minute + 30*time.Second)
	tests := []struct {
		name    string
		policy  job.MisfirePolicy
		catchUp int
		fire    []time.Time
		dropped int
	}{
		{"catch up oldest first", job.MisfireFireAndCatchUp, 3, []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)}, 7},
		{"catch up cap defaults to one", job.MisfireFireAndCatchUp, 0, []time.Time{t0}, 9},
		{"skip", job.MisfireSkip, 0, []time.Time{}, 10},
		{"fire now takes latest", job.MisfireFireNow, 0, []time.Time{t0.Add(9 * time.Minute)}, 9},
		{"empty policy is fire now", "", 0, []time.Time{t0.Add(9 * time.Minute)}, 9},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, d := plan(t, minuteSchedule(tt.policy, tt.catchUp), now)

			assert.True(t, d.Misfired)
			assert.Equal(t, 10, d.Due)
			assert.Equal(t, tt.dropped, d.Dropped)
			assert.Equal(t, tt.fire, fireTimes(d))
			for _, o := range d.Fire {
				assert.True(t, o.Replay)
			}
			require.NotNil(t, out.NextRunAt)
			assert.Equal(t, t0.Add(10*time.Minute), *out.NextRunAt)
			assert.Equal(t, 1, out.MisfireRetryCount)
			require.NotNil(t, out.LastMisfireAt)
			assert.Equal(t, now, *out.LastMisfireAt)
			assert.Equal(t, len(d.Fire) > 0, out.LastFiredAt != nil)
		})
	}
}

func TestPlan_OnTimeFiresOnce(t *testing.T) {
	t.Parallel()

	s := minuteSchedule(job.MisfireFireAndCatchUp, 5)
	s.MisfireRetryCount = 2
	out, d := plan(t, s, t0.Add(2*time.Second))

	assert.False(t, d.Misfired)
	require.Len(t, d.Fire, 1)
	assert.Equal(t, t0, d.Fire[0].At)
	assert.False(t, d.Fire[0].Replay)
	assert.Equal(t, 0, d.Dropped)
	assert.Equal(t, t0.Add(time.Minute), *out.NextRunAt)
	assert.Equal(t, 0, out.MisfireRetryCount)
	assert.Nil(t, out.LastMisfireAt)
}

func TestPlan_CoalescesWithinOnePoll(t *testing.T) {
	t.Parallel()

	s := minuteSchedule(job.MisfireFireNow, 0)
	s.IntervalSeconds = 1
	out, d := plan(t, s, t0.Add(3*time.Second))

	assert.False(t, d.Misfired)
	assert.Equal(t, 4, d.Due)
	assert.Equal(t, []time.Time{t0}, fireTimes(d))
	assert.Equal(t, 3, d.Dropped)
	assert.Equal(t, t0.Add(4*time.Second), *out.NextRunAt)
}

func TestPlan_NotDueIsUnchanged(t *testing.T) {
	t.Parallel()

	s := minuteSchedule(job.MisfireFireNow, 0)
	out, d := plan(t, s, t0.Add(-time.Second))
	assert.Empty(t, d.Fire)
	assert.Equal(t, s, out)

	s.Enabled = false
	out, d = plan(t, s, t0.Add(time.Hour))
	assert.Empty(t, d.Fire)
	assert.Equal(t, s, out)
}

func TestPlan_OneTimeDisablesItself(t *testing.T) {
	t.Parallel()

	s := job.Schedule{JobID: "j1", Type: job.ScheduleOneTime, OneTimeAt: tp(t0), NextRunAt: tp(t0), Enabled: true, MisfirePolicy: job.MisfireFireNow}
	out, d := plan(t, s, t0.Add(time.Hour))

	assert.True(t, d.Misfired)
	require.Len(t, d.Fire, 1)
	assert.Equal(t, t0, d.Fire[0].At)
	assert.False(t, out.Enabled)
	assert.Nil(t, out.NextRunAt)

	s.MisfirePolicy = job.MisfireSkip
	out, d = plan(t, s, t0.Add(time.Hour))
	assert.Empty(t, d.Fire)
	assert.Equal(t, 1, d.Dropped)
	assert.False(t, out.Enabled)
}

func TestPlan_StopsAtEndAt(t *testing.T) {
	t.Parallel()

	s := minuteSchedule(job.MisfireFireAndCatchUp, 10)
	s.EndAt = tp(t0.Add(2*time.Minute + 30*time.Second))
	out, d := plan(t, s, t0.Add(5*time.Minute))

	assert.Equal(t, 3, d.Due)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)}, fireTimes(d))
	assert.Nil(t, out.NextRunAt)
}

func TestPlan_TruncatesHugeBacklog(t *testing.T) {
	t.Parallel()

	s := minuteSchedule(job.MisfireFireNow, 0)
	s.IntervalSeconds = 1
	now := t0.Add(maxScan*time.Second + time.Hour)
	out, d := plan(t, s, now)

	assert.True(t, d.Truncated)
	assert.Equal(t, maxScan, d.Due)
	require.NotNil(t, out.NextRunAt)
	assert.True(t, out.NextRunAt.After(now))
}

func TestCadence_CronHonorsTimezone(t *testing.T) {
	t.Parallel()

	s := job.Schedule{Type: job.ScheduleCron, CronExpr: "0 9 * * *", Timezone: "America/New_York"}
	c, err := CadenceFor(&s, testParser, time.UTC)
	require.NoError(t, err)

	winter, ok := c.Next(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC), winter)

	summer, ok := c.Next(time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC), summer)
}

func TestCadenceFor_RejectsBrokenSchedules(t *testing.T) {
	t.Parallel()

	for _, s := range []job.Schedule{
		{Type: job.ScheduleCron, CronExpr: "not a cron"},
		{Type: job.ScheduleInterval},
		{Type: job.ScheduleOneTime},
		{Type: "weekly"},
	} {
		_, err := CadenceFor(&s, testParser, time.UTC)
		assert.ErrorIs(t, err, ErrInvalidSchedule, "%+v", s)
	}
}

func TestInitialNext(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    job.Schedule
		want *time.Time
	}{
		{"cron", job.Schedule{Type: job.ScheduleCron, CronExpr: "0 * * * *"}, tp(now.Add(30 * time.Minute))},
		{"cron start on occurrence is inclusive", job.Schedule{Type: job.ScheduleCron, CronExpr: "0 * * * *", StartAt: tp(now.Add(90 * time.Minute))}, tp(now.Add(90 * time.Minute))},
		{"interval", job.Schedule{Type: job.ScheduleInterval, IntervalSeconds: 600}, tp(now.Add(10 * time.Minute))},
		{"interval future start", job.Schedule{Type: job.ScheduleInterval, IntervalSeconds: 600, StartAt: tp(now.Add(time.Hour))}, tp(now.Add(time.Hour))},
		{"one time", job.Schedule{Type: job.ScheduleOneTime, OneTimeAt: tp(now.Add(time.Minute))}, tp(now.Add(time.Minute))},
		{"past end", job.Schedule{Type: job.ScheduleInterval, IntervalSeconds: 600, EndAt: tp(now.Add(time.Minute))}, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := InitialNext(&tt.s, now, testParser, time.UTC)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
