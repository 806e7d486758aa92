package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"taskwarden/internal/job"
)

func TestGetPolicy_Precedence(t *testing.T) {
	t.Parallel()
	r := NewResolver(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Minute},
		map[job.Type]Override{job.TypeNotificationProbe: {MaxAttempts: 6}})

	cases := []struct {
		name string
		t    job.Type
		j    *job.ScheduledJob
		want Policy
	}{
		{"defaults", job.TypeNoop, &job.ScheduledJob{}, Policy{3, 10 * time.Second, 5 * time.Minute}},
		{"job values", job.TypeNoop, &job.ScheduledJob{MaxAttempts: 5, BackoffBaseSeconds: 2, BackoffMaxSeconds: 30}, Policy{5, 2 * time.Second, 30 * time.Second}},
		{"override wins per field", job.TypeNotificationProbe, &job.ScheduledJob{MaxAttempts: 2, BackoffBaseSeconds: 1}, Policy{6, time.Second, 5 * time.Minute}},
		{"max below base is raised", job.TypeNoop, &job.ScheduledJob{BackoffBaseSeconds: 60, BackoffMaxSeconds: 5}, Policy{3, time.Minute, time.Minute}},
		{"nil job", job.TypeNoop, nil, Policy{3, 10 * time.Second, 5 * time.Minute}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, r.GetPolicy(tc.t, tc.j))
		})
	}
}

func TestResolver_Apply(t *testing.T) {
	t.Parallel()
	r := NewResolver(Policy{}, nil)
	assert.Equal(t, Defaults, r.GetPolicy(job.TypeNoop, nil))

	r.Apply(Policy{MaxAttempts: 1}, map[job.Type]Override{job.TypeNoop: {BaseDelay: time.Second}})
	p := r.GetPolicy(job.TypeNoop, nil)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
}

func TestDelay_MonotonicAndCapped(t *testing.T) {
	t.Parallel()
	policies := []Policy{
		{MaxAttempts: 10, BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Minute},
		{MaxAttempts: 64, BaseDelay: time.Millisecond, MaxDelay: time.Hour},
		{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: time.Minute},
		{MaxAttempts: 200, BaseDelay: 3 * time.Second, MaxDelay: 1<<62 - 1},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for a := 1; a <= p.MaxAttempts; a++ {
			d := p.Delay(a)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", a)
			assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", a)
			assert.Positive(t, d)
			prev = d
		}
	}
}

func TestDelay_Values(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 6, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 10*time.Second, p.Delay(0))
}

func TestDelayWithHint(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, 7*time.Second, p.DelayWithHint(1, 7*time.Second, true))
	assert.Equal(t, 30*time.Second, p.DelayWithHint(1, time.Hour, true))
	assert.Equal(t, time.Duration(0), p.DelayWithHint(1, -time.Second, true))
	assert.Equal(t, 2*time.Second, p.DelayWithHint(2, 0, false))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestQuarantine(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	q := Quarantine{Threshold: 3, Cooldown: 30 * time.Minute}

	j := &job.ScheduledJob{Status: job.StatusActive}
	for i := 1; i < 3; i++ {
		v := q.AfterDeadLetter(j, now)
		assert.Equal(t, i, v.ConsecutiveFailures)
		assert.Equal(t, TransitionNone, v.Transition)
		j.ConsecutiveFailures = v.ConsecutiveFailures
	}
	assert.Equal(t, Verdict{ConsecutiveFailures: 2}, q.AfterFailedAttempt(j))

	v := q.AfterDeadLetter(j, now)
	assert.Equal(t, 3, v.ConsecutiveFailures)
	assert.Equal(t, job.StatusQuarantined, v.Status)
	assert.Equal(t, TransitionQuarantined, v.Transition)
	assert.Equal(t, now.Add(30*time.Minute), *v.QuarantinedUntil)

	j.Status = job.StatusQuarantined
	j.ConsecutiveFailures = 3
	assert.Equal(t, Verdict{Status: job.StatusActive, Transition: TransitionUnquarantined}, q.AfterSuccess(j))

	t.Run("job threshold wins", func(t *testing.T) {
		t.Parallel()
		v := q.AfterDeadLetter(&job.ScheduledJob{Status: job.StatusActive, MaxConsecutiveFailures: 1}, now)
		assert.Equal(t, TransitionQuarantined, v.Transition)
	})
	t.Run("paused job keeps status", func(t *testing.T) {
		t.Parallel()
		v := q.AfterDeadLetter(&job.ScheduledJob{Status: job.StatusPaused, ConsecutiveFailures: 9}, now)
		assert.Equal(t, 10, v.ConsecutiveFailures)
		assert.Empty(t, v.Status)
	})
	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		v := Quarantine{}.AfterDeadLetter(&job.ScheduledJob{Status: job.StatusActive, ConsecutiveFailures: 50}, now)
		assert.Equal(t, TransitionNone, v.Transition)
	})
}
