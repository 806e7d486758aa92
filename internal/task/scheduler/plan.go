package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"taskwarden/internal/job"
)

// maxScan bounds how many missed occurrences one plan walks.
const maxScan = 100_000

// Cadence yields the occurrences of a schedule.
type Cadence interface {
	// Next returns the first occurrence strictly after t, or false when
	// there are no more.
	Next(t time.Time) (time.Time, bool)
}

type cronCadence struct {
	sched cron.Schedule
	loc   *time.Location
}

func (c cronCadence) Next(t time.Time) (time.Time, bool) {
	n := c.sched.Next(t.In(c.loc))
	if n.IsZero() {
		return time.Time{}, false
	}
	return n.UTC(), true
}

// intervalCadence ticks every `every` from origin.
type intervalCadence struct {
	origin time.Time
	every  time.Duration
}

func (c intervalCadence) Next(t time.Time) (time.Time, bool) {
	if t.Before(c.origin) {
		return c.origin, true
	}
	k := t.Sub(c.origin)/c.every + 1
	return c.origin.Add(k * c.every), true
}

type oneTimeCadence struct{ at time.Time }

func (c oneTimeCadence) Next(t time.Time) (time.Time, bool) {
	if c.at.After(t) {
		return c.at, true
	}
	return time.Time{}, false
}

// CadenceFor builds the cadence of s. Interval schedules tick from their
// stored next run, so catch-up keeps the original phase.
func CadenceFor(s *job.Schedule, parser cron.Parser, defaultLoc *time.Location) (Cadence, error) {
	switch s.Type {
	case job.ScheduleCron:
		cs, err := parser.Parse(s.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.CronExpr, err)
		}
		return cronCadence{sched: cs, loc: scheduleLocation(s, defaultLoc)}, nil
	case job.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		origin := time.Time{}
		switch {
		case s.NextRunAt != nil:
			origin = *s.NextRunAt
		case s.StartAt != nil:
			origin = *s.StartAt
		}
		return intervalCadence{origin: origin, every: time.Duration(s.IntervalSeconds) * time.Second}, nil
	case job.ScheduleOneTime:
		if s.OneTimeAt == nil {
			return nil, fmt.Errorf("%w: one-time schedule without an instant", ErrInvalidSchedule)
		}
		return oneTimeCadence{at: *s.OneTimeAt}, nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, s.Type)
	}
}

func scheduleLocation(s *job.Schedule, def *time.Location) *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	if def != nil {
		return def
	}
	return time.UTC
}

// InitialNext is the first run of a new or edited schedule.
func InitialNext(s *job.Schedule, now time.Time, parser cron.Parser, defaultLoc *time.Location) (*time.Time, error) {
	from := now
	if s.StartAt != nil && s.StartAt.After(now) {
		from = *s.StartAt
	}
	var next time.Time
	switch s.Type {
	case job.ScheduleCron:
		c, err := CadenceFor(s, parser, defaultLoc)
		if err != nil {
			return nil, err
		}
		// Next is strictly after; a StartAt on an occurrence must count.
		if from.Equal(now) {
			next, _ = c.Next(from)
		} else {
			next, _ = c.Next(from.Add(-time.Nanosecond))
		}
	case job.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
		}
		if s.StartAt != nil && s.StartAt.After(now) {
			next = *s.StartAt
		} else {
			next = now.Add(time.Duration(s.IntervalSeconds) * time.Second)
		}
	case job.ScheduleOneTime:
		if s.OneTimeAt == nil {
			return nil, fmt.Errorf("%w: one-time schedule without an instant", ErrInvalidSchedule)
		}
		next = *s.OneTimeAt
	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, s.Type)
	}
	if next.IsZero() || (s.EndAt != nil && next.After(*s.EndAt)) {
		return nil, nil
	}
	next = next.UTC()
	return &next, nil
}

// Occurrence is one firing decided by a plan.
type Occurrence struct {
	At     time.Time
	Replay bool
}

// Decision describes what one plan did.
type Decision struct {
	Fire     []Occurrence
	Misfired bool
	Policy   job.MisfirePolicy
	// Due counts the in-window occurrences that were due.
	Due int
	// Dropped counts due occurrences that will never fire.
	Dropped int
	// Truncated is set when the walk stopped at maxScan.
	Truncated bool
}

// Plan decides the firings of a due schedule at now and returns the
// schedule as it must be stored before any of them runs. A schedule is
// misfired when its next run is more than poll in the past.
func Plan(s job.Schedule, now time.Time, poll time.Duration, c Cadence) (job.Schedule, Decision) {
	if !s.Enabled || s.NextRunAt == nil || s.NextRunAt.After(now) {
		return s, Decision{}
	}
	due := *s.NextRunAt
	d := Decision{Misfired: now.Sub(due) > poll}

	keep := 1
	if d.Misfired && s.MisfirePolicy == job.MisfireFireAndCatchUp {
		keep = s.MaxCatchUpRuns
		if keep <= 0 {
			keep = 1
		}
	}

	var (
		oldest []time.Time
		latest time.Time
		ended  bool
	)
	next, more := due, true
	for scanned := 0; more && !next.After(now); scanned++ {
		if scanned >= maxScan {
			d.Truncated = true
			next, more = c.Next(now)
			break
		}
		switch {
		case s.EndAt != nil && next.After(*s.EndAt):
			ended = true
		case s.StartAt != nil && next.Before(*s.StartAt):
		default:
			d.Due++
			latest = next
			if len(oldest) < keep {
				oldest = append(oldest, next)
			}
		}
		if ended {
			break
		}
		next, more = c.Next(next)
	}

	out := s
	switch {
	case ended || !more || (s.EndAt != nil && next.After(*s.EndAt)):
		out.NextRunAt = nil
	default:
		if s.StartAt != nil && next.Before(*s.StartAt) {
			if n, ok := c.Next(s.StartAt.Add(-time.Nanosecond)); ok {
				next = n
			}
		}
		n := next
		out.NextRunAt = &n
	}
	if s.Type == job.ScheduleOneTime {
		out.Enabled = false
		out.NextRunAt = nil
	}

	if d.Due > 0 {
		if !d.Misfired {
			// Occurrences due within one poll coalesce into one firing.
			d.Fire = []Occurrence{{At: oldest[0]}}
			d.Dropped = d.Due - 1
			out.MisfireRetryCount = 0
		} else {
			d.Policy = s.MisfirePolicy
			switch s.MisfirePolicy {
			case job.MisfireSkip:
			case job.MisfireFireAndCatchUp:
				for _, at := range oldest {
					d.Fire = append(d.Fire, Occurrence{At: at, Replay: true})
				}
			default:
				d.Policy = job.MisfireFireNow
				d.Fire = []Occurrence{{At: latest, Replay: true}}
			}
			d.Dropped = d.Due - len(d.Fire)
		}
	}
	if d.Due == 0 {
		d.Misfired = false
	}
	if d.Misfired {
		at := now
		out.LastMisfireAt = &at
		out.MisfireRetryCount++
	}
	if len(d.Fire) > 0 {
		at := now
		out.LastFiredAt = &at
	}
	return out, d
}
