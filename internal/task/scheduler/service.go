package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/lease"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"

	rtsup "taskwarden/internal/runtime/supervisor"
)

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		store:    deps.Store,
		leases:   deps.Leases,
		registry: deps.Registry,
		dispatch: deps.Dispatch,
		now:      deps.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		limiter:     rate.NewLimiter(rate.Limit(cfg.FireRatePerSec), cfg.FireBurst),
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Parser returns the cron parser used for validation and next-run math.
func (s *Service) Parser() cron.Parser { return s.parser }

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) settings() (Config, *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.loc
}

// Apply swaps poll interval, timezone and fire rate at runtime. The poll
// loop picks up a new interval on its next tick.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	wake := s.wake
	s.mu.Unlock()

	s.limiter.SetLimit(rate.Limit(cfg.FireRatePerSec))
	s.limiter.SetBurst(cfg.FireBurst)
	if prev.PollInterval != cfg.PollInterval && wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Start runs the poll loop until Stop. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.wake = make(chan struct{}, 1)
	wake := s.wake
	node := ""
	if s.leases != nil {
		node = s.leases.Owner()
	}
	s.sup.GoRestart("poll", func(c context.Context) error {
		return s.loop(c, wake, node)
	})
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Duration("poll", s.cfg.PollInterval))
}

// Stop stops the poll loop. Firings already handed to the executor are
// not affected.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.wake = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("stop incomplete", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Healthy reports whether the poll loop ran recently.
func (s *Service) Healthy() bool {
	cfg, _ := s.settings()
	last := s.lastPollAt.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= 3*cfg.PollInterval+time.Second
}

func (s *Service) loop(ctx context.Context, wake <-chan struct{}, node string) error {
	cfg, _ := s.settings()
	t := time.NewTimer(startupDelay(cfg.PollInterval, node))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-t.C:
			if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("poll failed", logx.Err(err))
			}
		}
		cfg, _ = s.settings()
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(cfg.PollInterval)
	}
}

// PollOnce scans due schedules once and dispatches their firings. It
// returns the number of firings handed to the dispatcher.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	cfg, loc := s.settings()
	now := s.now()
	s.polls.Add(1)
	s.lastPollAt.Store(time.Now().UnixNano())

	due, err := s.store.ListDueSchedules(ctx, now, cfg.BatchSize)
	if err != nil {
		s.pollErrors.Add(1)
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	fired := 0
	for i := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		fs := s.advance(ctx, &due[i], now, cfg, loc)
		if len(fs) == 0 {
			continue
		}
		fired += s.fire(ctx, fs)
	}
	return fired, nil
}

// advance moves one due schedule forward under its lease and returns the
// firings to run. Nothing runs unless the new next run was stored.
func (s *Service) advance(ctx context.Context, ds *storage.DueSchedule, now time.Time, cfg Config, loc *time.Location) []engine.Firing {
	sched := ds.Schedule
	name := "schedule:" + sched.JobID
	l, err := s.leases.Acquire(ctx, name, cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			s.contended.Add(1)
		}
		return nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.LeaseTTL)
		defer cancel()
		_ = s.leases.Release(rctx, l)
	}()

	expected := sched.NextRunAt
	c, err := CadenceFor(&sched, s.parser, loc)
	if err != nil {
		// Stored schedules are validated on write; this one cannot run.
		s.log.Error("schedule invalid; disabling", logx.String("job_id", sched.JobID), logx.Err(err))
		bad := sched
		bad.Enabled = false
		bad.NextRunAt = nil
		if _, err := s.store.AdvanceSchedule(ctx, &bad, expected); err != nil {
			s.log.Warn("schedule disable failed", logx.String("job_id", sched.JobID), logx.Err(err))
		}
		return nil
	}

	updated, d := Plan(sched, now, cfg.PollInterval, c)
	ok, err := s.store.AdvanceSchedule(ctx, &updated, expected)
	if err != nil {
		s.log.Warn("schedule advance failed", logx.String("job_id", sched.JobID), logx.Err(err))
		return nil
	}
	if !ok {
		// Another node advanced it first.
		s.contended.Add(1)
		return nil
	}

	if d.Misfired {
		s.misfires.Add(1)
		s.log.Info("schedule.misfire",
			logx.String("job", ds.Job.Name),
			logx.String("job_id", sched.JobID),
			logx.String("policy", string(d.Policy)),
			logx.Int("due", d.Due),
			logx.Int("firing", len(d.Fire)),
			logx.Int("dropped", d.Dropped),
			logx.Bool("truncated", d.Truncated),
		)
		eventbus.PublishFiring(s.bus, eventbus.FiringEvent{
			JobID: sched.JobID, Kind: "misfire", Policy: string(d.Policy), ScheduledAt: *expected, Dropped: d.Dropped,
		})
	}
	if d.Dropped > 0 {
		s.dropped.Add(uint64(d.Dropped))
	}

	fs := make([]engine.Firing, 0, len(d.Fire))
	for _, o := range d.Fire {
		fs = append(fs, engine.Firing{
			FiringID:    uuid.NewString(),
			JobID:       sched.JobID,
			TriggeredBy: job.TriggerScheduler,
			ScheduledAt: o.At,
			IsReplay:    o.Replay,
		})
	}
	return fs
}

// fire rate limits and dispatches the firings of one schedule as one batch
// so replays run in order.
func (s *Service) fire(ctx context.Context, fs []engine.Firing) int {
	for range fs {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0
		}
	}
	for _, f := range fs {
		kind := "scheduled"
		if f.IsReplay {
			kind = "replay"
			s.replays.Add(1)
		}
		s.fired.Add(1)
		eventbus.PublishFiring(s.bus, eventbus.FiringEvent{
			JobID: f.JobID, FiringID: f.FiringID, Kind: kind, ScheduledAt: f.ScheduledAt,
		})
	}
	if err := s.dispatch.Enqueue(fs...); err != nil {
		s.reportEnqueueError(fs[0].JobID, err)
		return 0
	}
	return len(fs)
}

func (s *Service) Snapshot() Snapshot {
	cfg, loc := s.settings()
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	snap := Snapshot{
		Enabled:      cfg.Enabled,
		Running:      running,
		Timezone:     loc.String(),
		PollInterval: cfg.PollInterval,
		Polls:        s.polls.Load(),
		PollErrors:   s.pollErrors.Load(),
		Fired:        s.fired.Load(),
		Replays:      s.replays.Load(),
		Misfires:     s.misfires.Load(),
		Dropped:      s.dropped.Load(),
		Contended:    s.contended.Load(),
	}
	if last := s.lastPollAt.Load(); last != 0 {
		snap.LastPollAt = time.Unix(0, last)
	}
	return snap
}
