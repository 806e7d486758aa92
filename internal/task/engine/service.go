package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/lease"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/gate"
	"taskwarden/internal/task/policy"
	logx "taskwarden/pkg/logx"

	rtsup "taskwarden/internal/runtime/supervisor"
)

const (
	warnThrottleEvery = 5 * time.Second

	orphanReason = "abandoned: node restarted"
)

// Service is the executor: a bounded worker pool in front of the
// execution coordinator, plus the in-memory retry timers.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    storage.Store
	leases   *lease.Provider
	registry *job.Registry
	policies *policy.Resolver
	gate     *gate.Gate
	now      func() time.Time

	q        chan queuedBatch
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	retries retryQueue

	// abandonAfter is how long a canceled handler may take to return.
	abandonAfter time.Duration

	inFlight     atomic.Int32
	executed     atomic.Uint64
	succeeded    atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	configErrors atomic.Uint64
	abandoned    atomic.Uint64
	dropped      atomic.Uint64

	skipMu  sync.Mutex
	skipped map[SkipReason]uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastQueueFullWarnAt atomic.Int64
}

// queuedBatch runs its firings in order on one worker. Catch-up replays of
// a schedule travel as one batch.
type queuedBatch struct {
	firings    []Firing
	enqueuedAt time.Time
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Policies == nil {
		deps.Policies = policy.NewResolver(policy.Defaults, nil)
	}
	s := &Service{
		cfg:          cfg.withDefaults(),
		log:          log.With(logx.String("comp", "executor")),
		bus:          bus,
		store:        deps.Store,
		leases:       deps.Leases,
		registry:     deps.Registry,
		policies:     deps.Policies,
		gate:         deps.Gate,
		now:          deps.Now,
		abandonAfter: time.Second,
		skipped:      map[SkipReason]uint64{},
	}
	s.retries.svc = s
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Supervisor returns the executor's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply updates the live settings. Worker and queue sizes only change on
// restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	cfg.NodeID = prev.NodeID
	if s.stopCh != nil && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Warn("executor pool size change needs a restart",
			logx.Int("workers", prev.Workers), logx.Int("want_workers", cfg.Workers),
			logx.Int("queue", prev.QueueSize), logx.Int("want_queue", cfg.QueueSize))
		cfg.Workers, cfg.QueueSize = prev.Workers, prev.QueueSize
	}
	s.cfg = cfg
	s.mu.Unlock()
}

// Start recovers executions orphaned by a previous run of this node and
// starts the workers. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return nil
		}
	}
	cfg := s.cfg
	s.mu.Unlock()

	if n, err := s.store.RecoverOrphans(ctx, cfg.NodeID, s.now(), orphanReason); err != nil {
		s.log.Warn("orphan recovery failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("recovered orphaned executions", logx.Int("count", n), logx.String("node", cfg.NodeID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.q = make(chan queuedBatch, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.retries.start(sup.Context())

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("executor started", logx.String("node", cfg.NodeID), logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
	return nil
}

// Stop stops accepting work, drops pending retries and queued firings, and
// waits for in-flight executions until ctx ends. Handlers still running
// then are canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	pending := s.retries.stop()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("executor drain timed out; canceling handlers", logx.Int("in_flight", int(s.inFlight.Load())))
		sup.Cancel()
		t := time.NewTimer(2 * s.abandonAfter)
		select {
		case <-done:
		case <-t.C:
		}
		t.Stop()
	}
	s.log.Info("executor stopped", logx.Int("dropped_retries", pending), logx.Int("dropped_queued", len(queue)))
}

// Enqueue queues firings without blocking. Several firings run in order
// as one batch. If the queue is full the batch is dropped.
//
// Use Submit when you want backpressure instead of dropping.
func (s *Service) Enqueue(fs ...Firing) error {
	return s.enqueue(context.Background(), fs, false)
}

// Submit queues firings and blocks until they are accepted, ctx is
// canceled, or the executor stops.
func (s *Service) Submit(ctx context.Context, fs ...Firing) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, fs, true)
}

func (s *Service) enqueue(ctx context.Context, fs []Firing, block bool) error {
	if len(fs) == 0 {
		return nil
	}
	for _, f := range fs {
		if f.JobID == "" {
			return fmt.Errorf("firing job id is required")
		}
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	b := queuedBatch{firings: fs, enqueuedAt: time.Now()}
	if !block {
		select {
		case q <- b:
			return nil
		default:
			s.onQueueFull(b, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:        running,
		NodeID:         cfg.NodeID,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		PendingRetries: s.retries.len(),
		Executed:       s.executed.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		DeadLettered:   s.deadLettered.Load(),
		ConfigErrors:   s.configErrors.Load(),
		Abandoned:      s.abandoned.Load(),
		Dropped:        s.dropped.Load(),
		Skipped:        map[string]uint64{},
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	s.skipMu.Lock()
	for k, v := range s.skipped {
		snap.Skipped[string(k)] = v
	}
	s.skipMu.Unlock()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	sort.SliceStable(snap.History, func(i, j int) bool { return snap.History[i].Started.After(snap.History[j].Started) })
	return snap
}

func (s *Service) countSkip(r SkipReason) {
	s.skipMu.Lock()
	s.skipped[r]++
	s.skipMu.Unlock()
}

func (s *Service) remember(item HistoryItem) {
	size := s.config().HistorySize
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(b queuedBatch, q chan queuedBatch) {
	s.dropped.Add(uint64(len(b.firings)))
	for _, f := range b.firings {
		eventbus.PublishExecution(s.bus, eventbus.TopicExecutionSkipped, eventbus.ExecutionEvent{
			JobID: f.JobID, FiringID: f.FiringID, Attempt: f.Attempt, Status: string(job.ExecSkipped), Reason: "queue_full",
		})
	}
	if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
		s.log.Warn("firing dropped: queue full",
			logx.String("job_id", b.firings[0].JobID),
			logx.Int("firings", len(b.firings)),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}
