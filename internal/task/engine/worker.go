package engine

import (
	"context"
	"time"

	"taskwarden/internal/job"
	logx "taskwarden/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedBatch) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case b := <-queue:
			s.runBatch(ctx, stopCh, b)
		}
	}
}

func (s *Service) runBatch(ctx context.Context, stopCh <-chan struct{}, b queuedBatch) {
	for i, f := range b.firings {
		if i > 0 {
			select {
			case <-stopCh:
				s.log.Info("batch cut short by stop", logx.String("job_id", f.JobID), logx.Int("remaining", len(b.firings)-i))
				return
			default:
			}
		}
		start := time.Now()
		res := s.process(ctx, f)
		s.remember(historyItem(f, res, start, start.Sub(b.enqueuedAt)))
	}
}

// process runs one queued firing and schedules whatever follows it.
func (s *Service) process(ctx context.Context, f Firing) Result {
	res := s.execute(ctx, f, !f.SkipGate && f.Attempt <= 1)
	if next, at, ok := s.followUp(f, res); ok {
		s.retries.schedule(next, at)
	}
	return res
}

// followUp returns the next attempt implied by res: a retry after a failed
// attempt, or the same retry again when it lost the lease race.
func (s *Service) followUp(f Firing, res Result) (Firing, time.Time, bool) {
	if res.Retry != nil {
		return *res.Retry, res.RetryAt, true
	}
	cfg := s.config()
	if res.Skip == SkipLeaseHeld && f.TriggeredBy == job.TriggerRetry && f.contention < cfg.ContentionRetries {
		f.contention++
		return f, s.now().Add(cfg.ContentionDelay), true
	}
	return Firing{}, time.Time{}, false
}

// RunFiring runs f and its retries in the caller's goroutine, sleeping
// between attempts. It does not need Start and is used for one-off fires.
func (s *Service) RunFiring(ctx context.Context, f Firing) []Result {
	var out []Result
	gated := !f.SkipGate && f.Attempt <= 1
	for {
		res := s.execute(ctx, f, gated)
		out = append(out, res)
		next, at, ok := s.followUp(f, res)
		if !ok {
			return out
		}
		t := time.NewTimer(at.Sub(s.now()))
		select {
		case <-ctx.Done():
			t.Stop()
			return out
		case <-t.C:
		}
		f, gated = next, false
	}
}

func historyItem(f Firing, res Result, start time.Time, queueDelay time.Duration) HistoryItem {
	if queueDelay < 0 {
		queueDelay = 0
	}
	item := HistoryItem{
		ExecutionID: res.ExecutionID,
		JobID:       f.JobID,
		FiringID:    f.FiringID,
		Attempt:     f.Attempt,
		Status:      string(res.Status),
		Skip:        string(res.Skip),
		Started:     start,
		QueueDelay:  queueDelay,
		Duration:    res.Duration,
	}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	return item
}
