package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "taskwarden/pkg/logx"
)

// retryQueue holds the timers of scheduled retries. Retries are not
// persisted: a retry pending when the process exits is lost.
type retryQueue struct {
	svc *Service

	mu     sync.Mutex
	ctx    context.Context
	timers map[string]*time.Timer
}

func retryKey(f Firing) string {
	return fmt.Sprintf("%s/%s/%d/%d", f.JobID, f.FiringID, f.Attempt, f.contention)
}

func (r *retryQueue) start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.timers = map[string]*time.Timer{}
	r.mu.Unlock()
}

// schedule submits f at the given time. Retries requested while the
// executor is stopped are dropped.
func (r *retryQueue) schedule(f Firing, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timers == nil {
		r.svc.log.Warn("retry dropped: executor not running", logx.String("job_id", f.JobID), logx.Int("attempt", f.Attempt))
		return
	}
	key := retryKey(f)
	if _, ok := r.timers[key]; ok {
		return
	}
	ctx := r.ctx
	delay := at.Sub(r.svc.now())
	if delay < 0 {
		delay = 0
	}
	r.timers[key] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		_, live := r.timers[key]
		delete(r.timers, key)
		r.mu.Unlock()
		if !live {
			return
		}
		if err := r.svc.Submit(ctx, f); err != nil {
			r.svc.log.Warn("retry dropped", logx.String("job_id", f.JobID), logx.Int("attempt", f.Attempt), logx.Err(err))
		}
	})
}

// stop cancels every pending retry and returns how many there were.
func (r *retryQueue) stop() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.timers)
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	return n
}

func (r *retryQueue) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
