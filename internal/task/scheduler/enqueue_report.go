package scheduler

import (
	"errors"
	"time"

	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(jobID string, err error) {
	if err == nil {
		return
	}
	// Stopping happens during normal shutdown.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("schedule trigger dropped", logx.String("job_id", jobID), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[jobID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[jobID] = now
	s.enqMu.Unlock()

	// Queue full is important but can be bursty.
	s.log.Warn("schedule failed to enqueue firing", logx.String("job_id", jobID), logx.Err(err))
}
