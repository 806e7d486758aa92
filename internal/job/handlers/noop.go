package handlers

import (
	"context"
	"errors"
	"time"

	"taskwarden/internal/job"
	logx "taskwarden/pkg/logx"
)

// Noop does nothing besides optionally sleeping and failing. It anchors
// dependency chains and smoke tests the pipeline.
type Noop struct {
	log logx.Logger
}

func NewNoop(log logx.Logger) *Noop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Noop{log: log.With(logx.String("handler", string(job.TypeNoop)))}
}

func (h *Noop) Type() job.Type { return job.TypeNoop }

func (h *Noop) Run(ctx context.Context, j *job.ScheduledJob, p job.Payload) error {
	pl, err := payloadAs[job.NoopPayload](p)
	if err != nil {
		return err
	}
	if d := pl.SleepDuration(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-t.C:
		}
	}
	if pl.Fail != "" {
		return errors.New(pl.Fail)
	}
	h.log.Debug("noop ran", logx.String("job", j.Name), logx.String("note", pl.Note))
	return nil
}
