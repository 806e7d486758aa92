package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"taskwarden/internal/job"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

// UploadCleanup removes stale files below a directory.
type UploadCleanup struct {
	log logx.Logger
	now func() time.Time
}

func NewUploadCleanup(log logx.Logger) *UploadCleanup {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UploadCleanup{
		log: log.With(logx.String("handler", string(job.TypeUploadCleanup))),
		now: time.Now,
	}
}

func (h *UploadCleanup) Type() job.Type { return job.TypeUploadCleanup }

// ValidatePayload rejects relative directories; the process working
// directory is not a stable anchor for a long-lived service.
func (h *UploadCleanup) ValidatePayload(p job.Payload) error {
	pl, err := payloadAs[job.UploadCleanupPayload](p)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(pl.Dir) {
		return fmt.Errorf("dir: %q must be absolute", pl.Dir)
	}
	return nil
}

func (h *UploadCleanup) Run(ctx context.Context, j *job.ScheduledJob, p job.Payload) error {
	pl, err := payloadAs[job.UploadCleanupPayload](p)
	if err != nil {
		return err
	}
	if pl.MaxAgeDuration() <= 0 || !filepath.IsAbs(pl.Dir) {
		return engine.NoRetry(fmt.Errorf("upload cleanup: refusing dir %q with max_age %q", pl.Dir, pl.MaxAge))
	}
	st, err := os.Stat(pl.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return engine.NoRetry(fmt.Errorf("upload cleanup: %w", err))
		}
		return fmt.Errorf("upload cleanup: %w", err)
	}
	if !st.IsDir() {
		return engine.NoRetry(fmt.Errorf("upload cleanup: %s is not a directory", pl.Dir))
	}

	cutoff := h.now().Add(-pl.MaxAgeDuration())
	var removed, kept int
	walkErr := filepath.WalkDir(pl.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if d.IsDir() {
			if path != pl.Dir && !pl.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if pl.Pattern != "" {
			if ok, _ := filepath.Match(pl.Pattern, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			kept++
			return nil
		}
		if !pl.DryRun {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		removed++
		return nil
	})

	h.log.Info("upload cleanup finished",
		logx.String("job", j.Name),
		logx.String("dir", pl.Dir),
		logx.Int("removed", removed),
		logx.Int("kept", kept),
		logx.Bool("dry_run", pl.DryRun),
	)
	if walkErr != nil {
		return fmt.Errorf("upload cleanup: %w", walkErr)
	}
	return nil
}
