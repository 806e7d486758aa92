package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskwarden/internal/job"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

// NotificationProbe checks that a notification endpoint is reachable and
// answers with the expected status.
type NotificationProbe struct {
	log    logx.Logger
	client *http.Client
}

func NewNotificationProbe(log logx.Logger, client *http.Client) *NotificationProbe {
	if log.IsZero() {
		log = logx.Nop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &NotificationProbe{
		log:    log.With(logx.String("handler", string(job.TypeNotificationProbe))),
		client: client,
	}
}

func (h *NotificationProbe) Type() job.Type { return job.TypeNotificationProbe }

func (h *NotificationProbe) Run(ctx context.Context, j *job.ScheduledJob, p job.Payload) error {
	pl, err := payloadAs[job.NotificationProbePayload](p)
	if err != nil {
		return err
	}
	if d := pl.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	method := pl.Method
	if method == "" {
		method = http.MethodGet
	}
	expect := pl.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}

	req, err := http.NewRequestWithContext(ctx, method, pl.URL, nil)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("notification probe: %w", err))
	}
	for k, v := range pl.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification probe: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	h.log.Debug("notification probe",
		logx.String("job", j.Name),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode == expect {
		return nil
	}

	err = fmt.Errorf("notification probe: %s %s: status %d, want %d", method, pl.URL, resp.StatusCode, expect)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return engine.RetryAfter(err, d)
		}
		return err
	case resp.StatusCode == http.StatusRequestTimeout:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return engine.NoRetry(err)
	}
	return err
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
