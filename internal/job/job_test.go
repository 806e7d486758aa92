package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []ExecutionStatus{ExecScheduled, ExecRunning} {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true, want false", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecSucceeded, ExecFailed, ExecCanceled, ExecTimedOut, ExecSkipped, ExecDeadLettered} {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", s)
		}
	}
	if ExecSkipped.Failure() || ExecDeadLettered.Failure() || !ExecTimedOut.Failure() {
		t.Fatal("Failure() classification wrong")
	}
}

func TestScheduledJob_Quarantine(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	j := &ScheduledJob{Status: StatusQuarantined, QuarantinedUntil: &until}

	if !j.IsQuarantined(now) || j.Runnable(now) {
		t.Fatal("job inside its window must be quarantined and not runnable")
	}
	later := now.Add(2 * time.Minute)
	if j.IsQuarantined(later) || !j.Runnable(later) {
		t.Fatal("job past its window must be runnable")
	}
	j.Status = StatusPaused
	if j.Runnable(later) {
		t.Fatal("paused job must not be runnable")
	}
}

func TestSchedule_InWindow(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	s := &Schedule{StartAt: &start, EndAt: &end}

	cases := []struct {
		at   time.Time
		want bool
	}{
		{start.Add(-time.Second), false},
		{start, true},
		{end, true},
		{end.Add(time.Second), false},
	}
	for _, tc := range cases {
		if got := s.InWindow(tc.at); got != tc.want {
			t.Fatalf("InWindow(%s) = %v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		typ     Type
		raw     string
		wantErr error
	}{
		{"noop empty", TypeNoop, ``, nil},
		{"noop null", TypeNoop, `null`, nil},
		{"noop unknown field", TypeNoop, `{"nope": 1}`, ErrInvalidPayload},
		{"noop bad sleep", TypeNoop, `{"sleep": "forever"}`, ErrInvalidPayload},
		{"cleanup ok", TypeUploadCleanup, `{"dir": "/srv/up", "max_age": "24h"}`, nil},
		{"cleanup no dir", TypeUploadCleanup, `{"max_age": "24h"}`, ErrInvalidPayload},
		{"cleanup root", TypeUploadCleanup, `{"dir": "/", "max_age": "24h"}`, ErrInvalidPayload},
		{"cleanup bad pattern", TypeUploadCleanup, `{"dir": "/srv", "max_age": "1h", "pattern": "[a"}`, ErrInvalidPayload},
		{"probe ok", TypeNotificationProbe, `{"url": "https://example.com/health"}`, nil},
		{"probe bad url", TypeNotificationProbe, `{"url": "example.com"}`, ErrInvalidPayload},
		{"probe bad method", TypeNotificationProbe, `{"url": "http://x", "method": "DELETE"}`, ErrInvalidPayload},
		{"raw object", Type("custom"), `{"a": [1, 2]}`, nil},
		{"raw array", Type("custom"), `[1]`, ErrInvalidPayload},
		{"empty type", Type(""), `{}`, ErrUnknownType},
		{"trailing data", TypeNoop, `{} {}`, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := DecodePayload(tc.typ, json.RawMessage(tc.raw))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("DecodePayload() err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.typ, p.JobType())
		})
	}
}

func TestParsePayload_SkipsVariantChecks(t *testing.T) {
	t.Parallel()

	// Decodes but fails validation: only the write path rejects it.
	raw := json.RawMessage(`{"max_age": "24h"}`)
	_, err := DecodePayload(TypeUploadCleanup, raw)
	require.ErrorIs(t, err, ErrInvalidPayload)
	p, err := ParsePayload(TypeUploadCleanup, raw)
	require.NoError(t, err)
	assert.Equal(t, UploadCleanupPayload{MaxAge: "24h"}, p)

	for _, bad := range []string{`{"nope": 1}`, `{} {}`, `[1]`} {
		_, err := ParsePayload(TypeNoop, json.RawMessage(bad))
		assert.ErrorIs(t, err, ErrInvalidPayload, bad)
	}
	_, err = ParsePayload(Type(""), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	var ran bool
	noop := HandlerFunc(TypeNoop, func(ctx context.Context, j *ScheduledJob, p Payload) error {
		ran = true
		return nil
	})
	probe := HandlerFunc(TypeNotificationProbe, func(ctx context.Context, j *ScheduledJob, p Payload) error { return nil })

	r, err := NewRegistry(noop, probe)
	require.NoError(t, err)

	if err := r.Register(noop); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("Register(dup) = %v, want ErrDuplicateHandler", err)
	}
	if _, err := r.Lookup(TypeUploadCleanup); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("Lookup(missing) = %v, want ErrHandlerNotFound", err)
	}
	h, err := r.Lookup(TypeNoop)
	require.NoError(t, err)
	require.NoError(t, h.Run(context.Background(), &ScheduledJob{}, NoopPayload{}))
	assert.True(t, ran)

	_, _, err = r.ValidatePayload(TypeUploadCleanup, json.RawMessage(`{"dir": "/x", "max_age": "1h"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	p, norm, err := r.ValidatePayload(TypeNotificationProbe, json.RawMessage(` { "url": " https://example.com/ping " } `))
	require.NoError(t, err)
	pl := p.(NotificationProbePayload)
	assert.Equal(t, "GET", pl.Method)
	assert.Equal(t, 200, pl.ExpectStatus)
	assert.JSONEq(t, `{"url":"https://example.com/ping","method":"GET","expect_status":200}`, string(norm))
}

type strictHandler struct{ Handler }

func (strictHandler) ValidatePayload(p Payload) error {
	if p.(NoopPayload).Note == "" {
		return errors.New("note required")
	}
	return nil
}

func TestRegistry_HandlerValidator(t *testing.T) {
	t.Parallel()

	base := HandlerFunc(TypeNoop, func(ctx context.Context, j *ScheduledJob, p Payload) error { return nil })
	r, err := NewRegistry(strictHandler{base})
	require.NoError(t, err)

	_, _, err = r.ValidatePayload(TypeNoop, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, _, err = r.ValidatePayload(TypeNoop, json.RawMessage(`{"note": "hi"}`))
	assert.NoError(t, err)
}
