package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

func ev(typ string, data any) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now(), Data: data}
}

func TestObserve(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)

	c.Observe(ev(eventbus.TopicExecutionStarted, eventbus.ExecutionEvent{Status: "running"}))
	c.Observe(ev(eventbus.TopicExecutionStarted, eventbus.ExecutionEvent{Status: "running"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight))

	c.Observe(ev(eventbus.TopicExecutionFinished, eventbus.ExecutionEvent{Status: "succeeded", Duration: 2 * time.Second}))
	c.Observe(ev(eventbus.TopicConfigError, eventbus.ExecutionEvent{Status: "failed"}))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("failed")))

	c.Observe(ev(eventbus.TopicExecutionSkipped, eventbus.ExecutionEvent{Reason: "lease_held"}))
	c.Observe(ev(eventbus.TopicRetryScheduled, eventbus.ExecutionEvent{}))
	c.Observe(ev(eventbus.TopicFiring, eventbus.FiringEvent{Kind: "replay"}))
	c.Observe(ev(eventbus.TopicMisfire, eventbus.FiringEvent{Policy: "skip"}))
	c.Observe(ev(eventbus.TopicLeaseAcquire, eventbus.LeaseEvent{Result: "contended"}))
	c.Observe(ev(eventbus.TopicJobQuarantined, eventbus.JobStatusEvent{}))
	c.Observe(ev(eventbus.TopicJobUnquarantined, eventbus.JobStatusEvent{}))
	c.Observe(ev(eventbus.TopicLogAlert, eventbus.AlertEvent{Level: "warn"}))
	c.Observe(ev("something.else", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.firings.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.misfires.WithLabelValues("skip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.leases.WithLabelValues("contended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.quarantine.WithLabelValues("entered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.quarantine.WithLabelValues("left")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alerts.WithLabelValues("warn")))
	assert.Equal(t, 13.0, testutil.ToFloat64(c.eventsSeen))
}

func TestRun_ConsumesBusAndServes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := New(logx.Nop(), func() uint64 { return 7 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, bus)
	}()

	// The subscription exists once Run is looping; publish until it lands.
	require.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.TopicFiring, eventbus.FiringEvent{Kind: "scheduled"})
		return testutil.ToFloat64(c.firings.WithLabelValues("scheduled")) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{
		"taskwarden_firings_total",
		"taskwarden_bus_events_dropped_total 7",
		"taskwarden_executions_in_flight",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
