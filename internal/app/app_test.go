package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/policy"
	"taskwarden/internal/task/scheduler"
	logx "taskwarden/pkg/logx"
)

// Tests that build a full App stay serial: logx.New sets zerolog globals.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "taskwarden.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        config.StorageConfig
		ephemeral bool
		want      storage.Config
	}{
		{"default path", config.StorageConfig{}, false, storage.Config{Driver: "sqlite", Path: defaultStorePath}},
		{"memory", config.StorageConfig{Driver: "Memory"}, false, storage.Config{Driver: "memory"}},
		{"ephemeral wins", config.StorageConfig{Driver: "sqlite", Path: "x.db"}, true, storage.Config{Driver: "memory"}},
		{"busy timeout", config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"}, false, storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 2 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in}, tt.ephemeral)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	off := false

	got, err := mapSchedulerConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, got.Enabled, "omitted block means enabled")

	got, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Enabled:        &off,
		PollInterval:   "2s",
		LeaseTTL:       "1m",
		Timezone:       " Europe/Berlin ",
		FireRatePerSec: 7,
	}})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Config{
		Enabled:        false,
		PollInterval:   2 * time.Second,
		LeaseTTL:       time.Minute,
		Timezone:       "Europe/Berlin",
		FireRatePerSec: 7,
	}, got)

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{PollInterval: "soon"}})
	assert.Error(t, err)
}

func TestMapRetryConfig(t *testing.T) {
	t.Parallel()

	def, ov, err := mapRetryConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, policy.Defaults, def)
	assert.Nil(t, ov)

	def, ov, err = mapRetryConfig(&config.Config{Retry: config.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   "1s",
		Overrides: map[string]config.RetryOverride{
			"notification_probe": {MaxAttempts: 2, MaxDelay: "30s"},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, policy.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: policy.Defaults.MaxDelay}, def)
	assert.Equal(t, map[job.Type]policy.Override{
		job.TypeNotificationProbe: {MaxAttempts: 2, MaxDelay: 30 * time.Second},
	}, ov)
}

func TestMapDiagnosticsConfig_Defaults(t *testing.T) {
	t.Parallel()
	got, err := mapDiagnosticsConfig(&config.Config{Diagnostics: config.DiagnosticsConfig{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, defaultDiagAddr, got.Addr)
	assert.Equal(t, "/debug/pprof/", got.PprofPrefix)
	assert.Equal(t, 5*time.Second, got.ReadTimeout)
	assert.Zero(t, got.WriteTimeout)
}

func TestStopTimeout(t *testing.T) {
	t.Parallel()
	assert.Equal(t, defaultStopTimeout, stopTimeout(&config.Config{}))
	assert.Equal(t, 3*time.Second, stopTimeout(&config.Config{Executor: config.ExecutorConfig{StopTimeout: "3s"}}))
}

func TestResolveNodeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "node-a", resolveNodeID(" node-a "))

	a, b := resolveNodeID(""), resolveNodeID("")
	assert.NotEqual(t, a, b)
	host, _ := os.Hostname()
	if host != "" {
		assert.True(t, strings.HasPrefix(a, host+"-"), a)
	}
}

func TestAlertSink_PublishesToBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	alertSink(bus).Alert(logx.Alert{Level: "warn", Message: "lease.unavailable", Fields: map[string]string{"lock": "job:1"}})

	select {
	case e := <-ch:
		assert.Equal(t, eventbus.TopicLogAlert, e.Type)
		ev, ok := e.Data.(eventbus.AlertEvent)
		require.True(t, ok)
		assert.Equal(t, "lease.unavailable", ev.Message)
		assert.Equal(t, "job:1", ev.Fields["lock"])
	case <-time.After(time.Second):
		t.Fatal("no alert event")
	}
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	p := writeConfig(t, `{"storage":{"driver":"postgres"}}`)
	_, err := NewApp(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestApp_RunsIntervalJob(t *testing.T) {
	p := writeConfig(t, `{
		"node": {"id": "test-node"},
		"logging": {"level": "error"},
		"storage": {"driver": "memory"},
		"scheduler": {"poll_interval": "50ms"},
		"executor": {"workers": 2, "stop_timeout": "2s"}
	}`)

	var runs atomic.Int32
	counter := job.HandlerFunc("app_test_counter", func(context.Context, *job.ScheduledJob, job.Payload) error {
		runs.Add(1)
		return nil
	})
	a, err := NewApp(p, WithHandlers(counter))
	require.NoError(t, err)
	assert.Equal(t, "test-node", a.NodeID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	j, err := a.Scheduler().CreateJob(ctx, scheduler.JobSpec{
		Name:     "tick",
		Type:     "app_test_counter",
		Schedule: scheduler.ScheduleSpec{Expr: "1s"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		execs, err := a.Scheduler().ListExecutions(ctx, j.ID, storage.ExecutionFilter{Status: job.ExecSucceeded})
		return err == nil && len(execs) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int32(1))

	require.NoError(t, a.health())
	st := a.Status()
	assert.Equal(t, "test-node", st.Node)
	assert.GreaterOrEqual(t, st.Executor.Succeeded, uint64(1))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.Error(t, a.health(), "stopped app reports unhealthy")
}

func TestWatchdogLoop_WithholdsPingWhenUnhealthy(t *testing.T) {
	p := writeConfig(t, `{"storage":{"driver":"memory"},"logging":{"level":"error"}}`)
	a, err := NewApp(p)
	require.NoError(t, err)
	defer a.Close()

	// The scheduler never polled, so the node reports unhealthy.
	require.Error(t, a.health())

	var pings atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	a.watchdogLoop(ctx, 10*time.Millisecond, func() (bool, error) {
		pings.Add(1)
		return true, nil
	})
	assert.Zero(t, pings.Load())
}

func TestWatchdogLoop_PingsWhenHealthy(t *testing.T) {
	off := `{"storage":{"driver":"memory"},"logging":{"level":"error"},"scheduler":{"enabled":false}}`
	a, err := NewApp(writeConfig(t, off))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.health())

	var pings atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	a.watchdogLoop(ctx, 10*time.Millisecond, func() (bool, error) {
		pings.Add(1)
		return true, errors.New("ignored")
	})
	assert.Greater(t, pings.Load(), int32(0))
}
