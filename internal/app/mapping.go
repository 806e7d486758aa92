package app

import (
	"strings"
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/job"
	"taskwarden/internal/observability/diagnostics"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	"taskwarden/internal/task/policy"
	"taskwarden/internal/task/scheduler"
	logx "taskwarden/pkg/logx"
)

const (
	defaultStorePath   = "./data/taskwarden.db"
	defaultDiagAddr    = "127.0.0.1:6060"
	defaultStopTimeout = 10 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, ephemeral bool) (storage.Config, error) {
	if ephemeral {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "memory" {
		return storage.Config{Driver: driver}, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStorePath
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:        sc.Enabled == nil || *sc.Enabled,
		Timezone:       strings.TrimSpace(sc.Timezone),
		BatchSize:      sc.BatchSize,
		FireRatePerSec: float64(sc.FireRatePerSec),
		FireBurst:      sc.FireBurst,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("scheduler.poll_interval", sc.PollInterval); err != nil {
		return out, err
	}
	if out.LeaseTTL, err = config.ParseDurationField("scheduler.lease_ttl", sc.LeaseTTL); err != nil {
		return out, err
	}
	return out, nil
}

func mapEngineConfig(cfg *config.Config, nodeID string) (engine.Config, error) {
	ec := cfg.Executor
	out := engine.Config{
		NodeID:                 nodeID,
		Workers:                ec.Workers,
		QueueSize:              ec.QueueSize,
		MaxConsecutiveFailures: ec.MaxConsecutiveFailures,
		ContentionRetries:      ec.ContentionRetries,
	}
	var err error
	if out.LeaseGrace, err = config.ParseDurationField("executor.lease_grace", ec.LeaseGrace); err != nil {
		return out, err
	}
	if out.DefaultMaxExecution, err = config.ParseDurationField("executor.default_max_execution", ec.DefaultMaxExecution); err != nil {
		return out, err
	}
	if out.QuarantineCooldown, err = config.ParseDurationField("executor.quarantine_cooldown", ec.QuarantineCooldown); err != nil {
		return out, err
	}
	return out, nil
}

// mapRetryConfig returns the default policy and the per type overrides.
// Zero defaults fall back to policy.Defaults.
func mapRetryConfig(cfg *config.Config) (policy.Policy, map[job.Type]policy.Override, error) {
	rc := cfg.Retry
	def := policy.Defaults
	if rc.MaxAttempts > 0 {
		def.MaxAttempts = rc.MaxAttempts
	}
	var err error
	if def.BaseDelay, err = config.ParseDurationOrDefault("retry.base_delay", rc.BaseDelay, def.BaseDelay); err != nil {
		return def, nil, err
	}
	if def.MaxDelay, err = config.ParseDurationOrDefault("retry.max_delay", rc.MaxDelay, def.MaxDelay); err != nil {
		return def, nil, err
	}

	var overrides map[job.Type]policy.Override
	for typ, o := range rc.Overrides {
		p := "retry.overrides." + typ
		ov := policy.Override{MaxAttempts: o.MaxAttempts}
		if ov.BaseDelay, err = config.ParseDurationField(p+".base_delay", o.BaseDelay); err != nil {
			return def, nil, err
		}
		if ov.MaxDelay, err = config.ParseDurationField(p+".max_delay", o.MaxDelay); err != nil {
			return def, nil, err
		}
		if overrides == nil {
			overrides = map[job.Type]policy.Override{}
		}
		overrides[job.Type(strings.TrimSpace(typ))] = ov
	}
	return def, overrides, nil
}

func mapDiagnosticsConfig(cfg *config.Config) (diagnostics.Config, error) {
	dc := cfg.Diagnostics
	out := diagnostics.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		PprofPrefix:          strings.TrimSpace(dc.PprofPrefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = defaultDiagAddr
	}
	if out.PprofPrefix == "" {
		out.PprofPrefix = "/debug/pprof/"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diagnostics.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps long CPU profiles working.
	if out.WriteTimeout, err = config.ParseDurationField("diagnostics.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diagnostics.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func stopTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("executor.stop_timeout", cfg.Executor.StopTimeout, defaultStopTimeout)
	if err != nil {
		return defaultStopTimeout
	}
	return d
}
