package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "taskwarden/pkg/logx"
)

// Validate checks values that would otherwise fail late, at service start or
// on the first firing. It reports every problem, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Alerts.MinLevel) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", cfg.Logging.Alerts.MinLevel))
	}
	nonNeg("logging.alerts.rate_per_sec", cfg.Logging.Alerts.RatePerSec)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" && strings.TrimSpace(cfg.Storage.Driver) != "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q (want sqlite or memory)", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	dur("scheduler.lease_ttl", cfg.Scheduler.LeaseTTL)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	nonNeg("scheduler.batch_size", cfg.Scheduler.BatchSize)
	nonNeg("scheduler.fire_rate_per_sec", cfg.Scheduler.FireRatePerSec)
	nonNeg("scheduler.fire_burst", cfg.Scheduler.FireBurst)

	nonNeg("executor.workers", cfg.Executor.Workers)
	nonNeg("executor.queue_size", cfg.Executor.QueueSize)
	nonNeg("executor.max_consecutive_failures", cfg.Executor.MaxConsecutiveFailures)
	nonNeg("executor.contention_retries", cfg.Executor.ContentionRetries)
	dur("executor.lease_grace", cfg.Executor.LeaseGrace)
	dur("executor.default_max_execution", cfg.Executor.DefaultMaxExecution)
	dur("executor.quarantine_cooldown", cfg.Executor.QuarantineCooldown)
	dur("executor.stop_timeout", cfg.Executor.StopTimeout)

	nonNeg("retry.max_attempts", cfg.Retry.MaxAttempts)
	dur("retry.base_delay", cfg.Retry.BaseDelay)
	dur("retry.max_delay", cfg.Retry.MaxDelay)
	for typ, o := range cfg.Retry.Overrides {
		p := "retry.overrides." + typ
		if strings.TrimSpace(typ) == "" {
			add(errors.New("retry.overrides: empty job type"))
		}
		nonNeg(p+".max_attempts", o.MaxAttempts)
		dur(p+".base_delay", o.BaseDelay)
		dur(p+".max_delay", o.MaxDelay)
	}

	if d := cfg.Diagnostics; d.Enabled {
		dur("diagnostics.read_timeout", d.ReadTimeout)
		dur("diagnostics.write_timeout", d.WriteTimeout)
		dur("diagnostics.idle_timeout", d.IdleTimeout)
		if addr := strings.TrimSpace(d.Addr); addr != "" {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				add(fmt.Errorf("diagnostics.addr: %w", err))
			} else if !IsLoopbackHost(host) && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure {
				add(fmt.Errorf("diagnostics.addr: %q is not loopback; set diagnostics.token or allow_insecure", addr))
			}
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackHost reports whether host binds only to the local machine.
// An empty host listens on every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
