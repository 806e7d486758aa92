package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskwarden/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets such as the diagnostics token are
// never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Node != newCfg.Node {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.id", newCfg.Node.ID))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.fire_rate_per_sec", newCfg.Scheduler.FireRatePerSec),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.Int("executor.max_consecutive_failures", newCfg.Executor.MaxConsecutiveFailures),
			logx.String("executor.quarantine_cooldown", strings.TrimSpace(newCfg.Executor.QuarantineCooldown)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		types := make([]string, 0, len(newCfg.Retry.Overrides))
		for k := range newCfg.Retry.Overrides {
			types = append(types, k)
		}
		sort.Strings(types)
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.base_delay", newCfg.Retry.BaseDelay),
			logx.String("retry.max_delay", newCfg.Retry.MaxDelay),
			logx.String("retry.overrides", strings.Join(types, ",")),
		)
	}

	// Diagnostics (never log token)
	od, nd := oldCfg.Diagnostics, newCfg.Diagnostics
	od.Token, nd.Token = "", ""
	if od != nd || (oldCfg.Diagnostics.Token == "") != (newCfg.Diagnostics.Token == "") {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", nd.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(newCfg.Diagnostics.Token) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Node != newCfg.Node {
		out = append(out, "node")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Executor.Workers != newCfg.Executor.Workers || oldCfg.Executor.QueueSize != newCfg.Executor.QueueSize {
		out = append(out, "executor.workers")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}
