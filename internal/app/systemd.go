package app

import (
	"context"
	"time"

	"taskwarden/internal/config"
	logx "taskwarden/pkg/logx"
	"taskwarden/pkg/systemd"
)

// startSystemd sends READY=1 and starts the watchdog keepalive when the
// systemd section asks for it.
func (a *App) startSystemd(cfg *config.Config) {
	if cfg == nil {
		return
	}
	sc := cfg.Systemd
	if sc.Notify {
		if ok, err := systemd.Ready(); err != nil {
			a.log.Warn("systemd notify failed", logx.String("state", "READY"), logx.Err(err))
		} else if ok {
			a.log.Debug("systemd notified", logx.String("state", "READY"))
		}
	}
	if !sc.Watchdog {
		return
	}
	every, err := systemd.WatchdogInterval()
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if every <= 0 {
		a.log.Debug("systemd watchdog not enabled for this unit")
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.watchdogLoop(c, every, systemd.Watchdog)
	})
}

// watchdogLoop pings while the node is healthy. A stale scheduler stops
// the pings so systemd restarts the unit.
func (a *App) watchdogLoop(ctx context.Context, every time.Duration, ping func() (bool, error)) {
	t := time.NewTicker(every)
	defer t.Stop()
	stale := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := a.health(); err != nil {
			if !stale {
				a.log.Warn("withholding watchdog ping", logx.Err(err))
			}
			stale = true
			continue
		}
		stale = false
		if _, err := ping(); err != nil {
			a.log.Warn("systemd watchdog ping failed", logx.Err(err))
		}
	}
}

func (a *App) notifyStopping() {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Systemd.Notify {
		return
	}
	if _, err := systemd.Stopping(); err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", "STOPPING"), logx.Err(err))
	}
}
