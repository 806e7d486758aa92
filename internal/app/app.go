package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/job"
	"taskwarden/internal/job/handlers"
	"taskwarden/internal/lease"
	"taskwarden/internal/observability/diagnostics"
	"taskwarden/internal/observability/metrics"
	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
	"taskwarden/internal/task/gate"
	"taskwarden/internal/task/policy"
	"taskwarden/internal/task/scheduler"
	logx "taskwarden/pkg/logx"

	rtsup "taskwarden/internal/runtime/supervisor"
)

// Option tweaks NewApp.
type Option func(*options)

type options struct {
	ephemeral bool
	nodeID    string
	freshNode bool
	logLevel  string
	handlers  []job.Handler
}

// WithEphemeral forces the in-memory store regardless of the config file.
func WithEphemeral() Option { return func(o *options) { o.ephemeral = true } }

// WithNodeID overrides node.id from the config file.
func WithNodeID(id string) Option { return func(o *options) { o.nodeID = id } }

// WithFreshNodeID ignores node.id and generates a new one. One-off CLI
// fires use it so a node restarting under node.id does not close their
// running execution as an orphan.
func WithFreshNodeID() Option { return func(o *options) { o.freshNode = true } }

// WithLogLevel overrides logging.level.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

// WithHandlers registers extra handlers next to the built-in ones.
func WithHandlers(hs ...job.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, hs...) }
}

type App struct {
	cfgm   *config.ConfigManager
	sup    *rtsup.Supervisor
	nodeID string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	leases   *lease.Provider
	registry *job.Registry
	policies *policy.Resolver

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Collector
	diag    *diagnostics.Service
}

// NewApp loads and validates the config and wires every component.
// Nothing runs until Start; the store is open on return.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(cfgm, cfg, o)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, o options) (*App, error) {
	sc, err := mapStorageConfig(cfg, o.ephemeral)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	nodeID := resolveNodeID(cfg.Node.ID)
	switch {
	case strings.TrimSpace(o.nodeID) != "":
		nodeID = strings.TrimSpace(o.nodeID)
	case o.freshNode:
		nodeID = resolveNodeID("")
	}
	engCfg, err := mapEngineConfig(cfg, nodeID)
	if err != nil {
		return nil, err
	}
	defPolicy, overrides, err := mapRetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	diagCfg, err := mapDiagnosticsConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logCfg := mapLoggingConfig(cfg)
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, log := logx.New(logCfg, alertSink(bus))

	registry, err := job.NewRegistry(append(handlers.Builtin(log), o.handlers...)...)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.With(logx.String("comp", "app")).Debug("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	leases := lease.New(store, lease.Config{Owner: nodeID}, log, bus)
	policies := policy.NewResolver(defPolicy, overrides)

	engineSvc := engine.New(engCfg, engine.Deps{
		Store:    store,
		Leases:   leases,
		Registry: registry,
		Policies: policies,
		Gate:     gate.New(store),
	}, log, bus)

	schedSvc := scheduler.New(schedCfg, scheduler.Deps{
		Store:    store,
		Leases:   leases,
		Registry: registry,
		Dispatch: engineSvc,
	}, log, bus)

	a := &App{
		cfgm:     cfgm,
		nodeID:   nodeID,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		leases:   leases,
		registry: registry,
		policies: policies,
		engine:   engineSvc,
		sched:    schedSvc,
	}
	a.metrics = metrics.New(log, a.busDropped)
	a.diag = diagnostics.New(diagCfg, diagnostics.Sources{
		Health:  a.health,
		Status:  func() any { return a.Status() },
		Metrics: a.metrics.Handler(),
	}, log)
	return a, nil
}

// alertSink forwards log alerts to the bus. Publish never blocks.
func alertSink(bus eventbus.Bus) logx.AlertSink {
	return logx.AlertFunc(func(al logx.Alert) {
		eventbus.PublishAlert(bus, eventbus.AlertEvent{
			Level:   al.Level,
			Message: al.Message,
			Fields:  al.Fields,
		})
	})
}

func (a *App) busDropped() uint64 {
	if d, ok := a.bus.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

func (a *App) NodeID() string                    { return a.nodeID }
func (a *App) Logger() logx.Logger               { return a.log }
func (a *App) Store() storage.Store              { return a.store }
func (a *App) Scheduler() *scheduler.Service     { return a.sched }
func (a *App) Engine() *engine.Service           { return a.engine }
func (a *App) Metrics() *metrics.Collector       { return a.metrics }
func (a *App) Diagnostics() *diagnostics.Service { return a.diag }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status is the /status payload.
type Status struct {
	Node          string             `json:"node"`
	Scheduler     scheduler.Snapshot `json:"scheduler"`
	Executor      engine.Snapshot    `json:"executor"`
	Leases        lease.Stats        `json:"leases"`
	Supervisor    rtsup.Snapshot     `json:"supervisor"`
	BusDropped    uint64             `json:"bus_dropped"`
	AlertsDropped uint64             `json:"alerts_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		Node:          a.nodeID,
		Scheduler:     a.sched.Snapshot(),
		Executor:      a.engine.Snapshot(),
		Leases:        a.leases.Stats(),
		BusDropped:    a.busDropped(),
		AlertsDropped: a.logs.DroppedAlerts(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

func (a *App) health() error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("app stopping")
	}
	if a.sched.Enabled() && !a.sched.Healthy() {
		return errors.New("scheduler poll loop is stale")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapRetryConfig(cfg); err != nil {
			return err
		}
		_, err := mapDiagnosticsConfig(cfg)
		return err
	})

	a.sup.Go0("metrics.collect", func(c context.Context) { a.metrics.Run(c, a.bus) })

	// Engine first: the scheduler dispatches into it.
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	if a.diag.Enabled() {
		a.diag.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd(a.cfgm.Get())

	a.log.Info("app started", logx.String("node", a.nodeID), logx.Bool("scheduler", a.sched.Enabled()), logx.Bool("diagnostics", a.diag.Enabled()))
	return nil
}

// applyConfig pushes the live-applicable sections of newCfg into the
// running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if def, overrides, err := mapRetryConfig(newCfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.policies.Apply(def, overrides)
	}

	if ec, err := mapEngineConfig(newCfg, a.nodeID); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}

	if dc, err := mapDiagnosticsConfig(newCfg); err != nil {
		a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	cfg := a.cfgm.Get()
	drain := stopTimeout(cfg)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// No new firings first, then drain what was dispatched.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", drain+3*time.Second, func(c context.Context) error {
		drainCtx, cancel := context.WithTimeout(c, drain)
		defer cancel()
		a.engine.Stop(drainCtx)
		return nil
	})
	step("diagnostics", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })

	// Background loops (config watch/reload, metrics, watchdog) unwind now.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return nil
}

// Close releases the store and log sinks of an app that was never
// started. CLI commands use it.
func (a *App) Close() error {
	err := a.store.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}
