// Package app wires the notification components from config and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/admin"
	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/dispatch"
	"notifyd/internal/ephemeral"
	"notifyd/internal/eventbus"
	"notifyd/internal/execution"
	"notifyd/internal/notify"
	"notifyd/internal/preference"
	"notifyd/internal/presence"
	"notifyd/internal/queue"
	"notifyd/internal/ratelimit"
	"notifyd/internal/recipients"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     *storage.Store
	ephemeral ephemeral.Store

	prefs      *preference.Resolver
	guard      *ratelimit.Guard
	queue      *queue.Service
	dispatcher *dispatch.Dispatcher
	executions *execution.Tracker
	selectors  *recipients.Registry
	sched      *schedule.Scheduler
	presence   *presence.Tracker
	admin      *admin.Server

	adminEnabled bool
	watch        func(context.Context) error
}

const (
	watchBackoff     = time.Second
	watchMaxRestarts = 5
)

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	gateway  delivery.Gateway
	now      func() time.Time
	logLevel string
}

// WithGateway replaces the log gateway used for every channel.
func WithGateway(gw delivery.Gateway) Option { return func(o *options) { o.gateway = gw } }

// WithClock pins the clock of the time-aware components.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogLevel overrides logging.level, e.g. to keep one-shot commands quiet.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

// NewApp loads cfgPath (empty means built-in defaults) and builds every
// component. Stores are opened here; loops start in Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateComponents(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	lc := mapLogConfig(cfg)
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	logSvc, log := logx.New(lc)
	a := &App{
		cfgm:         cfgm,
		log:          log.With(logx.Component("app")),
		logs:         logSvc,
		bus:          eventbus.New(),
		adminEnabled: cfg.Admin.Enabled,
		watch:        cfgm.Watch,
	}
	if err := a.build(cfg, log, o); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, o options) error {
	sc, _ := mapStorageConfig(cfg)
	ec, _ := mapEphemeralConfig(cfg)
	rc, _ := mapRateLimitConfig(cfg)
	qc, _ := mapQueueConfig(cfg)
	schc, _ := mapSchedulerConfig(cfg)
	pc, _ := mapPresenceConfig(cfg)

	var sopts []storage.Option
	if o.now != nil {
		sopts = append(sopts, storage.WithClock(o.now))
	}
	st, err := storage.Open(sc, log.With(logx.Component("storage")), sopts...)
	if err != nil {
		return err
	}
	a.store = st

	ctx, cancel := context.WithTimeout(context.Background(), ec.DialTimeout+time.Second)
	defer cancel()
	eph, err := ephemeral.Open(ctx, ec, log.With(logx.Component("ephemeral")))
	if err != nil {
		return err
	}
	a.ephemeral = eph

	gw := o.gateway
	if gw == nil {
		reg := delivery.NewRegistry()
		dev := delivery.LogGateway{Log: log.With(logx.Component("delivery"))}
		for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelSMS, notify.ChannelPush} {
			reg.Register(ch, dev)
		}
		gw = reg
	}

	var (
		rlOpts    []ratelimit.Option
		qOpts     []queue.Option
		dOpts     []dispatch.Option
		exOpts    []execution.Option
		schedOpts []schedule.Option
		prOpts    []presence.Option
	)
	if o.now != nil {
		rlOpts = append(rlOpts, ratelimit.WithClock(o.now))
		qOpts = append(qOpts, queue.WithClock(o.now))
		dOpts = append(dOpts, dispatch.WithClock(o.now))
		exOpts = append(exOpts, execution.WithClock(o.now))
		schedOpts = append(schedOpts, schedule.WithClock(o.now))
		prOpts = append(prOpts, presence.WithClock(o.now))
	}

	a.prefs = preference.New(st, log)
	a.guard = ratelimit.New(eph, rc, log, rlOpts...)
	// Jobs lost on shutdown release their dedup marker so the occurrence can
	// be raised again.
	qOpts = append(qOpts, queue.WithLostHook(func(ctx context.Context, j notify.Job) {
		if err := a.guard.Forget(ctx, j.Recipient, j.Trigger, j.Payload.DedupKey); err != nil {
			a.log.Warn("dedup release failed", logx.String("job", j.ID), logx.Err(err))
		}
	}))
	a.queue = queue.New(st, gw, a.bus, qc, log, qOpts...)
	a.dispatcher = dispatch.New(a.prefs, a.guard, a.queue, a.bus, log, dOpts...)
	a.executions = execution.New(st, a.bus, log, exOpts...)
	a.presence = presence.New(eph, a.bus, pc, log, prOpts...)

	a.selectors = recipients.NewRegistry()
	a.selectors.Register("active_users", recipients.QueryFunc(a.presence.ActiveUsers))

	a.sched = schedule.New(st, a.dispatcher, a.executions, a.selectors, a.bus, schc, log, schedOpts...)

	a.admin = admin.New(mapAdminConfig(cfg), admin.Deps{
		Dispatcher:  a.dispatcher,
		Schedules:   a.sched,
		Executions:  a.executions,
		Jobs:        a.queue,
		Preferences: a.prefs,
		Presence:    a.presence,
		Audit:       st,
		Health:      a.Health,
	}, log)
	return nil
}

func (a *App) Logger() logx.Logger               { return a.log }
func (a *App) Config() *config.Config            { return a.cfgm.Get() }
func (a *App) Dispatcher() *dispatch.Dispatcher  { return a.dispatcher }
func (a *App) Scheduler() *schedule.Scheduler    { return a.sched }
func (a *App) Executions() *execution.Tracker    { return a.executions }
func (a *App) Queue() *queue.Service             { return a.queue }
func (a *App) Presence() *presence.Tracker       { return a.presence }
func (a *App) Preferences() *preference.Resolver { return a.prefs }
func (a *App) Selectors() *recipients.Registry   { return a.selectors }
func (a *App) Admin() *admin.Server              { return a.admin }
func (a *App) Store() *storage.Store             { return a.store }
func (a *App) Bus() eventbus.Bus                 { return a.bus }

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

// Health returns loop snapshots of every running component.
func (a *App) Health() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			out[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("queue", a.queue.Supervisor())
	add("presence", a.presence.Supervisor())
	add("admin", a.admin.Supervisor())
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateComponents(cfg)
	})

	if err := a.ephemeral.Ping(runCtx); err != nil {
		return fmt.Errorf("ephemeral store: %w", err)
	}

	// Audit first so nothing the components emit on start is missed.
	events, unsub := a.bus.Subscribe(256, auditTopics...)
	a.sup.Go("audit", func(c context.Context) error {
		defer unsub()
		recordAudit(c, events, a.store, a.log)
		return nil
	})

	a.queue.Start(runCtx)
	if err := a.presence.Start(runCtx); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	a.sched.Start(runCtx)
	if a.adminEnabled {
		if err := a.admin.Start(runCtx); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// A broken watcher is retried a few times; after that it takes the app
	// down like any other failed loop.
	a.sup.GoRestart("config.watch", a.watch,
		rtsup.WithRestartBackoff(watchBackoff, 30*time.Second),
		rtsup.WithMaxRestarts(watchMaxRestarts),
	)

	a.log.Info("app started",
		logx.Bool("scheduler", a.cfgm.Get().Scheduler.Enabled),
		logx.Bool("admin", a.adminEnabled),
	)
	return nil
}

// applyConfig pushes a committed reload into the running components.
// Sections in config.RestartSections are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if rc, err := mapRateLimitConfig(newCfg); err != nil {
		a.log.Warn("invalid ratelimit config; keeping previous", logx.Err(err))
	} else {
		a.guard.Apply(rc)
	}
	if qc, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qc)
	}
	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if pc, err := mapPresenceConfig(newCfg); err != nil {
		a.log.Warn("invalid presence config; keeping previous", logx.Err(err))
	} else {
		a.presence.Apply(pc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the components down in reverse dependency order. It also
// releases the stores of an app that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop intake first, then producers, then the queue so its final flush
	// sees every admitted job.
	step("admin", 3*time.Second, a.admin.Stop)
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("presence", 2*time.Second, a.presence.Stop)
	step("queue", 5*time.Second, a.queue.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("stores", 2*time.Second, func(context.Context) error { a.closeStores(); return nil })

	var dropped uint64
	if a.logs != nil {
		dropped = a.logs.OperatorDropped()
	}
	a.log.Info("stopped", logx.Int("operator_dropped", int(dropped)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.ephemeral != nil {
		if err := a.ephemeral.Close(); err != nil {
			a.log.Warn("ephemeral close failed", logx.Err(err))
		}
		a.ephemeral = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
