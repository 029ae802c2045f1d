package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"batchq/internal/config"
	"batchq/internal/eventbus"
	"batchq/internal/observability/pprof"
	"batchq/internal/queue"
	"batchq/internal/runtime/supervisor"
	"batchq/internal/shell"
	"batchq/internal/store"
	"batchq/internal/trigger"
	logx "batchq/pkg/logx"
)

// App wires config, logging, the queue, the shell processor and the trigger
// scheduler together.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	queue *queue.Queue[shell.Command]
	shell *shell.Processor
	trig  *trigger.Service
	debug *pprof.Service

	mu       sync.Mutex
	jobs     map[string]scheduledJob
	storeCfg store.Config
}

// New loads cfgPath (empty means built-in defaults), applies overrides to
// the initial config, and builds every component. Nothing runs until Start,
// except the queue loop, which is ready for submissions immediately.
func New(cfgPath string, overrides ...func(*config.Config)) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	var cfg *config.Config
	if strings.TrimSpace(cfgPath) == "" {
		cfg = &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}
		cfgm.Commit(cfg)
	} else {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}
	for _, fn := range overrides {
		fn(cfg)
	}
	m, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	proc := shell.New(m.shell, log)

	storeCfg := m.store
	opts := m.queue
	opts.Process = proc
	opts.Store = storeCfg
	opts.Logger = log
	opts.Bus = bus
	q, err := queue.New(opts)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("queue ready",
		logx.String("store", storeCfg.Driver),
		logx.Int("concurrent", max(1, opts.Concurrent)),
		logx.Int("batch_size", max(1, opts.BatchSize)),
	)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		queue:    q,
		shell:    proc,
		storeCfg: storeCfg,
	}

	a.debug = pprof.New(mapDebugConfig(cfg), a.debugStatus, log)

	a.trig = trigger.New(m.trigger, a.submitScheduled, log)
	if err := a.applySchedules(cfg); err != nil {
		a.log.Warn("some schedules were not registered", logx.Err(err))
	}
	return a, nil
}

func (a *App) Queue() *queue.Queue[shell.Command] { return a.queue }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

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

// Status is a one-line summary for sd_notify and the CLI.
func (a *App) Status(ctx context.Context) string {
	st, err := a.queue.Stats(ctx)
	if err != nil {
		return "queue closed"
	}
	return fmt.Sprintf("pending=%d running=%d retrying=%d paused=%v", st.Pending, st.Running, st.Retrying, st.Paused)
}

// debugStatus is served at /status by the debug endpoint.
func (a *App) debugStatus(ctx context.Context) (any, error) {
	st, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	driver := a.storeCfg.Driver
	a.mu.Unlock()
	return map[string]any{
		"queue":     st,
		"store":     driver,
		"schedules": a.trig.Snapshot(),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	events, unsub := a.bus.Subscribe(256, "queue.")
	a.sup.Go("events.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Trigger.Enabled {
		a.trig.Start(a.sup.Context())
	}

	a.debug.Start(a.sup.Context())

	if strings.TrimSpace(a.cfgPath) != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.GoRestart("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, schedChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("queue") {
		a.log.Warn("queue config changed; restart required for changes to take effect")
	}
	if changed("storage") {
		if err := a.swapStore(newCfg); err != nil {
			a.log.Error("store swap failed; keeping previous store", logx.Err(err))
		}
	}
	if changed("shell") {
		if sc, err := mapShellConfig(newCfg); err != nil {
			a.log.Warn("shell config not applied", logx.Err(err))
		} else {
			a.shell.Apply(sc)
		}
	}
	if changed("debug") {
		a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))
	}
	if changed("trigger") || changed("schedules") {
		if len(schedChanged) > 0 {
			a.log.Debug("schedule changes detected", logx.Strs("schedules", schedChanged))
		}
		a.applyTrigger(ctx, oldCfg, newCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) swapStore(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.queue.Use(sc); err != nil {
		return err
	}
	a.mu.Lock()
	prev := a.storeCfg
	a.storeCfg = sc
	a.mu.Unlock()
	a.log.Info("store swapped", logx.String("from", prev.Driver), logx.String("to", sc.Driver))
	return nil
}

func (a *App) applyTrigger(ctx context.Context, oldCfg, newCfg *config.Config) {
	if tc, err := mapTriggerConfig(newCfg); err != nil {
		a.log.Warn("trigger config not applied", logx.Err(err))
	} else {
		a.trig.Apply(tc)
	}
	if err := a.applySchedules(newCfg); err != nil {
		a.log.Warn("some schedules were not registered", logx.Err(err))
	}

	wasOn := oldCfg != nil && oldCfg.Trigger.Enabled
	switch {
	case wasOn && !newCfg.Trigger.Enabled:
		a.log.Info("trigger disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !wasOn && newCfg.Trigger.Enabled:
		a.log.Info("trigger enabled via config")
		a.trig.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		// Cancel first so background loops start unwinding immediately.
		a.sup.Cancel()
	}

	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "queue", 5*time.Second, func(c context.Context) error { return a.queue.Close(c) })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
