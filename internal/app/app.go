// Package app wires the daemon: config, logging, status store, scheduler,
// metrics and the optional HTTP surface, all run under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cronward/internal/config"
	"cronward/internal/eventbus"
	"cronward/internal/jobs"
	"cronward/internal/metrics"
	"cronward/internal/observability/httpserver"
	"cronward/internal/runtime/supervisor"
	"cronward/internal/status"
	"cronward/internal/task/engine"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
	"cronward/pkg/systemd"
)

const (
	defaultDrainTimeout = 30 * time.Second
	closeTimeout        = 10 * time.Second
)

type App struct {
	cfgm    *config.Manager
	loaded  *Loaded
	catalog *jobs.Catalog

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	status  *status.Store
	sched   *scheduler.Service
	metrics *metrics.Collector
	http    *httpserver.Server

	notify       systemd.Notifier
	drainTimeout time.Duration

	sup       *supervisor.Supervisor
	closeOnce sync.Once
	closeErr  error
}

type Option func(*App)

// WithCatalog replaces the default handler catalog, e.g. to add builtins.
func WithCatalog(c *jobs.Catalog) Option { return func(a *App) { a.catalog = c } }

// WithDrainTimeout bounds how long shutdown waits for in-flight runs.
func WithDrainTimeout(d time.Duration) Option { return func(a *App) { a.drainTimeout = d } }

func withNotifier(n systemd.Notifier) Option { return func(a *App) { a.notify = n } }

// New loads and validates the config at cfgPath and opens the status store.
// Any config problem is returned as is (a *task.ConfigError tree) and nothing
// is started.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{drainTimeout: defaultDrainTimeout}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Parse()
	if err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(settings.Logging)
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))
	if a.catalog == nil {
		a.catalog = jobs.NewCatalog(log)
	}

	loaded, err := build(cfg, a.catalog)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.loaded = loaded
	a.cfgm.Commit(cfg)
	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := build(c, a.catalog)
		return err
	})

	a.bus = eventbus.New()
	a.status, err = openStatus(ctx, settings, log, a.bus)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	runner := engine.NewRunner(engine.Options{
		Log: log,
		Bus: a.bus,
	})
	a.sched = scheduler.New(loaded.Registry, a.status, runner, scheduler.Options{
		TickInterval: settings.TickInterval,
		Log:          log,
		Bus:          a.bus,
	})
	a.metrics = metrics.New(a.sched.Running)

	if settings.HTTP.Enabled {
		a.http = httpserver.New(httpserver.Config{
			Addr:  settings.HTTP.Addr,
			Token: settings.HTTP.Token,
			Pprof: settings.HTTP.Pprof,
		}, httpserver.Deps{
			Scheduler: a.sched,
			History:   a.status,
			Metrics:   a.metrics.Handler(),
			Loops:     a.loops,
		}, log)
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Status() *status.Store { return a.status }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Run starts every loop and blocks until ctx is done or a loop fails
// fatally. The status table is flushed and the backend closed on every
// return path.
func (a *App) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("panic in app run", logx.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
		err = errors.Join(err, a.Close())
	}()

	loaded := a.loaded
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.start()

	if ok, nerr := a.notify.Ready(); nerr != nil {
		a.log.Warn("systemd notify failed", logx.Err(nerr))
	} else if ok {
		_, _ = a.notify.Status(fmt.Sprintf("%d tasks", loaded.Registry.Len()))
	}
	s := loaded.Settings
	a.log.Info("cronward started",
		logx.Int("tasks", loaded.Registry.Len()),
		logx.Duration("tick", s.TickInterval),
		logx.String("status_driver", s.Status.Driver),
		logx.Bool("http", s.HTTP.Enabled))

	<-a.sup.Done()
	fatal := a.sup.Err()
	reason := stopReason(ctx, fatal)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.notify.Stopping()

	a.shutdown()
	if reason == StopFatalError {
		return fatal
	}
	return nil
}

func (a *App) start() {
	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("status.flush", a.status.Run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	// Watch recreates a broken watcher itself.
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.http != nil {
		a.sup.GoRestart("http", a.http.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithMaxRestarts(10))
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.notify.Watchdog(c, iv, a.healthy)
		})
	}
}

// shutdown stops ticking, then waits for in-flight runs. Runs still going
// after drainTimeout are cancelled.
func (a *App) shutdown() {
	a.sup.Cancel()

	dctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
	if err := a.sched.Drain(dctx); err != nil {
		a.log.Warn("in-flight runs cancelled at shutdown", logx.Duration("waited", a.drainTimeout))
	}
	cancel()

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("background loops did not stop in time", logx.Any("loops", a.loops()))
	}
}

// Close flushes the status table and closes the backend and log sinks.
// It is idempotent; Run calls it on return.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if a.status != nil {
			a.closeErr = a.status.Close(ctx)
		}
		if a.closeErr != nil {
			a.log.Error("final status flush failed", logx.Err(a.closeErr))
		} else {
			a.log.Info("stopped")
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return a.closeErr
}

func (a *App) loops() []supervisor.LoopInfo {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) healthy() bool {
	for _, l := range a.loops() {
		if !l.Active {
			return false
		}
	}
	return true
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if log.Enabled(logx.LevelDebug) {
				log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	}
}

// reloadLoop applies validated configs published by the watcher.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			if a.applyConfig(last, cfg) {
				last = cfg
			}
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) bool {
	loaded, err := build(next, a.catalog)
	if err != nil {
		a.log.Warn("reloaded config rejected; keeping previous", logx.Err(err))
		return false
	}

	sections, attrs, tasks := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return true
	}

	_, _ = a.notify.Reloading()
	a.logs.Apply(loaded.Settings.Logging)
	a.sched.ReplaceRegistry(loaded.Registry)
	a.loaded = loaded
	_, _ = a.notify.Ready()
	_, _ = a.notify.Status(fmt.Sprintf("%d tasks", loaded.Registry.Len()))

	for _, s := range sections {
		if s == "status" || s == "http" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev != nil && strings.TrimSpace(prev.Scheduler.TickInterval) != strings.TrimSpace(next.Scheduler.TickInterval) {
		a.log.Warn("scheduler.tick_interval changed; restart required for it to take effect")
	}
	if len(tasks) > 0 {
		a.log.Debug("task changes", logx.String("tasks", strings.Join(tasks, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return true
}
