// Package app owns process lifecycle: config, logging, component wiring,
// start/stop ordering and hot reload.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"triggerd/internal/config"
	"triggerd/internal/eventbus"
	rtsup "triggerd/internal/runtime/supervisor"
	"triggerd/internal/scheduler"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
	"triggerd/pkg/systemd"
)

type App struct {
	cfgm  *config.Manager
	resMu sync.RWMutex
	res   config.Resolved
	logs  *logx.Service
	log   logx.Logger

	*components

	sup         *rtsup.Supervisor
	metricsStop context.CancelFunc
	metricsDone <-chan struct{}
	stopped     bool
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start; callers that only need the store or a manual run may use the
// App without starting it and must call Close.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	logs, root := logx.New(res.Logging)
	cfgm.SetLogger(root)

	comps, err := build(ctx, res, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &App{
		cfgm:       cfgm,
		res:        res,
		logs:       logs,
		log:        root.With(logx.String("comp", "app")),
		components: comps,
	}, nil
}

func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Engine() *engine.Service       { return a.engine }

// Config returns the resolved config, including live-applied sections.
func (a *App) Config() config.Resolved {
	a.resMu.RLock()
	defer a.resMu.RUnlock()
	return a.res
}

// Done is closed when the supervisor stops, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the engine, loads triggers into the scheduler and starts
// the background loops. A failed trigger load is logged and left to
// Restart; it does not abort start-up.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	// The recorder subscribes first so it sees the initial trigger.scheduled
	// and scheduler.ready events.
	if a.recorder != nil {
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.metricsStop, a.metricsDone = cancel, a.recorder.Start(mctx)
	}

	// The engine outlives the supervisor so in-flight runs drain in Stop.
	a.engine.Start(context.WithoutCancel(ctx))
	if err := a.sched.Initialize(ctx); err != nil {
		a.log.Error("scheduler initialize failed; use restart to retry", logx.Err(err))
	}

	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", func(c context.Context) error { a.reloadLoop(c); return nil })
	a.sup.Go("eventbus.log", func(c context.Context) error { a.logEvents(c); return nil })
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	st := a.sched.Status()
	a.log.Info("triggerd started",
		logx.Bool("scheduler_ready", st.Initialized),
		logx.Int("jobs", st.ActiveJobCount),
		logx.String("timezone", st.Timezone),
		logx.Bool("http", a.http != nil),
		logx.Bool("metrics", a.recorder != nil),
	)
	_, _ = systemd.Status("%d active triggers", st.ActiveJobCount)
	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	return nil
}

// Stop shuts down in order: http and background loops, scheduler, engine,
// metrics, store. Each step is bounded. Stop is idempotent.
func (a *App) Stop(ctx context.Context) error {
	if a.stopped {
		return nil
	}
	a.stopped = true
	_, _ = systemd.Stopping()
	a.log.Info("shutting down")

	var errs []error
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
			errs = append(errs, err)
			return
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("dur", time.Since(start)))
	}

	if a.sup != nil {
		step("http", 12*time.Second, func(c context.Context) error {
			return a.sup.Stop(c)
		})
	}
	step("scheduler", 2*time.Second, a.sched.Shutdown)
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.metricsStop != nil {
		step("metrics", 2*time.Second, func(c context.Context) error {
			a.metricsStop()
			select {
			case <-a.metricsDone:
				a.log.Debug("metrics recorder stopped", logx.Int64("events", int64(a.recorder.Processed())))
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}
	errs = append(errs, a.closeResources())
	a.log.Info("stopped")
	return errors.Join(errs...)
}

// Close releases the store, redis client and log file of an App that was
// never started.
func (a *App) Close() error {
	if a.sup != nil {
		return a.Stop(context.Background())
	}
	a.stopped = true
	return a.closeResources()
}

func (a *App) closeResources() error {
	var errs []error
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	errs = append(errs, a.store.Close())
	errs = append(errs, a.logs.Close())
	return errors.Join(errs...)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			if e.Type == eventbus.SchedulerReady {
				_, _ = systemd.Status("%d active triggers", a.sched.Status().ActiveJobCount)
			}
		}
	}
}
