package app

import (
	"context"
	"fmt"

	"go.uber.org/dig"

	"triggerd/internal/config"
	"triggerd/internal/eventbus"
	"triggerd/internal/executor"
	"triggerd/internal/httpapi"
	"triggerd/internal/metrics"
	"triggerd/internal/notify"
	"triggerd/internal/scheduler"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	"triggerd/internal/triggers"
	logx "triggerd/pkg/logx"
)

// components are the resolved singletons. Recorder and HTTP are nil when
// disabled.
type components struct {
	bus      eventbus.Bus
	store    storage.Store
	engine   *engine.Service
	gateway  *executor.Client
	notifier *notify.Service
	sched    *scheduler.Service
	triggers *triggers.Service
	recorder *metrics.Recorder
	http     *httpapi.Server
}

// build wires every component from r. The store is opened (and migrated)
// here; on error anything already opened is closed.
func build(ctx context.Context, r config.Resolved, log logx.Logger) (*components, error) {
	d := dig.New()
	var closers []func() error
	provide := []any{
		func() context.Context { return ctx },
		func() config.Resolved { return r },
		func() logx.Logger { return log },
		func() eventbus.Bus { return eventbus.New() },
		func(ctx context.Context, r config.Resolved, log logx.Logger) (storage.Store, error) {
			s, err := newStore(ctx, r, log)
			if err == nil {
				closers = append(closers, s.Close)
			}
			return s, err
		},
		newEngine,
		newGateway,
		newNotifier,
		newScheduler,
		newTriggers,
		func(ctx context.Context, r config.Resolved, bus eventbus.Bus, log logx.Logger) (*metrics.Recorder, error) {
			rec, err := newRecorder(ctx, r, bus, log)
			if rec != nil {
				closers = append(closers, rec.Close)
			}
			return rec, err
		},
		newHTTP,
	}
	for _, fn := range provide {
		if err := d.Provide(fn); err != nil {
			return nil, err
		}
	}

	var out *components
	err := d.Invoke(func(
		bus eventbus.Bus,
		store storage.Store,
		eng *engine.Service,
		gw *executor.Client,
		notif *notify.Service,
		sched *scheduler.Service,
		trig *triggers.Service,
		rec *metrics.Recorder,
		srv *httpapi.Server,
	) {
		out = &components{
			bus: bus, store: store, engine: eng, gateway: gw, notifier: notif,
			sched: sched, triggers: trig, recorder: rec, http: srv,
		}
	})
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, dig.RootCause(err)
	}
	return out, nil
}

func newStore(ctx context.Context, r config.Resolved, log logx.Logger) (storage.Store, error) {
	return storage.Open(ctx, r.Storage, log)
}

func newEngine(r config.Resolved, log logx.Logger, bus eventbus.Bus) *engine.Service {
	return engine.New(r.Engine, log.With(logx.String("comp", "taskengine")), bus)
}

func newGateway(r config.Resolved) (*executor.Client, error) {
	return executor.New(r.Executor)
}

func newNotifier(r config.Resolved, log logx.Logger, bus eventbus.Bus) (*notify.Service, error) {
	log = log.With(logx.String("comp", "notify"))
	var sender notify.Sender
	if r.Mail.Enabled {
		s, err := notify.NewSMTPSender(r.Mail)
		if err != nil {
			return nil, fmt.Errorf("mail: %w", err)
		}
		sender = s
	} else {
		sender = notify.NewLogSender(log)
	}
	return notify.NewService(r.Mail, sender, log, bus), nil
}

func newScheduler(r config.Resolved, store storage.Store, gw *executor.Client, notif *notify.Service, eng *engine.Service, bus eventbus.Bus, log logx.Logger) (*scheduler.Service, error) {
	return scheduler.New(r.Scheduler, scheduler.Deps{
		Repo:     store,
		Gateway:  gw,
		Notifier: notif,
		Queue:    eng,
		Bus:      bus,
		Log:      log,
	})
}

func newTriggers(store storage.Store, sched *scheduler.Service, log logx.Logger) *triggers.Service {
	return triggers.New(store, sched, log)
}

func newRecorder(ctx context.Context, r config.Resolved, bus eventbus.Bus, log logx.Logger) (*metrics.Recorder, error) {
	if !r.Redis.Enabled {
		return nil, nil
	}
	rdb, err := metrics.Connect(ctx, r.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return metrics.NewRecorder(rdb, bus, r.Redis.Prefix, log), nil
}

func newHTTP(r config.Resolved, sched *scheduler.Service, trig *triggers.Service, store storage.Store, rec *metrics.Recorder, log logx.Logger) *httpapi.Server {
	if !r.HTTP.Enabled {
		return nil
	}
	deps := httpapi.Deps{Scheduler: sched, Triggers: trig, Store: store, Log: log}
	if rec != nil {
		deps.Metrics = rec
	}
	return httpapi.New(r.HTTP, deps)
}
