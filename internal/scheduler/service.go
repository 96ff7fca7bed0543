package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/eventbus"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

// Deps are the collaborators of a Service. Notifier may be nil, which turns
// notifications off.
type Deps struct {
	Repo     Repository
	Gateway  Gateway
	Notifier Notifier
	Queue    TaskQueue
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// Service keeps an in-memory registry of cron jobs derived from persisted
// triggers and runs the execution pipeline when they fire.
type Service struct {
	cfg     Config
	loc     *time.Location
	overlap engine.OverlapPolicy

	repo     Repository
	gw       Gateway
	notifier Notifier
	queue    TaskQueue
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu          sync.Mutex
	c           *cron.Cron
	jobs        map[int64]*scheduledJob
	states      map[int64]*engine.RunState
	initialized bool

	initializing atomic.Bool
	locks        keyedMutex
}

type scheduledJob struct {
	entryID cron.EntryID
	trigger domain.Trigger
	spec    string
	state   *engine.RunState
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("scheduler: repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("scheduler: gateway is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("scheduler: task queue is required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()
	log := deps.Log.With(logx.String("comp", "scheduler"))

	return &Service{
		cfg:      cfg,
		loc:      loadLocation(cfg.Timezone, log),
		overlap:  engine.ParseOverlap(cfg.Overlap),
		repo:     deps.Repo,
		gw:       deps.Gateway,
		notifier: deps.Notifier,
		queue:    deps.Queue,
		bus:      deps.Bus,
		log:      log,
		now:      deps.Now,
		jobs:     map[int64]*scheduledJob{},
		states:   map[int64]*engine.RunState{},
	}, nil
}

func loadLocation(name string, log logx.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone; falling back to UTC", logx.String("tz", name), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Initialize loads every schedulable trigger and starts the cron runner.
// A trigger that cannot be scheduled is logged and skipped.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.initializing.CompareAndSwap(false, true) {
		return ErrInitializeInProgress
	}
	defer s.initializing.Store(false)

	start := time.Now()
	triggers, err := s.repo.ListSchedulableTriggers(ctx)
	if err != nil {
		s.log.Error("initialize failed: cannot load triggers", logx.Err(err))
		return fmt.Errorf("load triggers: %w", err)
	}

	s.mu.Lock()
	if s.c == nil {
		s.c = cron.New(cron.WithParser(cronexpr.Parser), cron.WithLocation(s.loc))
		s.c.Start()
	}
	s.mu.Unlock()

	// Each listed trigger is re-read under its id lock: a toggle or delete
	// that landed after the list was taken wins over the stale row.
	listed := make(map[int64]bool, len(triggers))
	for _, t := range triggers {
		listed[t.ID] = true
		unlock := s.locks.Lock(t.ID)
		s.syncLocked(ctx, t.ID, &t)
		unlock()
	}

	// Jobs left from an earlier Initialize that the repository no longer
	// lists are re-checked too.
	s.mu.Lock()
	var stale []int64
	for id := range s.jobs {
		if !listed[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		unlock := s.locks.Lock(id)
		s.syncLocked(ctx, id, nil)
		unlock()
	}

	s.mu.Lock()
	running := s.c != nil
	if running {
		s.initialized = true
	}
	n := len(s.jobs)
	s.mu.Unlock()
	if !running {
		return errors.New("scheduler shut down during initialize")
	}

	s.log.Info("scheduler initialized",
		logx.Int("loaded", len(triggers)),
		logx.Int("scheduled", n),
		logx.String("tz", s.loc.String()),
		logx.Duration("took", time.Since(start)),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerReady, Data: TriggerEvent{Reason: fmt.Sprintf("%d jobs", n)}})
	return nil
}

// Shutdown removes every job and stops the cron runner. Pipelines already
// running are not canceled. It is idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	n := len(s.jobs)
	if c != nil {
		for _, j := range s.jobs {
			c.Remove(j.entryID)
		}
	}
	s.jobs = map[int64]*scheduledJob{}
	for id, st := range s.states {
		if !st.Running() {
			delete(s.states, id)
		}
	}
	s.initialized = false
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	var err error
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.log.Info("scheduler shut down", logx.Int("removed", n))
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerStopped})
	return err
}

// Restart rebuilds the registry from the repository.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.Shutdown(ctx); err != nil {
		return err
	}
	return s.Initialize(ctx)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Initialized:    s.initialized,
		ActiveJobCount: len(s.jobs),
		JobIDs:         make([]int64, 0, len(s.jobs)),
		Jobs:           make([]JobInfo, 0, len(s.jobs)),
		Timezone:       s.loc.String(),
	}
	for id := range s.jobs {
		st.JobIDs = append(st.JobIDs, id)
	}
	sort.Slice(st.JobIDs, func(i, j int) bool { return st.JobIDs[i] < st.JobIDs[j] })

	for _, id := range st.JobIDs {
		j := s.jobs[id]
		info := JobInfo{
			TriggerID:  id,
			WorkflowID: j.trigger.WorkflowID,
			Workflow:   j.trigger.Workflow.Name,
			Spec:       j.spec,
			Running:    j.state.Running(),
		}
		if s.c != nil {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		st.Jobs = append(st.Jobs, info)
	}
	return st
}
