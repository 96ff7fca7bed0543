package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/eventbus"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

// scheduleLocked registers t, replacing any job already held for its id.
// Invalid triggers are logged and skipped. The caller holds t.ID's lock.
func (s *Service) scheduleLocked(t domain.Trigger) bool {
	log := s.log.With(logx.Int64("trigger_id", t.ID), logx.Int64("workflow_id", t.WorkflowID))

	spec := strings.TrimSpace(t.CronExpression)
	sched, err := cronexpr.Parse(spec)
	if err == nil {
		err = t.Validate()
	}
	if err != nil {
		log.Warn("trigger not scheduled", logx.String("cron", spec), logx.Err(err))
		s.publishSkipped(t, err.Error())
		return false
	}

	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		log.Warn("trigger not scheduled: cron runner stopped")
		return false
	}
	if old, ok := s.jobs[t.ID]; ok {
		s.c.Remove(old.entryID)
	}
	st := s.states[t.ID]
	if st == nil {
		st = &engine.RunState{}
		s.states[t.ID] = st
	}
	tr := t
	id := s.c.Schedule(sched, cron.FuncJob(func() { s.fire(tr, st) }))
	s.jobs[t.ID] = &scheduledJob{entryID: id, trigger: t, spec: spec, state: st}
	next := s.c.Entry(id).Next
	s.mu.Unlock()

	log.Info("trigger scheduled",
		logx.String("workflow", t.Workflow.Name),
		logx.String("cron", spec),
		logx.Time("next", next),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TriggerScheduled, Data: TriggerEvent{TriggerID: t.ID, WorkflowID: t.WorkflowID, Spec: spec}})
	return true
}

// AddTrigger re-reads the trigger and schedules it when both it and its
// workflow are active. Missing or inactive triggers are a no-op.
func (s *Service) AddTrigger(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.addLocked(ctx, id)
}

func (s *Service) addLocked(ctx context.Context, id int64) error {
	t, err := s.repo.GetTrigger(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("trigger not found; not scheduled", logx.Int64("trigger_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load trigger %d: %w", id, err)
	}
	if !t.Schedulable() {
		s.log.Info("trigger inactive; not scheduled", logx.Int64("trigger_id", id),
			logx.Bool("trigger_active", t.Active), logx.Bool("workflow_active", t.Workflow.Active))
		return nil
	}
	s.scheduleLocked(t)
	return nil
}

// syncLocked makes the registry entry for id match the repository. When the
// re-read fails, fallback (if any) is scheduled and an existing job is kept.
func (s *Service) syncLocked(ctx context.Context, id int64, fallback *domain.Trigger) {
	t, err := s.repo.GetTrigger(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.removeLocked(id)
	case err != nil:
		s.log.Warn("trigger re-read failed", logx.Int64("trigger_id", id), logx.Err(err))
		if fallback != nil {
			s.scheduleLocked(*fallback)
		}
	case !t.Schedulable():
		s.removeLocked(id)
	default:
		s.scheduleLocked(t)
	}
}

// RemoveTrigger drops the trigger's job. Runs already in flight finish.
func (s *Service) RemoveTrigger(id int64) {
	unlock := s.locks.Lock(id)
	defer unlock()
	s.removeLocked(id)
}

func (s *Service) removeLocked(id int64) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		if s.c != nil {
			s.c.Remove(j.entryID)
		}
		delete(s.jobs, id)
	}
	if st := s.states[id]; st != nil && !st.Running() {
		delete(s.states, id)
	}
	s.mu.Unlock()

	if ok {
		s.log.Info("trigger removed", logx.Int64("trigger_id", id))
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerRemoved, Data: TriggerEvent{TriggerID: id, WorkflowID: j.trigger.WorkflowID}})
	}
}

// UpdateTrigger replaces the trigger's job with one built from the current
// record. Concurrent updates of one id are serialized.
func (s *Service) UpdateTrigger(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	s.removeLocked(id)
	return s.addLocked(ctx, id)
}

// fire runs on the cron goroutine and only enqueues.
func (s *Service) fire(t domain.Trigger, st *engine.RunState) {
	err := s.queue.Enqueue(engine.Task{
		Name:    fmt.Sprintf("trigger:%d", t.ID),
		Overlap: s.overlap,
		State:   st,
		Run: func(ctx context.Context) error {
			defer s.pruneState(t.ID, st)
			out := s.ExecuteWorkflow(ctx, t)
			return out.Err
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Warn("firing skipped: previous run still in flight", logx.Int64("trigger_id", t.ID), logx.Int64("workflow_id", t.WorkflowID))
		s.publishSkipped(t, "overlap")
	default:
		s.log.Error("firing dropped", logx.Int64("trigger_id", t.ID), logx.Err(err))
		s.publishSkipped(t, err.Error())
	}
}

// pruneState forgets the run state of a trigger removed while this run was
// in flight.
func (s *Service) pruneState(id int64, st *engine.RunState) {
	s.mu.Lock()
	if _, scheduled := s.jobs[id]; !scheduled && s.states[id] == st {
		delete(s.states, id)
	}
	s.mu.Unlock()
}

func (s *Service) publishSkipped(t domain.Trigger, reason string) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TriggerSkipped, Data: TriggerEvent{
		TriggerID: t.ID, WorkflowID: t.WorkflowID, Spec: t.CronExpression, Reason: reason,
	}})
}
