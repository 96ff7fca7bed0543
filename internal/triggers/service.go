// Package triggers manages trigger records on behalf of workflow owners and
// keeps the scheduler registry in step with every change.
package triggers

import (
	"context"
	"errors"
	"fmt"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

var (
	ErrTriggerExists = storage.ErrTriggerExists
	ErrNotFound      = storage.ErrNotFound
	ErrInvalidInput  = errors.New("invalid trigger input")
	ErrNoUpdates     = errors.New("no valid fields provided for update")
)

type Store interface {
	GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
	GetTriggerByWorkflow(ctx context.Context, workflowID int64) (domain.Trigger, error)
	ListTriggers(ctx context.Context, ownerID int64) ([]domain.Trigger, error)
	ListWorkflowsWithoutTrigger(ctx context.Context, ownerID int64) ([]domain.Workflow, error)
	CreateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	UpdateTrigger(ctx context.Context, t domain.Trigger) error
	SetTriggerActive(ctx context.Context, id int64, active bool) error
	DeleteTrigger(ctx context.Context, id int64) error
}

// Registry is the part of the scheduler a trigger change has to reach.
type Registry interface {
	AddTrigger(ctx context.Context, id int64) error
	UpdateTrigger(ctx context.Context, id int64) error
	RemoveTrigger(id int64)
}

type CreateParams struct {
	WorkflowID   int64               `json:"wf_id"`
	ScheduleType domain.ScheduleType `json:"schedule_type"`
	Days         []int               `json:"days"`
	Time         string              `json:"time"`
	NotifyBefore bool                `json:"is_notify_before"`
	NotifyAfter  bool                `json:"is_notify_after"`
}

// UpdateParams lists the fields an owner may change. Nil means unchanged.
type UpdateParams struct {
	ScheduleType *domain.ScheduleType `json:"schedule_type"`
	Days         *[]int               `json:"days"`
	Time         *string              `json:"time"`
	NotifyBefore *bool                `json:"is_notify_before"`
	NotifyAfter  *bool                `json:"is_notify_after"`
}

func (p UpdateParams) empty() bool {
	return p.ScheduleType == nil && p.Days == nil && p.Time == nil && p.NotifyBefore == nil && p.NotifyAfter == nil
}

type Service struct {
	store Store
	reg   Registry
	log   logx.Logger
}

func New(store Store, reg Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, reg: reg, log: log.With(logx.String("comp", "triggers"))}
}

// Create persists a trigger for an owned, active workflow and schedules it.
func (s *Service) Create(ctx context.Context, ownerID int64, p CreateParams) (domain.Trigger, error) {
	if p.WorkflowID <= 0 || p.ScheduleType == "" || p.Time == "" {
		return domain.Trigger{}, fmt.Errorf("%w: workflow id, schedule type and time are required", ErrInvalidInput)
	}
	wf, err := s.ownedWorkflow(ctx, ownerID, p.WorkflowID)
	if err != nil {
		return domain.Trigger{}, err
	}
	if !wf.Active {
		return domain.Trigger{}, fmt.Errorf("workflow %d: %w", p.WorkflowID, ErrNotFound)
	}
	if _, err := s.store.GetTriggerByWorkflow(ctx, p.WorkflowID); err == nil {
		return domain.Trigger{}, ErrTriggerExists
	} else if !errors.Is(err, ErrNotFound) {
		return domain.Trigger{}, err
	}

	sched := domain.Schedule{Type: p.ScheduleType, Days: p.Days, Time: p.Time}
	expr, err := cronexpr.BuildSchedule(sched)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t, err := s.store.CreateTrigger(ctx, domain.Trigger{
		WorkflowID:     p.WorkflowID,
		Schedule:       sched,
		CronExpression: expr,
		NotifyBefore:   p.NotifyBefore,
		NotifyAfter:    p.NotifyAfter,
		Active:         true,
	})
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Workflow = wf.Summary()
	s.log.Info("trigger created", logx.Int64("trigger_id", t.ID), logx.Int64("workflow_id", t.WorkflowID), logx.String("cron", expr))

	if err := s.reg.AddTrigger(ctx, t.ID); err != nil {
		s.log.Error("scheduler sync failed after create", logx.Int64("trigger_id", t.ID), logx.Err(err))
	}
	return t, nil
}

// Update applies the allowed fields, re-derives the cron expression and
// reschedules the trigger.
func (s *Service) Update(ctx context.Context, ownerID, id int64, p UpdateParams) (domain.Trigger, error) {
	if p.empty() {
		return domain.Trigger{}, ErrNoUpdates
	}
	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return domain.Trigger{}, err
	}
	if p.ScheduleType != nil {
		t.Schedule.Type = *p.ScheduleType
	}
	if p.Days != nil {
		t.Schedule.Days = *p.Days
	}
	if p.Time != nil {
		t.Schedule.Time = *p.Time
	}
	if p.NotifyBefore != nil {
		t.NotifyBefore = *p.NotifyBefore
	}
	if p.NotifyAfter != nil {
		t.NotifyAfter = *p.NotifyAfter
	}
	expr, err := cronexpr.BuildSchedule(t.Schedule)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t.CronExpression = expr

	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		return domain.Trigger{}, err
	}
	s.log.Info("trigger updated", logx.Int64("trigger_id", id), logx.String("cron", expr))

	if err := s.reg.UpdateTrigger(ctx, id); err != nil {
		s.log.Error("scheduler sync failed after update", logx.Int64("trigger_id", id), logx.Err(err))
	}
	return s.store.GetTrigger(ctx, id)
}

// Toggle sets the trigger's active flag; a nil active flips it.
func (s *Service) Toggle(ctx context.Context, ownerID, id int64, active *bool) (domain.Trigger, error) {
	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return domain.Trigger{}, err
	}
	next := !t.Active
	if active != nil {
		next = *active
	}
	if err := s.store.SetTriggerActive(ctx, id, next); err != nil {
		return domain.Trigger{}, err
	}
	t.Active = next
	s.log.Info("trigger toggled", logx.Int64("trigger_id", id), logx.Bool("active", next))

	if next {
		if err := s.reg.AddTrigger(ctx, id); err != nil {
			s.log.Error("scheduler sync failed after activate", logx.Int64("trigger_id", id), logx.Err(err))
		}
	} else {
		s.reg.RemoveTrigger(id)
	}
	return t, nil
}

// Delete unschedules and removes the trigger.
func (s *Service) Delete(ctx context.Context, ownerID, id int64) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	s.reg.RemoveTrigger(id)
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	s.log.Info("trigger deleted", logx.Int64("trigger_id", id))
	return nil
}

// Get returns the trigger when ownerID owns its workflow.
func (s *Service) Get(ctx context.Context, ownerID, id int64) (domain.Trigger, error) {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return domain.Trigger{}, err
	}
	if t.Workflow.OwnerID != ownerID {
		return domain.Trigger{}, fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	return t, nil
}

// GetByWorkflow returns the workflow's trigger. An owned workflow without a
// trigger yields ErrNotFound.
func (s *Service) GetByWorkflow(ctx context.Context, ownerID, workflowID int64) (domain.Trigger, error) {
	if _, err := s.ownedWorkflow(ctx, ownerID, workflowID); err != nil {
		return domain.Trigger{}, err
	}
	return s.store.GetTriggerByWorkflow(ctx, workflowID)
}

func (s *Service) List(ctx context.Context, ownerID int64) ([]domain.Trigger, error) {
	return s.store.ListTriggers(ctx, ownerID)
}

func (s *Service) AvailableWorkflows(ctx context.Context, ownerID int64) ([]domain.Workflow, error) {
	return s.store.ListWorkflowsWithoutTrigger(ctx, ownerID)
}

func (s *Service) ownedWorkflow(ctx context.Context, ownerID, workflowID int64) (domain.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if wf.OwnerID != ownerID {
		return domain.Workflow{}, fmt.Errorf("workflow %d: %w", workflowID, ErrNotFound)
	}
	return wf, nil
}
