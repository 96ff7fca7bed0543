package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"triggerd/internal/domain"
	"triggerd/internal/eventbus"
	"triggerd/internal/executor"
	"triggerd/internal/notify"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

// ExecuteWorkflow runs the pipeline for t: optional starting notice, credit
// check, execution, bookkeeping, optional completion notice. Only the
// execution outcome decides success; bookkeeping and notification failures
// are logged.
func (s *Service) ExecuteWorkflow(ctx context.Context, t domain.Trigger) Outcome {
	start := s.now()
	out := Outcome{
		RunID:      uuid.NewString(),
		TriggerID:  t.ID,
		WorkflowID: t.WorkflowID,
		StartedAt:  start,
	}
	wf := t.Workflow
	log := s.log.With(
		logx.String("run_id", out.RunID),
		logx.Int64("trigger_id", t.ID),
		logx.Int64("workflow_id", t.WorkflowID),
	)
	log.Info("executing workflow", logx.String("workflow", wf.Name))
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionStarted, Time: start, Data: ExecutionEvent{RunID: out.RunID, TriggerID: t.ID, WorkflowID: t.WorkflowID}})

	if t.NotifyBefore {
		nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		s.notifyStarting(nctx, t, start, log)
		cancel()
	}

	result, err := s.run(ctx, t, log)
	out.Elapsed = s.now().Sub(start)
	out.Err = err
	out.Success = err == nil
	out.Remark = remarkFor(err)
	if err == nil {
		out.Output = result
	}

	// Bookkeeping survives cancellation of the run itself.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BookkeepingTimeout)
	defer cancel()
	if err == nil {
		if derr := s.repo.DeductCredits(bctx, wf.OwnerID, wf.Credits); derr != nil {
			log.Error("credit deduction failed after successful run", logx.Int64("cost", wf.Credits), logx.Err(derr))
		}
		if ierr := s.repo.IncrementExecutedCount(bctx, t.WorkflowID); ierr != nil {
			log.Error("executed count update failed", logx.Err(ierr))
		}
	}
	entry := domain.ExecutionLogEntry{
		RunID:         out.RunID,
		WorkflowID:    t.WorkflowID,
		TriggerID:     t.ID,
		Success:       out.Success,
		Remark:        out.Remark,
		ExecutionTime: out.Elapsed.Milliseconds(),
		CreatedAt:     s.now(),
	}
	if lerr := s.repo.AppendExecutionLog(bctx, entry); lerr != nil {
		log.Error("execution log not written", logx.Err(fmt.Errorf("%w: %v", ErrLogging, lerr)))
	}

	if err != nil {
		log.Warn("workflow failed", logx.String("remark", out.Remark), logx.Err(err), logx.Duration("elapsed", out.Elapsed))
	} else {
		log.Info("workflow executed", logx.Duration("elapsed", out.Elapsed))
	}

	if t.NotifyAfter {
		nctx, ncancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
		s.notifyFinished(nctx, t, out, log)
		ncancel()
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionFinished, Data: ExecutionEvent{
		RunID: out.RunID, TriggerID: t.ID, WorkflowID: t.WorkflowID,
		Success: out.Success, Remark: out.Remark, Elapsed: out.Elapsed,
	}})
	return out
}

// run is the admission check plus the gateway call.
func (s *Service) run(ctx context.Context, t domain.Trigger, log logx.Logger) (json.RawMessage, error) {
	wf := t.Workflow
	credits, err := s.repo.GetUserCredits(ctx, wf.OwnerID)
	if err != nil {
		log.Warn("credit lookup failed; treating as insufficient", logx.Int64("user_id", wf.OwnerID), logx.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrInsufficientCredits, err)
	}
	if credits < wf.Credits {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, credits, wf.Credits)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()
	result, err := s.gw.Execute(execCtx, wf.Data, s.cfg.ExecutionTimeout)
	if err != nil {
		if !errors.Is(err, ErrExecutionTimeout) && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
		}
		return nil, err
	}
	return result, nil
}

// remarkFor maps a pipeline error to the remark stored in the execution log.
// Causes outside the known classes are reported as an unavailable gateway.
func remarkFor(err error) string {
	var ge *executor.GatewayError
	switch {
	case err == nil:
		return RemarkSuccess
	case errors.Is(err, ErrInsufficientCredits):
		return RemarkInsufficientCredits
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return RemarkTimedOut
	case errors.As(err, &ge):
		return gatewayRemark(ge.StatusCode, ge.Message)
	default:
		return gatewayRemark(503, "service unavailable")
	}
}

func gatewayRemark(status int, msg string) string {
	return fmt.Sprintf("Execution gateway error: %d - %s", status, msg)
}

// RunWorkflow executes the workflow's trigger immediately. ownerID <= 0
// skips the ownership check. The trigger and workflow must be active.
func (s *Service) RunWorkflow(ctx context.Context, ownerID, workflowID int64) (Outcome, error) {
	t, err := s.repo.GetTriggerByWorkflow(ctx, workflowID)
	if err != nil {
		return Outcome{}, err
	}
	if (ownerID > 0 && t.Workflow.OwnerID != ownerID) || !t.Schedulable() {
		return Outcome{}, fmt.Errorf("workflow %d: %w", workflowID, storage.ErrNotFound)
	}
	s.log.Info("manual run requested", logx.Int64("workflow_id", workflowID), logx.Int64("trigger_id", t.ID))
	return s.ExecuteWorkflow(ctx, t), nil
}

func (s *Service) notifyStarting(ctx context.Context, t domain.Trigger, at time.Time, log logx.Logger) {
	if s.notifier == nil {
		return
	}
	user, err := s.repo.GetUser(ctx, t.Workflow.OwnerID)
	if err != nil {
		log.Warn("starting notice skipped: user lookup failed", logx.Err(fmt.Errorf("%w: %v", ErrNotification, err)))
		return
	}
	html, err := notify.RenderStarting(user.Name, t.Workflow.Name, notify.FormatScheduledTime(at.In(s.loc)))
	if err != nil {
		log.Error("starting notice render failed", logx.Err(err))
		return
	}
	s.send(ctx, notify.Message{To: user.Email, Subject: "🚀 Workflow Starting: " + t.Workflow.Name, HTML: html}, log)
}

func (s *Service) notifyFinished(ctx context.Context, t domain.Trigger, out Outcome, log logx.Logger) {
	if s.notifier == nil {
		return
	}
	user, err := s.repo.GetUser(ctx, t.Workflow.OwnerID)
	if err != nil {
		log.Warn("completion notice skipped: user lookup failed", logx.Err(fmt.Errorf("%w: %v", ErrNotification, err)))
		return
	}
	elapsed := fmt.Sprintf("%dms", out.Elapsed.Milliseconds())

	var (
		subject, html string
	)
	if out.Success {
		subject = "✅ Workflow Completed: " + t.Workflow.Name
		html, err = notify.RenderCompleted(user.Name, t.Workflow.Name, elapsed, out.Output)
	} else {
		subject = "❌ Workflow Failed: " + t.Workflow.Name
		html, err = notify.RenderFailed(user.Name, t.Workflow.Name, elapsed, out.Remark)
	}
	if err != nil {
		log.Error("completion notice render failed", logx.Err(err))
		return
	}
	s.send(ctx, notify.Message{To: user.Email, Subject: subject, HTML: html}, log)
}

func (s *Service) send(ctx context.Context, m notify.Message, log logx.Logger) {
	if err := s.notifier.Send(ctx, m); err != nil {
		log.Warn("notification not delivered", logx.String("subject", m.Subject), logx.Err(fmt.Errorf("%w: %v", ErrNotification, err)))
		return
	}
	log.Debug("notification sent", logx.String("subject", m.Subject))
}
