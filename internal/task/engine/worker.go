package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"triggerd/internal/eventbus"
	logx "triggerd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	err := s.runRecovered(runCtx, qt.task)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
	}
	s.appendHistory(item)
}

// runRecovered converts a task panic into an error so a single bad run
// cannot kill its worker.
func (s *Service) runRecovered(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskPanicked, Data: TaskEvent{ID: t.ID, Name: t.Name, Reason: fmt.Sprint(r)}})
		}
	}()
	return t.Run(ctx)
}
