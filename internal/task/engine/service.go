package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"triggerd/internal/eventbus"
	rtsup "triggerd/internal/runtime/supervisor"
	logx "triggerd/pkg/logx"
)

// Service is a bounded worker pool. Enqueue never blocks: a full queue drops
// the task and an in-flight task with OverlapSkipIfRunning skips the new one.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	q      chan queuedTask
	stopCh chan struct{}
	sup    *rtsup.Supervisor

	stateMu sync.Mutex
	states  map[string]*RunState

	inFlight atomic.Int32
	skipped  atomic.Uint64
	dropped  atomic.Uint64
	panics   atomic.Uint64
	idSeq    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: map[string]*RunState{},
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))))
	q, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, q)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops intake, lets running tasks finish until ctx is done and then
// cancels whatever is still running. Queued tasks that never started are
// dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	q, sup := s.q, s.sup
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine drain timed out; canceling running tasks", logx.Int("in_flight", int(s.inFlight.Load())))
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}

	for {
		select {
		case qt := <-q:
			if qt.state != nil {
				qt.state.release()
			}
			s.dropped.Add(1)
		default:
			s.log.Info("task engine stopped")
			return
		}
	}
}

// Running reports whether workers are accepting tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q != nil
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	var st *RunState
	if t.Overlap == OverlapSkipIfRunning {
		st = t.State
		if st == nil {
			st = s.stateFor(t.Name)
		}
		if !st.tryAcquire() {
			s.skipped.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Reason: "overlap"}})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	timeout := t.Timeout
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if s.q == nil {
		if st != nil {
			st.release()
		}
		return ErrStopped
	}
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st}:
		return nil
	default:
		if st != nil {
			st.release()
		}
		s.dropped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Reason: "queue_full"}})
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(s.q)))
		return ErrQueueFull
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:  q != nil,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Skipped:  s.skipped.Load(),
		Dropped:  s.dropped.Load(),
		Panics:   s.panics.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
