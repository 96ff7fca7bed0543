package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"triggerd/internal/domain"
	"triggerd/internal/notify"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

type fakeRepo struct {
	mu       sync.Mutex
	triggers map[int64]domain.Trigger
	users    map[int64]domain.User
	logs     []domain.ExecutionLogEntry
	executed map[int64]int

	listErr    error
	creditsErr error
	logErr     error
	listGate   chan struct{} // when set, ListSchedulableTriggers blocks until closed
	listEnter  chan struct{}
	afterList  func() // runs after the list is taken, before it is returned
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		triggers: map[int64]domain.Trigger{},
		users:    map[int64]domain.User{},
		executed: map[int64]int{},
	}
}

func (r *fakeRepo) put(t domain.Trigger) {
	r.mu.Lock()
	r.triggers[t.ID] = t
	r.mu.Unlock()
}

func (r *fakeRepo) ListSchedulableTriggers(ctx context.Context) ([]domain.Trigger, error) {
	if r.listEnter != nil {
		r.listEnter <- struct{}{}
	}
	if r.listGate != nil {
		<-r.listGate
	}
	r.mu.Lock()
	if r.listErr != nil {
		r.mu.Unlock()
		return nil, r.listErr
	}
	var out []domain.Trigger
	for _, t := range r.triggers {
		if t.Schedulable() {
			out = append(out, t)
		}
	}
	after := r.afterList
	r.mu.Unlock()
	if after != nil {
		after()
	}
	return out, nil
}

func (r *fakeRepo) remove(id int64) {
	r.mu.Lock()
	delete(r.triggers, id)
	r.mu.Unlock()
}

func (r *fakeRepo) GetTrigger(_ context.Context, id int64) (domain.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return domain.Trigger{}, fmt.Errorf("trigger %d: %w", id, storage.ErrNotFound)
	}
	return t, nil
}

func (r *fakeRepo) GetTriggerByWorkflow(_ context.Context, wfID int64) (domain.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.triggers {
		if t.WorkflowID == wfID {
			return t, nil
		}
	}
	return domain.Trigger{}, storage.ErrNotFound
}

func (r *fakeRepo) GetUser(_ context.Context, id int64) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) GetUserCredits(ctx context.Context, id int64) (int64, error) {
	if r.creditsErr != nil {
		return 0, r.creditsErr
	}
	u, err := r.GetUser(ctx, id)
	return u.Credits, err
}

func (r *fakeRepo) DeductCredits(_ context.Context, id, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	if u.Credits < amount {
		return storage.ErrInsufficientCredits
	}
	u.Credits -= amount
	r.users[id] = u
	return nil
}

func (r *fakeRepo) IncrementExecutedCount(_ context.Context, wfID int64) error {
	r.mu.Lock()
	r.executed[wfID]++
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) AppendExecutionLog(ctx context.Context, e domain.ExecutionLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logErr != nil {
		return r.logErr
	}
	r.logs = append(r.logs, e)
	return nil
}

func (r *fakeRepo) credits(id int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id].Credits
}

func (r *fakeRepo) logCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

func (r *fakeRepo) lastLog() domain.ExecutionLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[len(r.logs)-1]
}

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (json.RawMessage, error)
}

func (g *fakeGateway) Execute(ctx context.Context, _ json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls++
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return fn(ctx)
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return n.err
}

func (n *fakeNotifier) subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Subject
	}
	return out
}

const (
	ownerID = int64(7)
	wfID    = int64(11)
)

func testTrigger(id int64, cronExpr string) domain.Trigger {
	return domain.Trigger{
		ID:             id,
		WorkflowID:     wfID + id,
		Schedule:       domain.Schedule{Type: domain.Daily, Time: "09:00"},
		CronExpression: cronExpr,
		Active:         true,
		Workflow: domain.WorkflowSummary{
			ID: wfID + id, Name: fmt.Sprintf("wf-%d", id), OwnerID: ownerID, Credits: 10, Active: true,
			Data: json.RawMessage(`{"nodes":[]}`),
		},
	}
}

type harness struct {
	svc  *Service
	repo *fakeRepo
	gw   *fakeGateway
	ntf  *fakeNotifier
	eng  *engine.Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	repo := newFakeRepo()
	repo.users[ownerID] = domain.User{ID: ownerID, Email: "owner@example.com", Name: "Asha", Credits: 100}
	gw := &fakeGateway{}
	ntf := &fakeNotifier{}
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())

	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	svc, err := New(cfg, Deps{Repo: repo, Gateway: gw, Notifier: ntf, Queue: eng, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		eng.Stop(ctx)
	})
	return &harness{svc: svc, repo: repo, gw: gw, ntf: ntf, eng: eng}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var errBoom = errors.New("boom")

// scheduleTrigger registers t directly, bypassing the repository.
func (s *Service) scheduleTrigger(t domain.Trigger) bool {
	unlock := s.locks.Lock(t.ID)
	defer unlock()
	return s.scheduleLocked(t)
}
