package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
)

func TestInitializeSchedulesValidAndSkipsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.put(testTrigger(3, "30 9 * * 1,3,5"))
	h.repo.put(testTrigger(1, "0 8 15 * *"))
	h.repo.put(testTrigger(2, "not a cron"))
	inactive := testTrigger(4, "0 9 * * *")
	inactive.Workflow.Active = false
	h.repo.put(inactive)

	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := h.svc.Status()
	if !st.Initialized || st.ActiveJobCount != 2 {
		t.Fatalf("status = %+v", st)
	}
	if !reflect.DeepEqual(st.JobIDs, []int64{1, 3}) {
		t.Fatalf("job ids = %v, want [1 3]", st.JobIDs)
	}
	if st.Timezone != "UTC" || st.Jobs[0].Next.IsZero() {
		t.Fatalf("job info = %+v", st.Jobs)
	}
}

func TestInitializeListErrorLeavesUninitialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.listErr = errBoom

	if err := h.svc.Initialize(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Initialize = %v", err)
	}
	if h.svc.Status().Initialized {
		t.Fatal("scheduler must stay uninitialized")
	}
}

func TestConcurrentInitializeIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.listGate = make(chan struct{})
	h.repo.listEnter = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.svc.Initialize(context.Background()) }()
	<-h.repo.listEnter

	if err := h.svc.Initialize(context.Background()); !errors.Is(err, ErrInitializeInProgress) {
		t.Fatalf("second Initialize = %v", err)
	}
	close(h.repo.listGate)
	if err := <-done; err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
}

func TestRescheduleKeepsOneEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := testTrigger(1, "0 9 * * *")
	h.svc.scheduleTrigger(tr)
	tr.CronExpression = "15 10 * * *"
	h.svc.scheduleTrigger(tr)

	h.svc.mu.Lock()
	entries := len(h.svc.c.Entries())
	h.svc.mu.Unlock()
	if entries != 1 {
		t.Fatalf("cron entries = %d, want 1", entries)
	}
	st := h.svc.Status()
	if st.ActiveJobCount != 1 || st.Jobs[0].Spec != "15 10 * * *" {
		t.Fatalf("status = %+v", st)
	}
}

func TestAddTriggerNoopCases(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	paused := testTrigger(2, "0 9 * * *")
	paused.Active = false
	h.repo.put(paused)

	for _, id := range []int64{99, 2} {
		if err := h.svc.AddTrigger(context.Background(), id); err != nil {
			t.Fatalf("AddTrigger(%d) = %v", id, err)
		}
	}
	if n := h.svc.Status().ActiveJobCount; n != 0 {
		t.Fatalf("active jobs = %d, want 0", n)
	}
}

func TestAddUpdateRemove(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := testTrigger(5, "0 9 * * *")
	h.repo.put(tr)

	if err := h.svc.AddTrigger(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	tr.CronExpression = "45 6 * * 0"
	h.repo.put(tr)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.svc.UpdateTrigger(context.Background(), 5)
		}()
	}
	wg.Wait()

	st := h.svc.Status()
	if st.ActiveJobCount != 1 || st.Jobs[0].Spec != "45 6 * * 0" {
		t.Fatalf("status after update = %+v", st)
	}

	h.svc.RemoveTrigger(5)
	h.svc.RemoveTrigger(5)
	if n := h.svc.Status().ActiveJobCount; n != 0 {
		t.Fatalf("active jobs after remove = %d", n)
	}
}

func TestUpdateToInactiveRemoves(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	tr := testTrigger(1, "0 9 * * *")
	h.repo.put(tr)
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.Active = false
	h.repo.put(tr)
	if err := h.svc.UpdateTrigger(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if n := h.svc.Status().ActiveJobCount; n != 0 {
		t.Fatalf("active jobs = %d", n)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if err := h.svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Initialize: %v", err)
	}
	h.repo.put(testTrigger(1, "0 9 * * *"))
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := h.svc.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown %d: %v", i, err)
		}
	}
	st := h.svc.Status()
	if st.Initialized || st.ActiveJobCount != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRestartRebuildsRegistry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.put(testTrigger(1, "0 9 * * *"))
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.repo.put(testTrigger(2, "0 10 * * *"))
	if err := h.svc.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if st := h.svc.Status(); !st.Initialized || !reflect.DeepEqual(st.JobIDs, []int64{1, 2}) {
		t.Fatalf("status = %+v", st)
	}
}

func TestFiringRunsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.put(testTrigger(1, "@every 1s"))
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.repo.logCount() > 0 })
	if e := h.repo.lastLog(); !e.Success || e.TriggerID != 1 {
		t.Fatalf("log entry = %+v", e)
	}
}

func TestNoFiringAfterShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.put(testTrigger(1, "@every 1s"))
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond)
	if n := h.gw.Calls(); n != 0 {
		t.Fatalf("gateway called %d times after shutdown", n)
	}
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	h.svc.bus = bus

	release := make(chan struct{})
	h.gw.fn = func(context.Context) (json.RawMessage, error) {
		<-release
		return nil, nil
	}
	tr := testTrigger(1, "0 9 * * *")
	h.repo.put(tr)
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.svc.mu.Lock()
	st := h.svc.jobs[1].state
	h.svc.mu.Unlock()

	h.svc.fire(tr, st)
	waitFor(t, 2*time.Second, func() bool { return h.gw.Calls() == 1 })
	h.svc.fire(tr, st)
	close(release)

	waitFor(t, 2*time.Second, func() bool { return h.repo.logCount() == 1 && !st.Running() })
	if h.gw.Calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", h.gw.Calls())
	}
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TriggerSkipped {
				if r := ev.Data.(TriggerEvent).Reason; r != "overlap" {
					t.Fatalf("skip reason = %q", r)
				}
				return
			}
		default:
			t.Fatal("no trigger.skipped event")
		}
	}
}

func TestOverlapAllowRunsBoth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Overlap: "allow"})
	release := make(chan struct{})
	h.gw.fn = func(context.Context) (json.RawMessage, error) {
		<-release
		return nil, nil
	}
	tr := testTrigger(1, "0 9 * * *")
	h.repo.put(tr)
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.svc.mu.Lock()
	st := h.svc.jobs[1].state
	h.svc.mu.Unlock()

	h.svc.fire(tr, st)
	h.svc.fire(tr, st)
	waitFor(t, 2*time.Second, func() bool { return h.gw.Calls() == 2 })
	close(release)
	waitFor(t, 2*time.Second, func() bool { return h.repo.logCount() == 2 })
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "Mars/Olympus"})
	if got := h.svc.Location(); got != time.UTC {
		t.Fatalf("location = %v", got)
	}
}

func TestInitializeHonorsChangesMadeAfterListing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.put(testTrigger(1, "0 9 * * *"))
	h.repo.put(testTrigger(2, "0 10 * * *"))
	h.repo.put(testTrigger(3, "0 11 * * *"))
	h.repo.afterList = func() {
		paused := testTrigger(1, "0 9 * * *")
		paused.Active = false
		h.repo.put(paused)
		h.svc.RemoveTrigger(1)

		h.repo.remove(2)
		h.svc.RemoveTrigger(2)
	}

	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if ids := h.svc.Status().JobIDs; !reflect.DeepEqual(ids, []int64{3}) {
		t.Fatalf("job ids = %v, want [3]", ids)
	}
}

func TestSecondInitializeDropsTriggersNoLongerListed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.repo.put(testTrigger(1, "0 9 * * *"))
	h.repo.put(testTrigger(2, "0 10 * * *"))
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	off := testTrigger(1, "0 9 * * *")
	off.Workflow.Active = false
	h.repo.put(off)
	h.repo.put(testTrigger(2, "30 10 * * *"))
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := h.svc.Status()
	if !reflect.DeepEqual(st.JobIDs, []int64{2}) {
		t.Fatalf("job ids = %v, want [2]", st.JobIDs)
	}
	if st.Jobs[0].Spec != "30 10 * * *" {
		t.Fatalf("spec = %q, want the current cron", st.Jobs[0].Spec)
	}
}

func TestRemovedTriggerStateIsPrunedAfterRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := testTrigger(1, "0 9 * * *")
	h.svc.scheduleTrigger(tr)

	h.svc.mu.Lock()
	st := h.svc.states[tr.ID]
	h.svc.mu.Unlock()

	started := make(chan struct{})
	release := make(chan struct{})
	h.gw.fn = func(context.Context) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	}
	h.svc.fire(tr, st)
	<-started

	h.svc.RemoveTrigger(tr.ID)
	hasState := func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		_, ok := h.svc.states[tr.ID]
		return ok
	}
	if !hasState() {
		t.Fatal("run state must survive while the run is in flight")
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return !hasState() })
}
