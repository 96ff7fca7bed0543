package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	bus := New()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: ExecutionFinished, Data: 42})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Type != ExecutionFinished || e.Data != 42 {
				t.Fatalf("unexpected event %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatal("Publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: TriggerScheduled})
	bus.Publish(Event{Type: TriggerRemoved})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
	if e := <-ch; e.Type != TriggerScheduled {
		t.Fatalf("first event = %s", e.Type)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	bus.Publish(Event{Type: SchedulerReady})
}
