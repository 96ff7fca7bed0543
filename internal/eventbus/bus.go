package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by triggerd components.
const (
	TriggerScheduled   = "trigger.scheduled"
	TriggerRemoved     = "trigger.removed"
	TriggerSkipped     = "trigger.skipped"
	SchedulerReady     = "scheduler.ready"
	SchedulerStopped   = "scheduler.stopped"
	ExecutionStarted   = "execution.started"
	ExecutionFinished  = "execution.finished"
	NotificationSent   = "notification.sent"
	NotificationFailed = "notification.failed"
	TaskSkipped        = "task.skipped"
	TaskDropped        = "task.dropped"
	TaskPanicked       = "task.panicked"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver under the read lock; unsubscribe takes the write lock before
	// closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards every event. Useful when a component is built without a bus.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
