package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// Defaults when fields are zero:
//   - workers: 4
//   - queue_size: 256
//   - history_size: 200
//   - default_timeout: none
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// ParseOverlap maps the config value ("skip" | "allow") to a policy.
// Anything other than "allow" is treated as skip.
func ParseOverlap(s string) OverlapPolicy {
	if s == "allow" {
		return OverlapAllow
	}
	return OverlapSkipIfRunning
}

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip"
}

// RunState tracks whether a task is in flight. With OverlapSkipIfRunning a
// task counts as in flight from the moment it is queued until its run
// returns, so a fast schedule cannot pile up copies of a slow task.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a tracked run is queued or executing.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	// State gates overlap; required with OverlapSkipIfRunning.
	State *RunState
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for skipped, dropped and
// panicked tasks.
type TaskEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Skipped  uint64        `json:"skipped"`
	Dropped  uint64        `json:"dropped"`
	Panics   uint64        `json:"panics"`
	History  []HistoryItem `json:"history,omitempty"`
}
