package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
)
