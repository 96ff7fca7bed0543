package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/executor"
	"triggerd/internal/notify"
	"triggerd/internal/task/engine"
)

var (
	ErrInvalidSchedule      = cronexpr.ErrInvalidSchedule
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrExecutionTimeout     = executor.ErrTimeout
	ErrLogging              = errors.New("execution log write failed")
	ErrNotification         = errors.New("notification failed")
	ErrInitializeInProgress = errors.New("scheduler initialize already in progress")
)

// Remarks written to the execution log and shown to the workflow owner.
const (
	RemarkSuccess             = "Workflow executed successfully"
	RemarkInsufficientCredits = "Insufficient credits"
	RemarkTimedOut            = "Execution timed out"
)

// Config controls the scheduler.
//
// Defaults when fields are zero:
//   - timezone: Asia/Kolkata
//   - execution_timeout: 5m
//   - bookkeeping_timeout: 10s
//   - notify_timeout: 1m
//   - overlap: skip
type Config struct {
	Timezone           string
	ExecutionTimeout   time.Duration
	BookkeepingTimeout time.Duration
	NotifyTimeout      time.Duration
	Overlap            string
}

const DefaultTimezone = "Asia/Kolkata"

func (c Config) withDefaults() Config {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if c.BookkeepingTimeout <= 0 {
		c.BookkeepingTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = time.Minute
	}
	if c.Overlap == "" {
		c.Overlap = engine.OverlapSkipIfRunning.String()
	}
	return c
}

// Repository is the persistence the scheduler reads and writes.
type Repository interface {
	ListSchedulableTriggers(ctx context.Context) ([]domain.Trigger, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
	GetTriggerByWorkflow(ctx context.Context, workflowID int64) (domain.Trigger, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetUserCredits(ctx context.Context, id int64) (int64, error)
	DeductCredits(ctx context.Context, userID, amount int64) error
	IncrementExecutedCount(ctx context.Context, workflowID int64) error
	AppendExecutionLog(ctx context.Context, e domain.ExecutionLogEntry) error
}

// Gateway runs a workflow payload on the execution service.
type Gateway interface {
	Execute(ctx context.Context, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Notifier delivers an email.
type Notifier interface {
	Send(ctx context.Context, m notify.Message) error
}

// TaskQueue runs pipeline firings off the cron goroutine.
type TaskQueue interface {
	Enqueue(t engine.Task) error
}

// Outcome summarizes one pipeline run.
type Outcome struct {
	RunID      string          `json:"run_id"`
	TriggerID  int64           `json:"ts_id"`
	WorkflowID int64           `json:"wf_id"`
	Success    bool            `json:"success"`
	Remark     string          `json:"remark"`
	Output     json.RawMessage `json:"output,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	Elapsed    time.Duration   `json:"elapsed"`
	Err        error           `json:"-"`
}

// Status is a copy of the registry; it exposes no handles.
type Status struct {
	Initialized    bool      `json:"isInitialized"`
	ActiveJobCount int       `json:"activeJobs"`
	JobIDs         []int64   `json:"jobIds"`
	Timezone       string    `json:"timezone"`
	Jobs           []JobInfo `json:"jobs"`
}

type JobInfo struct {
	TriggerID  int64     `json:"ts_id"`
	WorkflowID int64     `json:"wf_id"`
	Workflow   string    `json:"workflow"`
	Spec       string    `json:"cron_expression"`
	Next       time.Time `json:"next,omitempty"`
	Prev       time.Time `json:"prev,omitempty"`
	Running    bool      `json:"running"`
}

// TriggerEvent is published when a trigger is scheduled, removed or skipped.
type TriggerEvent struct {
	TriggerID  int64  `json:"ts_id"`
	WorkflowID int64  `json:"wf_id"`
	Spec       string `json:"cron_expression,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ExecutionEvent is published when a pipeline run starts and finishes.
type ExecutionEvent struct {
	RunID      string        `json:"run_id"`
	TriggerID  int64         `json:"ts_id"`
	WorkflowID int64         `json:"wf_id"`
	Success    bool          `json:"success"`
	Remark     string        `json:"remark,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}
