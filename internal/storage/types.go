package storage

import (
	"context"
	"errors"
	"time"

	"triggerd/internal/domain"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTriggerExists       = errors.New("workflow already has a trigger")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API used by the scheduler, the trigger service
// and the admin surfaces.
type Store interface {
	ListSchedulableTriggers(ctx context.Context) ([]domain.Trigger, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
	GetTriggerByWorkflow(ctx context.Context, workflowID int64) (domain.Trigger, error)
	ListTriggers(ctx context.Context, ownerID int64) ([]domain.Trigger, error)
	CreateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	UpdateTrigger(ctx context.Context, t domain.Trigger) error
	SetTriggerActive(ctx context.Context, id int64, active bool) error
	DeleteTrigger(ctx context.Context, id int64) error

	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetUserCredits(ctx context.Context, id int64) (int64, error)
	DeductCredits(ctx context.Context, userID, amount int64) error

	CreateWorkflow(ctx context.Context, w domain.Workflow) (domain.Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error)
	SetWorkflowActive(ctx context.Context, id int64, active bool) error
	ListWorkflowsWithoutTrigger(ctx context.Context, ownerID int64) ([]domain.Workflow, error)
	IncrementExecutedCount(ctx context.Context, workflowID int64) error

	AppendExecutionLog(ctx context.Context, e domain.ExecutionLogEntry) error
	ListExecutionLogs(ctx context.Context, workflowID int64, limit, offset int) ([]domain.ExecutionLogEntry, error)
	WorkflowStats(ctx context.Context, workflowID int64) (domain.WorkflowStats, error)

	Driver() string
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DefaultLogLimit is the page size of ListExecutionLogs when limit <= 0.
const DefaultLogLimit = 50
