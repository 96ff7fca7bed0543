// Package domain holds the typed records shared by the store, the scheduler
// and the admin surfaces.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleType selects how a trigger's days are interpreted.
type ScheduleType string

const (
	Daily   ScheduleType = "daily"
	Weekly  ScheduleType = "weekly"
	Monthly ScheduleType = "monthly"
)

func (t ScheduleType) Valid() bool {
	switch t {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Schedule is the user-facing schedule descriptor a cron expression is
// derived from. Days are weekdays 0-6 (Sunday=0) for weekly schedules and
// days of month 1-31 for monthly ones; daily schedules ignore them.
type Schedule struct {
	Type ScheduleType `json:"schedule_type"`
	Days []int        `json:"days"`
	Time string       `json:"time"`
}

// Validate checks the descriptor's shape. It accepts unknown types because
// they are scheduled as daily.
func (s Schedule) Validate() error {
	if _, _, err := ParseClock(s.Time); err != nil {
		return err
	}
	lo, hi := 0, 0
	switch s.Type {
	case Weekly:
		lo, hi = 0, 6
	case Monthly:
		lo, hi = 1, 31
	default:
		return nil
	}
	for _, d := range s.Days {
		if d < lo || d > hi {
			return fmt.Errorf("day %d out of range %d-%d for %s schedule", d, lo, hi, s.Type)
		}
	}
	return nil
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// WorkflowSummary is the slice of a workflow a trigger needs to run it.
type WorkflowSummary struct {
	ID          int64           `json:"wf_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	OwnerID     int64           `json:"created_by"`
	Credits     int64           `json:"credits"`
	Data        json.RawMessage `json:"data,omitempty"`
	Active      bool            `json:"is_active"`
}

// Trigger is a persisted schedule bound to exactly one workflow.
type Trigger struct {
	ID             int64     `json:"ts_id"`
	WorkflowID     int64     `json:"wf_id"`
	Schedule       Schedule  `json:"schedule"`
	CronExpression string    `json:"cron_expression"`
	NotifyBefore   bool      `json:"is_notify_before"`
	NotifyAfter    bool      `json:"is_notify_after"`
	Active         bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Workflow is populated by joined reads.
	Workflow WorkflowSummary `json:"workflow"`
}

// Schedulable reports whether both the trigger and its workflow are active.
func (t Trigger) Schedulable() bool { return t.Active && t.Workflow.Active }

// Validate rejects records that cannot be scheduled or executed. The cron
// expression itself is checked by the scheduler.
func (t Trigger) Validate() error {
	if t.ID <= 0 {
		return errors.New("trigger id must be positive")
	}
	if t.WorkflowID <= 0 {
		return errors.New("trigger workflow id must be positive")
	}
	if t.Workflow.ID != 0 && t.Workflow.ID != t.WorkflowID {
		return fmt.Errorf("trigger %d joined with workflow %d, want %d", t.ID, t.Workflow.ID, t.WorkflowID)
	}
	if t.Workflow.Credits < 0 {
		return fmt.Errorf("workflow %d has negative credit cost", t.WorkflowID)
	}
	return t.Schedule.Validate()
}

// Workflow is a user-owned, priced unit whose payload is opaque here.
type Workflow struct {
	ID            int64           `json:"wf_id"`
	OwnerID       int64           `json:"created_by"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Credits       int64           `json:"credits"`
	Data          json.RawMessage `json:"data,omitempty"`
	Active        bool            `json:"is_active"`
	ExecutedCount int64           `json:"executed_count"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (w Workflow) Validate() error {
	if w.OwnerID <= 0 {
		return errors.New("workflow owner must be positive")
	}
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("workflow name required")
	}
	if w.Credits < 0 {
		return errors.New("workflow credits must be >= 0")
	}
	if len(w.Data) > 0 && !json.Valid(w.Data) {
		return errors.New("workflow data must be valid JSON")
	}
	return nil
}

func (w Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		OwnerID:     w.OwnerID,
		Credits:     w.Credits,
		Data:        w.Data,
		Active:      w.Active,
	}
}

type User struct {
	ID      int64  `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
}

// ExecutionLogEntry is an append-only record of one pipeline run.
type ExecutionLogEntry struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	WorkflowID    int64     `json:"wf_id"`
	TriggerID     int64     `json:"ts_id"`
	Success       bool      `json:"success"`
	Remark        string    `json:"remark"`
	ExecutionTime int64     `json:"execution_time_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Status renders the entry the way the logs table stores it.
func (e ExecutionLogEntry) Status() string {
	if e.Success {
		return "success"
	}
	return "failed"
}

// WorkflowStats aggregates a workflow's execution log.
type WorkflowStats struct {
	Total            int64      `json:"total_executions"`
	Successful       int64      `json:"successful_executions"`
	Failed           int64      `json:"failed_executions"`
	LastExecution    *time.Time `json:"last_execution,omitempty"`
	AvgExecutionTime int64      `json:"avg_execution_time_ms"`
}
