package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/domain"
	logx "triggerd/pkg/logx"
)

type sqlStore struct {
	b   backend
	log logx.Logger
}

const triggerColumns = `t.ts_id, t.wf_id, t.schedule_type, t.days, t.time, t.cron_expression,
	t.is_notify_before, t.is_notify_after, t.is_active, t.created_at, t.updated_at,
	w.name, w.description, w.created_by, w.credits, w.data, w.is_active`

const triggerFrom = ` FROM trigger_schedule t JOIN workflows w ON w.wf_id = t.wf_id`

const workflowColumns = `wf_id, created_by, name, description, credits, data, is_active, executed_count, created_at`

func (s *sqlStore) Driver() string { return s.b.name() }

// Migrate applies the schema. Every statement is idempotent.
func (s *sqlStore) Migrate(ctx context.Context) error {
	for i, stmt := range s.b.schema() {
		if _, err := s.b.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.b.ping(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.b == nil {
		return nil
	}
	return s.b.close()
}

func (s *sqlStore) notFound(err error, what string, id int64) error {
	if s.b.isNoRows(err) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

// ---- triggers ----

func (s *sqlStore) ListSchedulableTriggers(ctx context.Context) ([]domain.Trigger, error) {
	return s.listTriggers(ctx, `SELECT `+triggerColumns+triggerFrom+
		` WHERE t.is_active = ? AND w.is_active = ? ORDER BY t.ts_id`, true, true)
}

func (s *sqlStore) ListTriggers(ctx context.Context, ownerID int64) ([]domain.Trigger, error) {
	return s.listTriggers(ctx, `SELECT `+triggerColumns+triggerFrom+
		` WHERE w.created_by = ? ORDER BY t.created_at DESC, t.ts_id DESC`, ownerID)
}

func (s *sqlStore) GetTrigger(ctx context.Context, id int64) (domain.Trigger, error) {
	t, err := scanTrigger(s.b.queryRow(ctx, `SELECT `+triggerColumns+triggerFrom+` WHERE t.ts_id = ?`, id))
	if err != nil {
		return domain.Trigger{}, s.notFound(err, "trigger", id)
	}
	return t, nil
}

func (s *sqlStore) GetTriggerByWorkflow(ctx context.Context, workflowID int64) (domain.Trigger, error) {
	t, err := scanTrigger(s.b.queryRow(ctx, `SELECT `+triggerColumns+triggerFrom+` WHERE t.wf_id = ?`, workflowID))
	if err != nil {
		return domain.Trigger{}, s.notFound(err, "trigger for workflow", workflowID)
	}
	return t, nil
}

func (s *sqlStore) listTriggers(ctx context.Context, q string, args ...any) ([]domain.Trigger, error) {
	rs, err := s.b.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []domain.Trigger
	for rs.Next() {
		t, err := scanTrigger(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rs.Err()
}

func (s *sqlStore) CreateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	days, err := encodeDays(t.Schedule.Days)
	if err != nil {
		return domain.Trigger{}, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	err = s.b.queryRow(ctx,
		`INSERT INTO trigger_schedule(wf_id, schedule_type, days, time, cron_expression,
			is_notify_before, is_notify_after, is_active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING ts_id`,
		t.WorkflowID, string(t.Schedule.Type), days, t.Schedule.Time, t.CronExpression,
		t.NotifyBefore, t.NotifyAfter, t.Active, now.UnixMilli(), now.UnixMilli(),
	).Scan(&t.ID)
	if err != nil {
		if s.b.isUniqueViolation(err) {
			return domain.Trigger{}, ErrTriggerExists
		}
		return domain.Trigger{}, err
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return t, nil
}

// UpdateTrigger rewrites the schedule, cron expression and notify flags.
// Activation goes through SetTriggerActive.
func (s *sqlStore) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	days, err := encodeDays(t.Schedule.Days)
	if err != nil {
		return err
	}
	n, err := s.b.exec(ctx,
		`UPDATE trigger_schedule SET schedule_type = ?, days = ?, time = ?, cron_expression = ?,
			is_notify_before = ?, is_notify_after = ?, updated_at = ?
		 WHERE ts_id = ?`,
		string(t.Schedule.Type), days, t.Schedule.Time, t.CronExpression,
		t.NotifyBefore, t.NotifyAfter, time.Now().UnixMilli(), t.ID,
	)
	return affected(n, err, "trigger", t.ID)
}

func (s *sqlStore) SetTriggerActive(ctx context.Context, id int64, active bool) error {
	n, err := s.b.exec(ctx, `UPDATE trigger_schedule SET is_active = ?, updated_at = ? WHERE ts_id = ?`,
		active, time.Now().UnixMilli(), id)
	return affected(n, err, "trigger", id)
}

func (s *sqlStore) DeleteTrigger(ctx context.Context, id int64) error {
	n, err := s.b.exec(ctx, `DELETE FROM trigger_schedule WHERE ts_id = ?`, id)
	return affected(n, err, "trigger", id)
}

// ---- users ----

func (s *sqlStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Credits < 0 {
		return domain.User{}, errors.New("user credits must be >= 0")
	}
	err := s.b.queryRow(ctx, `INSERT INTO users(email, name, credits) VALUES(?,?,?) RETURNING id`,
		strings.TrimSpace(u.Email), u.Name, u.Credits).Scan(&u.ID)
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := s.b.queryRow(ctx, `SELECT id, email, name, credits FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Credits)
	if err != nil {
		return domain.User{}, s.notFound(err, "user", id)
	}
	return u, nil
}

func (s *sqlStore) GetUserCredits(ctx context.Context, id int64) (int64, error) {
	var credits int64
	if err := s.b.queryRow(ctx, `SELECT credits FROM users WHERE id = ?`, id).Scan(&credits); err != nil {
		return 0, s.notFound(err, "user", id)
	}
	return credits, nil
}

// DeductCredits subtracts amount in one conditional statement so concurrent
// runs cannot drive the balance negative.
func (s *sqlStore) DeductCredits(ctx context.Context, userID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("deduct amount must be >= 0, got %d", amount)
	}
	n, err := s.b.exec(ctx, `UPDATE users SET credits = credits - ? WHERE id = ? AND credits >= ?`,
		amount, userID, amount)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetUserCredits(ctx, userID); err != nil {
		return err
	}
	return ErrInsufficientCredits
}

// ---- workflows ----

func (s *sqlStore) CreateWorkflow(ctx context.Context, w domain.Workflow) (domain.Workflow, error) {
	if err := w.Validate(); err != nil {
		return domain.Workflow{}, err
	}
	data := string(w.Data)
	if data == "" {
		data = "{}"
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	err := s.b.queryRow(ctx,
		`INSERT INTO workflows(created_by, name, description, credits, data, is_active, executed_count, created_at)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING wf_id`,
		w.OwnerID, w.Name, w.Description, w.Credits, data, w.Active, w.ExecutedCount, now.UnixMilli(),
	).Scan(&w.ID)
	if err != nil {
		return domain.Workflow{}, err
	}
	w.Data = json.RawMessage(data)
	w.CreatedAt = now
	return w, nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error) {
	w, err := scanWorkflow(s.b.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE wf_id = ?`, id))
	if err != nil {
		return domain.Workflow{}, s.notFound(err, "workflow", id)
	}
	return w, nil
}

func (s *sqlStore) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	n, err := s.b.exec(ctx, `UPDATE workflows SET is_active = ? WHERE wf_id = ?`, active, id)
	return affected(n, err, "workflow", id)
}

// ListWorkflowsWithoutTrigger returns the owner's active workflows that can
// still receive a trigger.
func (s *sqlStore) ListWorkflowsWithoutTrigger(ctx context.Context, ownerID int64) ([]domain.Workflow, error) {
	rs, err := s.b.query(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE created_by = ? AND is_active = ?
		   AND wf_id NOT IN (SELECT wf_id FROM trigger_schedule)
		 ORDER BY created_at DESC, wf_id DESC`, ownerID, true)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []domain.Workflow
	for rs.Next() {
		w, err := scanWorkflow(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rs.Err()
}

func (s *sqlStore) IncrementExecutedCount(ctx context.Context, workflowID int64) error {
	n, err := s.b.exec(ctx, `UPDATE workflows SET executed_count = executed_count + 1 WHERE wf_id = ?`, workflowID)
	return affected(n, err, "workflow", workflowID)
}

// ---- execution log ----

func (s *sqlStore) AppendExecutionLog(ctx context.Context, e domain.ExecutionLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.b.exec(ctx,
		`INSERT INTO logs(run_id, wf_id, ts_id, status, remark, execution_time, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.RunID, e.WorkflowID, e.TriggerID, e.Status(), e.Remark, e.ExecutionTime, e.CreatedAt.UnixMilli(),
	)
	return err
}

// ListExecutionLogs pages a workflow's log newest first.
func (s *sqlStore) ListExecutionLogs(ctx context.Context, workflowID int64, limit, offset int) ([]domain.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if offset < 0 {
		offset = 0
	}
	rs, err := s.b.query(ctx,
		`SELECT id, run_id, wf_id, ts_id, status, remark, execution_time, created_at
		 FROM logs WHERE wf_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		workflowID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []domain.ExecutionLogEntry
	for rs.Next() {
		var (
			e       domain.ExecutionLogEntry
			status  string
			created int64
		)
		if err := rs.Scan(&e.ID, &e.RunID, &e.WorkflowID, &e.TriggerID, &status, &e.Remark, &e.ExecutionTime, &created); err != nil {
			return nil, err
		}
		e.Success = status == "success"
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rs.Err()
}

func (s *sqlStore) WorkflowStats(ctx context.Context, workflowID int64) (domain.WorkflowStats, error) {
	var (
		st   domain.WorkflowStats
		last int64
	)
	err := s.b.queryRow(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(created_at), 0),
			CAST(COALESCE(AVG(execution_time), 0) AS BIGINT)
		 FROM logs WHERE wf_id = ?`, "success", workflowID,
	).Scan(&st.Total, &st.Successful, &last, &st.AvgExecutionTime)
	if err != nil {
		return domain.WorkflowStats{}, err
	}
	st.Failed = st.Total - st.Successful
	if last > 0 {
		t := time.UnixMilli(last).UTC()
		st.LastExecution = &t
	}
	return st, nil
}

// ---- scanning ----

func scanTrigger(r row) (domain.Trigger, error) {
	var (
		t                domain.Trigger
		stype, days      string
		data             string
		created, updated int64
	)
	err := r.Scan(
		&t.ID, &t.WorkflowID, &stype, &days, &t.Schedule.Time, &t.CronExpression,
		&t.NotifyBefore, &t.NotifyAfter, &t.Active, &created, &updated,
		&t.Workflow.Name, &t.Workflow.Description, &t.Workflow.OwnerID, &t.Workflow.Credits, &data, &t.Workflow.Active,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Schedule.Type = domain.ScheduleType(stype)
	if t.Schedule.Days, err = decodeDays(days); err != nil {
		return domain.Trigger{}, fmt.Errorf("trigger %d days: %w", t.ID, err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	t.Workflow.ID = t.WorkflowID
	t.Workflow.Data = json.RawMessage(data)
	return t, nil
}

func scanWorkflow(r row) (domain.Workflow, error) {
	var (
		w       domain.Workflow
		data    string
		created int64
	)
	err := r.Scan(&w.ID, &w.OwnerID, &w.Name, &w.Description, &w.Credits, &data, &w.Active, &w.ExecutedCount, &created)
	if err != nil {
		return domain.Workflow{}, err
	}
	w.Data = json.RawMessage(data)
	w.CreatedAt = time.UnixMilli(created).UTC()
	return w, nil
}

func encodeDays(days []int) (string, error) {
	if days == nil {
		days = []int{}
	}
	b, err := json.Marshal(days)
	return string(b), err
}

func decodeDays(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var days []int
	if err := json.Unmarshal([]byte(s), &days); err != nil {
		return nil, err
	}
	return days, nil
}

func affected(n int64, err error, what string, id int64) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
