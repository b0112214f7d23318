package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// sqlStore implements Store over a pair of *sqlx.DB handles, the way the
// teacher's internal/db.Pool splits a writer and a reader connection:
// for SQLite the writer is capped at one connection to dodge SQLITE_BUSY
// while the reader pool serves concurrent SELECTs off the WAL snapshot;
// for Postgres writer and reader are the same handle, since pgx already
// pools connections internally. Query text uses `?` placeholders and
// sqlx.Rebind so the same SQL runs against either driver; the named
// parameter queries rely on sqlx's own driver-aware rebinding.
type sqlStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

var _ Store = (*sqlStore)(nil)

func (s *sqlStore) Close() error {
	wErr := s.writer.Close()
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// jobRow is the sqlx struct-scan shape for the jobs table: JSON-valued
// columns (params, result) stay strings here and are unmarshalled by the
// caller, since sqlx can't scan a TEXT column straight into a map.
type jobRow struct {
	ID           string     `db:"id"`
	IntentLabel  string     `db:"intent_label"`
	Params       string     `db:"params"`
	Status       string     `db:"status"`
	WorkflowMode string     `db:"workflow_mode"`
	Reasoning    string     `db:"reasoning"`
	RetryCount   int        `db:"retry_count"`
	MaxRetries   int        `db:"max_retries"`
	ErrorCode    string     `db:"error_code"`
	ErrorMsg     string     `db:"error_msg"`
	Result       string     `db:"result"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (s *sqlStore) SaveJob(ctx context.Context, job *v1.Job) error {
	if job.ID == "" {
		return fmt.Errorf("store: job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	params, err := json.Marshal(job.Params)
	if err != nil {
		params = []byte("{}")
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		result = []byte("{}")
	}

	row := jobRow{
		ID: job.ID, IntentLabel: job.IntentLabel, Params: string(params), Status: string(job.Status),
		WorkflowMode: string(job.WorkflowMode), Reasoning: job.Reasoning, RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries, ErrorCode: job.ErrorCode, ErrorMsg: job.ErrorMsg, Result: string(result),
		CreatedAt: job.CreatedAt, StartedAt: job.StartedAt, CompletedAt: job.CompletedAt,
	}

	_, err = s.writer.NamedExecContext(ctx, `
		INSERT INTO jobs (id, intent_label, params, status, workflow_mode, reasoning, retry_count, max_retries, error_code, error_msg, result, created_at, started_at, completed_at)
		VALUES (:id, :intent_label, :params, :status, :workflow_mode, :reasoning, :retry_count, :max_retries, :error_code, :error_msg, :result, :created_at, :started_at, :completed_at)
		ON CONFLICT (id) DO UPDATE SET
			intent_label = excluded.intent_label,
			params = excluded.params,
			status = excluded.status,
			workflow_mode = excluded.workflow_mode,
			reasoning = excluded.reasoning,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			error_code = excluded.error_code,
			error_msg = excluded.error_msg,
			result = excluded.result,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, row)
	if err != nil {
		return fmt.Errorf("store: save job: %w", err)
	}

	for _, task := range job.Tasks {
		if err := s.SaveTask(ctx, job.ID, task); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	var row jobRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(`
		SELECT id, intent_label, params, status, workflow_mode, reasoning, retry_count, max_retries, error_code, error_msg, result, created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: job %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}

	job := &v1.Job{
		ID: row.ID, IntentLabel: row.IntentLabel, Status: v1.JobStatus(row.Status),
		WorkflowMode: v1.WorkflowMode(row.WorkflowMode), Reasoning: row.Reasoning,
		RetryCount: row.RetryCount, MaxRetries: row.MaxRetries, ErrorCode: row.ErrorCode,
		ErrorMsg: row.ErrorMsg, CreatedAt: row.CreatedAt, StartedAt: row.StartedAt, CompletedAt: row.CompletedAt,
	}
	_ = json.Unmarshal([]byte(row.Params), &job.Params)
	_ = json.Unmarshal([]byte(row.Result), &job.Result)

	tasks, err := s.listTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Tasks = tasks
	return job, nil
}

func (s *sqlStore) ListJobs(ctx context.Context, filter ListFilter) ([]*v1.Job, error) {
	query := `SELECT id FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	var ids []string
	if err := s.reader.SelectContext(ctx, &ids, s.reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}

	result := make([]*v1.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, nil
}

func (s *sqlStore) UpdateJobStatus(ctx context.Context, id string, status v1.JobStatus) error {
	now := time.Now().UTC()
	var query string
	var args []any
	switch {
	case status == v1.JobRunning:
		query = `UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`
		args = []any{status, now, id}
	case isTerminalJobStatus(status):
		query = `UPDATE jobs SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`
		args = []any{status, now, id}
	default:
		query = `UPDATE jobs SET status = ? WHERE id = ?`
		args = []any{status, id}
	}

	result, err := s.writer.ExecContext(ctx, s.writer.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("store: update job status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("store: job %q not found", id)
	}
	return nil
}

// taskRow is the sqlx struct-scan shape for the tasks table.
type taskRow struct {
	ID         string `db:"id"`
	Action     string `db:"action"`
	Target     string `db:"target"`
	Text       string `db:"text"`
	Payload    string `db:"payload"`
	TimeoutSec int    `db:"timeout_sec"`
	DependsOn  string `db:"depends_on"`
	Status     string `db:"status"`
	Result     string `db:"result"`
	ErrorCode  string `db:"error_code"`
	ErrorMsg   string `db:"error_msg"`
	Attempt    int    `db:"attempt"`
	RetryLimit int    `db:"retry_limit"`
	AgentType  string `db:"agent_type"`
}

func (s *sqlStore) SaveTask(ctx context.Context, jobID string, task *v1.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	dependsOn, err := json.Marshal(task.DependsOn)
	if err != nil {
		dependsOn = []byte("[]")
	}
	result, err := json.Marshal(task.Result)
	if err != nil {
		result = []byte("{}")
	}

	args := map[string]any{
		"id": task.ID, "job_id": jobID, "action": string(task.Action), "target": task.Target,
		"text": task.Text, "payload": string(payload), "timeout_sec": task.TimeoutSec,
		"depends_on": string(dependsOn), "status": string(task.Status), "result": string(result),
		"error_code": task.ErrorCode, "error_msg": task.ErrorMsg, "attempt": task.Attempt,
		"retry_limit": task.RetryLimit, "agent_type": task.AgentType,
	}

	_, err = s.writer.NamedExecContext(ctx, `
		INSERT INTO tasks (id, job_id, action, target, text, payload, timeout_sec, depends_on, status, result, error_code, error_msg, attempt, retry_limit, agent_type)
		VALUES (:id, :job_id, :action, :target, :text, :payload, :timeout_sec, :depends_on, :status, :result, :error_code, :error_msg, :attempt, :retry_limit, :agent_type)
		ON CONFLICT (job_id, id) DO UPDATE SET
			action = excluded.action,
			target = excluded.target,
			text = excluded.text,
			payload = excluded.payload,
			timeout_sec = excluded.timeout_sec,
			depends_on = excluded.depends_on,
			status = excluded.status,
			result = excluded.result,
			error_code = excluded.error_code,
			error_msg = excluded.error_msg,
			attempt = excluded.attempt,
			retry_limit = excluded.retry_limit,
			agent_type = excluded.agent_type
	`, args)
	if err != nil {
		return fmt.Errorf("store: save task: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateTaskStatus(ctx context.Context, jobID, taskID string, status v1.TaskStatus) error {
	result, err := s.writer.ExecContext(ctx, s.writer.Rebind(`UPDATE tasks SET status = ? WHERE job_id = ? AND id = ?`), status, jobID, taskID)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("store: task %q not found in job %q", taskID, jobID)
	}
	return nil
}

func (s *sqlStore) listTasks(ctx context.Context, jobID string) (map[string]*v1.Task, error) {
	var rows []taskRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(`
		SELECT id, action, target, text, payload, timeout_sec, depends_on, status, result, error_code, error_msg, attempt, retry_limit, agent_type
		FROM tasks WHERE job_id = ?
	`), jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}

	tasks := make(map[string]*v1.Task, len(rows))
	for _, r := range rows {
		task := &v1.Task{
			ID: r.ID, Action: v1.ActionKind(r.Action), Target: r.Target, Text: r.Text,
			TimeoutSec: r.TimeoutSec, Status: v1.TaskStatus(r.Status), ErrorCode: r.ErrorCode,
			ErrorMsg: r.ErrorMsg, Attempt: r.Attempt, RetryLimit: r.RetryLimit, AgentType: r.AgentType,
		}
		_ = json.Unmarshal([]byte(r.Payload), &task.Payload)
		_ = json.Unmarshal([]byte(r.DependsOn), &task.DependsOn)
		_ = json.Unmarshal([]byte(r.Result), &task.Result)
		tasks[task.ID] = task
	}
	return tasks, nil
}

// auditRow is the sqlx struct-scan shape for the audit_entries table.
type auditRow struct {
	ID          int64     `db:"id"`
	JobID       string    `db:"job_id"`
	Timestamp   time.Time `db:"timestamp"`
	Action      string    `db:"action"`
	Status      string    `db:"status"`
	Detail      string    `db:"detail"`
	EvidenceRef string    `db:"evidence_ref"`
}

func (s *sqlStore) AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		detail = []byte("{}")
	}

	args := map[string]any{
		"job_id": entry.JobID, "timestamp": entry.Timestamp, "action": entry.Action,
		"status": entry.Status, "detail": string(detail), "evidence_ref": entry.EvidenceRef,
	}
	res, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO audit_entries (job_id, timestamp, action, status, detail, evidence_ref)
		VALUES (:job_id, :timestamp, :action, :status, :detail, :evidence_ref)
	`, args)
	if err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *sqlStore) ListAuditEntries(ctx context.Context, jobID string) ([]*v1.AuditEntry, error) {
	var rows []auditRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(`
		SELECT id, job_id, timestamp, action, status, detail, evidence_ref
		FROM audit_entries WHERE job_id = ? ORDER BY timestamp ASC, id ASC
	`), jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list audit entries: %w", err)
	}

	result := make([]*v1.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entry := &v1.AuditEntry{ID: r.ID, JobID: r.JobID, Timestamp: r.Timestamp, Action: r.Action, Status: r.Status, EvidenceRef: r.EvidenceRef}
		_ = json.Unmarshal([]byte(r.Detail), &entry.Detail)
		result = append(result, entry)
	}
	return result, nil
}

func isTerminalJobStatus(status v1.JobStatus) bool {
	switch status {
	case v1.JobDone, v1.JobFailed, v1.JobCancelled:
		return true
	default:
		return false
	}
}
