package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"fieldcall-sampling/internal/models"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const taskColumns = `
	id, farmer_id, activity_id, assigned_agent_id, status, scheduled_date, retry_count,
	parent_task_id, is_callback, callback_number, call_started_at, call_log, interaction_history,
	created_at, updated_at`

func insertTask(ctx context.Context, db execer, t models.CallTask) error {
	history := t.InteractionHistory
	if history == nil {
		history = []models.InteractionEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal interaction history: %w", err)
	}
	callLogJSON, err := marshalCallLog(t.CallLog)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO call_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, t.ID, t.FarmerID, t.ActivityID, t.AssignedAgentID, t.Status, t.ScheduledDate, t.RetryCount,
		t.ParentTaskID, t.IsCallback, t.CallbackNumber, t.CallStartedAt, callLogJSON, historyJSON,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task for farmer %s: %w", t.FarmerID, err)
	}
	return nil
}

func marshalCallLog(cl *models.CallLog) ([]byte, error) {
	if cl == nil {
		return nil, nil
	}
	b, err := json.Marshal(cl)
	if err != nil {
		return nil, fmt.Errorf("marshal call log: %w", err)
	}
	return b, nil
}

func scanTask(row pgx.Row) (models.CallTask, error) {
	var t models.CallTask
	var status string
	var agent, parent pgtype.Text
	var started pgtype.Timestamptz
	var callLog, history []byte

	if err := row.Scan(&t.ID, &t.FarmerID, &t.ActivityID, &agent, &status, &t.ScheduledDate, &t.RetryCount,
		&parent, &t.IsCallback, &t.CallbackNumber, &started, &callLog, &history,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.CallTask{}, err
	}
	t.Status = models.TaskStatus(status)
	t.AssignedAgentID = textPtr(agent)
	t.ParentTaskID = textPtr(parent)
	t.CallStartedAt = timePtr(started)
	if callLog != nil {
		t.CallLog = &models.CallLog{}
		if err := json.Unmarshal(callLog, t.CallLog); err != nil {
			return models.CallTask{}, fmt.Errorf("unmarshal call log: %w", err)
		}
	}
	if err := json.Unmarshal(history, &t.InteractionHistory); err != nil {
		return models.CallTask{}, fmt.Errorf("unmarshal interaction history: %w", err)
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.CallTask, error) {
	defer rows.Close()
	var out []models.CallTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.CallTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM call_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallTask{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.CallTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, by scheduled date.
func (s *Store) ListTasks(ctx context.Context, f models.TaskFilter) ([]models.CallTask, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + taskColumns + ` FROM call_tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_date, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func statusStrings(statuses []models.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// OpenTaskCounts counts sampled_in_queue and in_progress tasks per agent.
func (s *Store) OpenTaskCounts(ctx context.Context, agentIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = 0
	}
	if len(agentIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT assigned_agent_id, COUNT(*)
		FROM call_tasks
		WHERE assigned_agent_id = ANY($1) AND status = ANY($2)
		GROUP BY assigned_agent_id
	`, agentIDs, statusStrings(models.OpenTaskStatuses))
	if err != nil {
		return nil, fmt.Errorf("query open task counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan open task count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ListPendingTasks returns unassigned tasks due by now, earliest first.
func (s *Store) ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]models.CallTask, error) {
	q := `SELECT ` + taskColumns + ` FROM call_tasks
		WHERE status = 'unassigned' AND scheduled_date <= $1
		ORDER BY scheduled_date, id`
	args := []any{now}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	return collectTasks(rows)
}

// AssignTask binds an unassigned task to an agent and moves it to sampled_in_queue.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string, entry models.InteractionEntry) error {
	entryJSON, err := json.Marshal([]models.InteractionEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal interaction entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_tasks
		SET assigned_agent_id = $2, status = 'sampled_in_queue',
		    interaction_history = interaction_history || $3::jsonb, updated_at = $4
		WHERE id = $1 AND status = 'unassigned'
	`, taskID, agentID, entryJSON, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrMoved(ctx, taskID)
	}
	return nil
}

// ApplyTransition writes a status change if the task is still in FromStatus.
// A callback colliding with an existing one is dropped and reported as not created.
func (s *Store) ApplyTransition(ctx context.Context, w models.TransitionWrite) (bool, error) {
	historyJSON, err := json.Marshal(w.Task.InteractionHistory)
	if err != nil {
		return false, fmt.Errorf("marshal interaction history: %w", err)
	}
	callLogJSON, err := marshalCallLog(w.Task.CallLog)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE call_tasks
		SET status = $3, call_started_at = $4, call_log = $5, interaction_history = $6, updated_at = $7
		WHERE id = $1 AND status = $2
	`, w.Task.ID, w.FromStatus, w.Task.Status, w.Task.CallStartedAt, callLogJSON, historyJSON, w.Task.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.missingOrMoved(ctx, w.Task.ID)
	}

	created := false
	if w.Callback != nil {
		cb := *w.Callback
		history := cb.InteractionHistory
		if history == nil {
			history = []models.InteractionEntry{}
		}
		cbHistory, err := json.Marshal(history)
		if err != nil {
			return false, fmt.Errorf("marshal callback history: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO call_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL, $11, $12, $13)
			ON CONFLICT (activity_id, farmer_id, callback_number) DO NOTHING
		`, cb.ID, cb.FarmerID, cb.ActivityID, cb.AssignedAgentID, cb.Status, cb.ScheduledDate, cb.RetryCount,
			cb.ParentTaskID, cb.IsCallback, cb.CallbackNumber, cbHistory, cb.CreatedAt, cb.UpdatedAt)
		if err != nil {
			return false, fmt.Errorf("insert callback: %w", err)
		}
		created = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (s *Store) missingOrMoved(ctx context.Context, taskID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM call_tasks WHERE id = $1`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	return fmt.Errorf("task %s is %s: %w", taskID, status, models.ErrConflict)
}
