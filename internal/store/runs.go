package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"fieldcall-sampling/internal/models"
)

const runColumns = `
	id, status, matched, processed, tasks_created_total, sampled_activities, inactive_activities,
	skipped, error_count, error_messages, last_activity_id, last_progress_at, started_at, finished_at`

// CreateRun inserts a new sampling run.
func (s *Store) CreateRun(ctx context.Context, r models.SamplingRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sampling_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.Status, r.Matched, r.Processed, r.TasksCreatedTotal, r.SampledActivities, r.InactiveActivities,
		r.Skipped, r.ErrorCount, errorMessages(r), r.LastActivityID, r.LastProgressAt, r.StartedAt, r.FinishedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", r.ID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveRun checkpoints a run's counters and status.
func (s *Store) SaveRun(ctx context.Context, r models.SamplingRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sampling_runs
		SET status = $2, matched = $3, processed = $4, tasks_created_total = $5, sampled_activities = $6,
		    inactive_activities = $7, skipped = $8, error_count = $9, error_messages = $10,
		    last_activity_id = $11, last_progress_at = $12, finished_at = $13
		WHERE id = $1
	`, r.ID, r.Status, r.Matched, r.Processed, r.TasksCreatedTotal, r.SampledActivities,
		r.InactiveActivities, r.Skipped, r.ErrorCount, errorMessages(r),
		r.LastActivityID, r.LastProgressAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.ID, models.ErrNotFound)
	}
	return nil
}

func errorMessages(r models.SamplingRun) []string {
	if r.ErrorMessages == nil {
		return []string{}
	}
	return r.ErrorMessages
}

func scanRun(row pgx.Row) (models.SamplingRun, error) {
	var r models.SamplingRun
	var status string
	var last pgtype.Text
	var progress, finished pgtype.Timestamptz
	if err := row.Scan(&r.ID, &status, &r.Matched, &r.Processed, &r.TasksCreatedTotal, &r.SampledActivities,
		&r.InactiveActivities, &r.Skipped, &r.ErrorCount, &r.ErrorMessages, &last, &progress,
		&r.StartedAt, &finished); err != nil {
		return models.SamplingRun{}, err
	}
	r.Status = models.RunStatus(status)
	r.LastActivityID = textPtr(last)
	r.LastProgressAt = timePtr(progress)
	r.FinishedAt = timePtr(finished)
	return r, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.SamplingRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sampling_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SamplingRun{}, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.SamplingRun{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.SamplingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM sampling_runs ORDER BY started_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []models.SamplingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
