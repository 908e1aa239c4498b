package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcall-sampling/internal/models"
)

const (
	commitRetries   = 3
	commitBaseDelay = 50 * time.Millisecond
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database reachability for /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const activityColumns = `
	a.id, a.activity_type, a.activity_date, a.lifecycle_status,
	COALESCE(array_agg(af.farmer_id ORDER BY af.position) FILTER (WHERE af.farmer_id IS NOT NULL), '{}')`

func scanActivity(row pgx.Row) (models.Activity, error) {
	var a models.Activity
	var status string
	if err := row.Scan(&a.ID, &a.Type, &a.Date, &status, &a.FarmerIDs); err != nil {
		return models.Activity{}, err
	}
	a.LifecycleStatus = models.LifecycleStatus(status)
	return a, nil
}

// GetActivity fetches an activity with its farmer list in attendance order.
func (s *Store) GetActivity(ctx context.Context, id string) (models.Activity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+activityColumns+`
		FROM activities a
		LEFT JOIN activity_farmers af ON af.activity_id = a.id
		WHERE a.id = $1
		GROUP BY a.id
	`, id)
	a, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Activity{}, fmt.Errorf("activity %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Activity{}, fmt.Errorf("scan activity: %w", err)
	}
	return a, nil
}

// ListUnsampledActivities returns activities with farmers and no audit, oldest first.
func (s *Store) ListUnsampledActivities(ctx context.Context) ([]models.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+activityColumns+`
		FROM activities a
		JOIN activity_farmers af ON af.activity_id = a.id
		WHERE NOT EXISTS (SELECT 1 FROM sampling_audits sa WHERE sa.activity_id = a.id)
		GROUP BY a.id
		ORDER BY a.activity_date, a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query unsampled activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetActivityStatus writes an activity's lifecycle status.
func (s *Store) SetActivityStatus(ctx context.Context, id string, status models.LifecycleStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE activities SET lifecycle_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update activity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ActiveCoolingPeriods returns the cooling rows still in force at now for the given farmers.
func (s *Store) ActiveCoolingPeriods(ctx context.Context, farmerIDs []string, now time.Time) (map[string]models.CoolingPeriod, error) {
	out := make(map[string]models.CoolingPeriod)
	if len(farmerIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT farmer_id, last_call_date, expires_at
		FROM cooling_periods
		WHERE farmer_id = ANY($1) AND expires_at > $2
	`, farmerIDs, now)
	if err != nil {
		return nil, fmt.Errorf("query cooling periods: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cp models.CoolingPeriod
		if err := rows.Scan(&cp.FarmerID, &cp.LastCallDate, &cp.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan cooling period: %w", err)
		}
		out[cp.FarmerID] = cp
	}
	return out, rows.Err()
}

// HasAudit reports whether the activity already carries a sampling audit.
func (s *Store) HasAudit(ctx context.Context, activityID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sampling_audits WHERE activity_id = $1)
	`, activityID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query audit: %w", err)
	}
	return exists, nil
}

// GetAudit fetches the audit written for an activity.
func (s *Store) GetAudit(ctx context.Context, activityID string) (models.SamplingAudit, error) {
	var a models.SamplingAudit
	var metadata []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, activity_id, sampling_percentage, total_farmers, sampled_count, algorithm, metadata, created_at
		FROM sampling_audits WHERE activity_id = $1
	`, activityID).Scan(&a.ID, &a.ActivityID, &a.SamplingPercentage, &a.TotalFarmers, &a.SampledCount, &a.Algorithm, &metadata, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SamplingAudit{}, fmt.Errorf("audit for activity %s: %w", activityID, models.ErrNotFound)
	}
	if err != nil {
		return models.SamplingAudit{}, fmt.Errorf("scan audit: %w", err)
	}
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return models.SamplingAudit{}, fmt.Errorf("unmarshal audit metadata: %w", err)
	}
	return a, nil
}

// CommitSampling writes tasks, cooling periods, the audit and the activity status in one transaction.
// A second commit for the same activity fails with models.ErrAlreadySampled.
func (s *Store) CommitSampling(ctx context.Context, c models.SamplingCommit) error {
	metadata, err := json.Marshal(c.Audit.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	err = WithRetry(ctx, commitRetries, commitBaseDelay, func() error {
		return s.commitSampling(ctx, c, metadata)
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("activity %s: %w", c.ActivityID, models.ErrAlreadySampled)
	}
	return err
}

func (s *Store) commitSampling(ctx context.Context, c models.SamplingCommit, metadata []byte) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	a := c.Audit
	tag, err := tx.Exec(ctx, `
		INSERT INTO sampling_audits (id, activity_id, sampling_percentage, total_farmers, sampled_count, algorithm, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (activity_id) DO NOTHING
	`, a.ID, c.ActivityID, a.SamplingPercentage, a.TotalFarmers, a.SampledCount, a.Algorithm, metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s: %w", c.ActivityID, models.ErrAlreadySampled)
	}

	for _, t := range c.Tasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}

	for _, cp := range c.CoolingPeriods {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cooling_periods (farmer_id, last_call_date, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (farmer_id) DO UPDATE
			SET last_call_date = EXCLUDED.last_call_date,
			    expires_at = GREATEST(cooling_periods.expires_at, EXCLUDED.expires_at)
		`, cp.FarmerID, cp.LastCallDate, cp.ExpiresAt); err != nil {
			return fmt.Errorf("upsert cooling period: %w", err)
		}
	}

	tag, err = tx.Exec(ctx, `UPDATE activities SET lifecycle_status = $2 WHERE id = $1`, c.ActivityID, c.LifecycleStatus)
	if err != nil {
		return fmt.Errorf("update activity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s: %w", c.ActivityID, models.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetFarmers returns the farmers for ids in the order given; every id must exist.
func (s *Store) GetFarmers(ctx context.Context, ids []string) ([]models.Farmer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, phone, preferred_language FROM farmers WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query farmers: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Farmer, len(ids))
	for rows.Next() {
		var f models.Farmer
		if err := rows.Scan(&f.ID, &f.Name, &f.Phone, &f.PreferredLanguage); err != nil {
			return nil, fmt.Errorf("scan farmer: %w", err)
		}
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Farmer, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("farmer %s: %w", id, models.ErrNotFound)
		}
		out = append(out, f)
	}
	return out, nil
}

// ListActiveAgents returns active users with role agent, ordered by id.
func (s *Store) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, active, language_capabilities
		FROM users
		WHERE role = 'agent' AND active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Active, &a.LanguageCapabilities); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
