package store

import (
	"context"
	"fmt"

	"fieldcall-sampling/internal/models"
)

// Directory writes belong to ingestion and user management. These exist for
// local seeding and integration tests.

// UpsertFarmer inserts or replaces a farmer row.
func (s *Store) UpsertFarmer(ctx context.Context, f models.Farmer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO farmers (id, name, phone, preferred_language)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, phone = EXCLUDED.phone, preferred_language = EXCLUDED.preferred_language
	`, f.ID, f.Name, f.Phone, f.PreferredLanguage)
	if err != nil {
		return fmt.Errorf("upsert farmer: %w", err)
	}
	return nil
}

// UpsertAgent inserts or replaces a user with role agent.
func (s *Store) UpsertAgent(ctx context.Context, a models.Agent) error {
	langs := a.LanguageCapabilities
	if langs == nil {
		langs = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, role, active, language_capabilities)
		VALUES ($1, $2, 'agent', $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, role = 'agent', active = EXCLUDED.active,
		    language_capabilities = EXCLUDED.language_capabilities
	`, a.ID, a.Name, a.Active, langs)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// UpsertActivity writes an activity and replaces its farmer list.
func (s *Store) UpsertActivity(ctx context.Context, a models.Activity) error {
	status := a.LifecycleStatus
	if status == "" {
		status = models.ActivityActive
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO activities (id, activity_type, activity_date, lifecycle_status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET activity_type = EXCLUDED.activity_type, activity_date = EXCLUDED.activity_date,
		    lifecycle_status = EXCLUDED.lifecycle_status
	`, a.ID, a.Type, a.Date, status); err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM activity_farmers WHERE activity_id = $1`, a.ID); err != nil {
		return fmt.Errorf("clear activity farmers: %w", err)
	}
	seen := make(map[string]struct{}, len(a.FarmerIDs))
	for i, fid := range a.FarmerIDs {
		if _, dup := seen[fid]; dup {
			continue
		}
		seen[fid] = struct{}{}
		if _, err := tx.Exec(ctx, `
			INSERT INTO activity_farmers (activity_id, farmer_id, position) VALUES ($1, $2, $3)
		`, a.ID, fid, i); err != nil {
			return fmt.Errorf("insert activity farmer: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// UpsertCoolingPeriod writes a cooling row as-is.
func (s *Store) UpsertCoolingPeriod(ctx context.Context, cp models.CoolingPeriod) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cooling_periods (farmer_id, last_call_date, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (farmer_id) DO UPDATE
		SET last_call_date = EXCLUDED.last_call_date, expires_at = EXCLUDED.expires_at
	`, cp.FarmerID, cp.LastCallDate, cp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cooling period: %w", err)
	}
	return nil
}
