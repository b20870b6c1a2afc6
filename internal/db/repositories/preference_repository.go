// preference_repository.go implements PreferenceRepository for per-type notification
// preferences, created lazily with INSERT ... ON CONFLICT DO NOTHING.
package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/conpanion/conpanion/internal/db/models"
)

const preferenceColumns = `id, user_id, type, enabled, email_enabled, push_enabled, in_app_enabled,
	quiet_hours_start, quiet_hours_end, timezone, created_at, updated_at`

// PreferenceRepository handles database operations for notification preferences
type PreferenceRepository struct {
	db *sqlx.DB
}

// NewPreferenceRepository creates a new preference repository
func NewPreferenceRepository(db *sqlx.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// GetOrCreate returns the user's preference for a type, creating the default row first
// if it does not exist. Concurrent callers converge on the same row.
func (r *PreferenceRepository) GetOrCreate(ctx context.Context, userID uuid.UUID, t models.NotificationType) (*models.NotificationPreference, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (id, user_id, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, type) DO NOTHING
	`, uuid.New(), userID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification preference: %w", err)
	}

	var pref models.NotificationPreference
	err = r.db.GetContext(ctx, &pref, `SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = $1 AND type = $2`, userID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification preference: %w", err)
	}
	return &pref, nil
}

// EnsureDefaults creates the default preference row for each of the given types that
// the user does not have yet.
func (r *PreferenceRepository) EnsureDefaults(ctx context.Context, userID uuid.UUID, types []models.NotificationType) error {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (id, user_id, type)
		SELECT gen_random_uuid(), $1, t FROM UNNEST($2::text[]) AS t
		ON CONFLICT (user_id, type) DO NOTHING
	`, userID, pq.Array(names))
	if err != nil {
		return fmt.Errorf("failed to create default notification preferences: %w", err)
	}
	return nil
}

// List returns every preference row of a user ordered by type
func (r *PreferenceRepository) List(ctx context.Context, userID uuid.UUID) ([]*models.NotificationPreference, error) {
	prefs := []*models.NotificationPreference{}
	if err := r.db.SelectContext(ctx, &prefs, `SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = $1 ORDER BY type`, userID); err != nil {
		return nil, fmt.Errorf("failed to list notification preferences: %w", err)
	}
	return prefs, nil
}

// Update writes every mutable field of pref and returns the stored row
func (r *PreferenceRepository) Update(ctx context.Context, pref *models.NotificationPreference) (*models.NotificationPreference, error) {
	query := `
		UPDATE notification_preferences
		SET enabled = :enabled,
			email_enabled = :email_enabled,
			push_enabled = :push_enabled,
			in_app_enabled = :in_app_enabled,
			quiet_hours_start = :quiet_hours_start,
			quiet_hours_end = :quiet_hours_end,
			timezone = :timezone,
			updated_at = NOW()
		WHERE user_id = :user_id AND type = :type
		RETURNING ` + preferenceColumns

	rows, err := r.db.NamedQueryContext(ctx, query, pref)
	if err != nil {
		return nil, fmt.Errorf("failed to update notification preference: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to update notification preference: %w", err)
		}
		return nil, nil
	}
	var updated models.NotificationPreference
	if err := rows.StructScan(&updated); err != nil {
		return nil, fmt.Errorf("failed to scan notification preference: %w", err)
	}
	return &updated, nil
}
