// push_subscription_repository.go implements PushSubscriptionRepository for the devices
// a user has registered for push delivery.
package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/db/models"
)

const pushSubscriptionColumns = `id, user_id, endpoint, p256dh, auth, user_agent, push_enabled,
	last_used_at, created_at, updated_at`

// PushSubscriptionRepository handles database operations for push subscriptions
type PushSubscriptionRepository struct {
	db *sqlx.DB
}

// NewPushSubscriptionRepository creates a new push subscription repository
func NewPushSubscriptionRepository(db *sqlx.DB) *PushSubscriptionRepository {
	return &PushSubscriptionRepository{db: db}
}

// Upsert registers a device, refreshing keys when the (user, endpoint) pair already exists
func (r *PushSubscriptionRepository) Upsert(ctx context.Context, sub *models.PushSubscription) (*models.PushSubscription, error) {
	query := `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, user_agent, push_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		ON CONFLICT (user_id, endpoint) DO UPDATE
		SET p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent,
			push_enabled = TRUE,
			updated_at = NOW()
		RETURNING ` + pushSubscriptionColumns

	var stored models.PushSubscription
	err := r.db.GetContext(ctx, &stored, query, uuid.New(), sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to register push subscription: %w", err)
	}
	return &stored, nil
}

// Delete removes one of the user's subscriptions. It returns false if the user has no such subscription.
func (r *PushSubscriptionRepository) Delete(ctx context.Context, userID, id uuid.UUID) (bool, error) {
	return execAffected(ctx, r.db, "delete push subscription", `DELETE FROM push_subscriptions WHERE id = $1 AND user_id = $2`, id, userID)
}

// ListByUser returns every subscription of a user, newest first
func (r *PushSubscriptionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.PushSubscription, error) {
	return r.list(ctx, `user_id = $1`, userID)
}

// ListEnabled returns the user's subscriptions that accept push messages
func (r *PushSubscriptionRepository) ListEnabled(ctx context.Context, userID uuid.UUID) ([]*models.PushSubscription, error) {
	return r.list(ctx, `user_id = $1 AND push_enabled = TRUE`, userID)
}

func (r *PushSubscriptionRepository) list(ctx context.Context, where string, args ...interface{}) ([]*models.PushSubscription, error) {
	subs := []*models.PushSubscription{}
	query := `SELECT ` + pushSubscriptionColumns + ` FROM push_subscriptions WHERE ` + where + ` ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	return subs, nil
}
