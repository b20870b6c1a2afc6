// notification_repository.go implements NotificationRepository: the in-app inbox,
// per-channel delivery records, templates and the retention sweep.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/db"
	"github.com/conpanion/conpanion/internal/db/models"
)

const notificationColumns = `id, user_id, type, priority, title, message, data, entity_type, entity_id,
	created_by, is_read, read_at, created_at`

// NotificationFilter narrows an inbox listing
type NotificationFilter struct {
	UnreadOnly bool
	Type       models.NotificationType // empty means all types
	Limit      int
	Offset     int
}

// NotificationRepository handles database operations for notifications
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// CreateWithInAppDelivery inserts the notification together with its in-app delivery
// record (status sent), in one transaction.
func (r *NotificationRepository) CreateWithInAppDelivery(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if len(n.Data) == 0 {
		n.Data = json.RawMessage(`{}`)
	}
	n.CreatedAt = time.Now().UTC()

	return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, type, priority, title, message, data, entity_type, entity_id,
				created_by, is_read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)
		`, n.ID, n.UserID, n.Type, n.Priority, n.Title, n.Message, []byte(n.Data), n.EntityType, n.EntityID,
			n.CreatedBy, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create notification: %w", err)
		}

		return insertDelivery(ctx, tx, n.ID, models.ChannelInApp, models.DeliverySent, nil)
	})
}

func insertDelivery(ctx context.Context, e sqlx.ExecerContext, notificationID uuid.UUID, channel models.Channel, status models.DeliveryStatus, errMsg *string) error {
	var deliveredAt *time.Time
	if status == models.DeliverySent {
		now := time.Now().UTC()
		deliveredAt = &now
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO notification_deliveries (id, notification_id, channel, status, error_message, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New(), notificationID, channel, status, errMsg, deliveredAt)
	if err != nil {
		return fmt.Errorf("failed to record %s delivery: %w", channel, err)
	}
	return nil
}

// RecordDelivery stores the outcome of delivering a notification on a channel
func (r *NotificationRepository) RecordDelivery(ctx context.Context, notificationID uuid.UUID, channel models.Channel, status models.DeliveryStatus, errMsg *string) error {
	return insertDelivery(ctx, r.db, notificationID, channel, status, errMsg)
}

// ListDeliveries returns the delivery records of a notification, oldest first
func (r *NotificationRepository) ListDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*models.NotificationDelivery, error) {
	deliveries := []*models.NotificationDelivery{}
	query := `
		SELECT id, notification_id, channel, status, error_message, delivered_at, created_at
		FROM notification_deliveries WHERE notification_id = $1 ORDER BY created_at
	`
	if err := r.db.SelectContext(ctx, &deliveries, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return deliveries, nil
}

// List returns a page of the user's notifications, newest first
func (r *NotificationRepository) List(ctx context.Context, userID uuid.UUID, f NotificationFilter) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []interface{}{userID}
	if f.UnreadOnly {
		query += ` AND is_read = FALSE`
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	notifications := []*models.Notification{}
	if err := r.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}

// UnreadCount returns the number of unread notifications for a user
func (r *NotificationRepository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`, userID); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// SetRead marks a notification read or unread. Only the recipient's rows match, so
// it returns false both for a missing notification and for someone else's.
func (r *NotificationRepository) SetRead(ctx context.Context, id, userID uuid.UUID, read bool) (bool, error) {
	query := `
		UPDATE notifications
		SET is_read = $3, read_at = CASE WHEN $3 THEN NOW() ELSE NULL END
		WHERE id = $1 AND user_id = $2
	`
	return execAffected(ctx, r.db, "update notification read state", query, id, userID, read)
}

// MarkAllRead marks every unread notification of the user read
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE, read_at = NOW() WHERE user_id = $1 AND is_read = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes notifications created before cutoff. Deliveries and queue
// rows referencing them cascade.
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}
	return res.RowsAffected()
}

// GetTemplate retrieves the template for (type, name), or nil if there is none
func (r *NotificationRepository) GetTemplate(ctx context.Context, t models.NotificationType, name string) (*models.NotificationTemplate, error) {
	var tmpl models.NotificationTemplate
	err := r.db.GetContext(ctx, &tmpl, `
		SELECT id, type, name, subject_template, message_template, created_at, updated_at
		FROM notification_templates WHERE type = $1 AND name = $2
	`, t, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification template: %w", err)
	}
	return &tmpl, nil
}
