// queue_repository.go implements QueueRepository for the email and push delivery queues.
// Both queues share one lifecycle (pending -> processing -> sent|failed, failed rows
// re-armed to pending), so claim, failure and retry statements are parameterised by table.
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
	"github.com/lib/pq"

	"github.com/conpanion/conpanion/internal/db/models"
)

// ErrUnknownChannel is returned for a channel that has no queue (in_app)
var ErrUnknownChannel = errors.New("channel has no delivery queue")

const (
	emailQueueColumns = `id, notification_id, user_id, to_email, subject, body, template_data, priority,
		status, scheduled_for, retry_count, error_message, sent_at, created_at, updated_at`
	pushQueueColumns = `id, notification_id, user_id, subscription_id, title, body, data, priority,
		status, scheduled_for, retry_count, error_message, sent_at, created_at, updated_at`

	// priorityRank orders claims: critical first, low last.
	priorityRank = `CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`
)

func queueTable(channel models.Channel) (string, error) {
	switch channel {
	case models.ChannelEmail:
		return "email_queue", nil
	case models.ChannelPush:
		return "push_queue", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
}

// QueueRepository handles database operations for the delivery queues
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// EnqueueEmail inserts a pending email
func (r *QueueRepository) EnqueueEmail(ctx context.Context, e *models.EmailQueueEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if len(e.TemplateData) == 0 {
		e.TemplateData = json.RawMessage(`{}`)
	}
	e.Status = models.QueuePending

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_queue (id, notification_id, user_id, to_email, subject, body, template_data, priority,
			status, scheduled_for, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, 0, NOW(), NOW())
	`, e.ID, e.NotificationID, e.UserID, e.ToEmail, e.Subject, e.Body, []byte(e.TemplateData), e.Priority, e.ScheduledFor)
	if err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}
	return nil
}

// EnqueuePush inserts a pending push message
func (r *QueueRepository) EnqueuePush(ctx context.Context, e *models.PushQueueEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage(`{}`)
	}
	e.Status = models.QueuePending

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO push_queue (id, notification_id, user_id, subscription_id, title, body, data, priority,
			status, scheduled_for, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, 0, NOW(), NOW())
	`, e.ID, e.NotificationID, e.UserID, e.SubscriptionID, e.Title, e.Body, []byte(e.Data), e.Priority, e.ScheduledFor)
	if err != nil {
		return fmt.Errorf("failed to enqueue push: %w", err)
	}
	return nil
}

// Claim moves up to limit due pending rows to processing and returns their IDs.
// Rows locked by a concurrent claimer are skipped, so two drainers never take the same row.
func (r *QueueRepository) Claim(ctx context.Context, channel models.Channel, limit int) ([]uuid.UUID, error) {
	table, err := queueTable(channel)
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE ` + table + `
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM ` + table + `
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY ` + priorityRank + ` DESC, scheduled_for ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	ids := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &ids, query, limit); err != nil {
		return nil, fmt.Errorf("failed to claim %s queue: %w", channel, err)
	}
	return ids, nil
}

// MarkFailed marks processing rows failed, increments their retry count and records the error
func (r *QueueRepository) MarkFailed(ctx context.Context, channel models.Channel, ids []uuid.UUID, message string) (int64, error) {
	table, err := queueTable(channel)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE ` + table + `
		SET status = 'failed', retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query, pq.Array(uuidStrings(ids)), message)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s rows failed: %w", channel, err)
	}
	return res.RowsAffected()
}

// FailStale marks rows that have been processing since before cutoff as failed
func (r *QueueRepository) FailStale(ctx context.Context, channel models.Channel, cutoff time.Time) (int64, error) {
	table, err := queueTable(channel)
	if err != nil {
		return 0, err
	}
	query := `
		UPDATE ` + table + `
		SET status = 'failed', retry_count = retry_count + 1, error_message = 'delivery timed out', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale %s rows: %w", channel, err)
	}
	return res.RowsAffected()
}

// Rearm puts failed rows with retries left, last touched after since, back to pending.
// Each row is scheduled retry_count*backoff after now.
func (r *QueueRepository) Rearm(ctx context.Context, channel models.Channel, maxRetries int, backoff time.Duration, since, now time.Time) (int64, error) {
	table, err := queueTable(channel)
	if err != nil {
		return 0, err
	}
	query := `
		UPDATE ` + table + `
		SET status = 'pending',
			scheduled_for = $4::timestamptz + (retry_count * $3::bigint) * INTERVAL '1 second',
			updated_at = $4
		WHERE status = 'failed' AND retry_count < $1 AND updated_at > $2
	`
	res, err := r.db.ExecContext(ctx, query, maxRetries, since, int64(backoff/time.Second), now)
	if err != nil {
		return 0, fmt.Errorf("failed to re-arm %s rows: %w", channel, err)
	}
	return res.RowsAffected()
}

// ListProcessingEmails returns emails currently handed to the delivery function
func (r *QueueRepository) ListProcessingEmails(ctx context.Context, limit int) ([]*models.EmailQueueEntry, error) {
	entries := []*models.EmailQueueEntry{}
	query := `SELECT ` + emailQueueColumns + ` FROM email_queue WHERE status = 'processing'
		ORDER BY ` + priorityRank + ` DESC, scheduled_for LIMIT $1`
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list processing emails: %w", err)
	}
	return entries, nil
}

// ListProcessingPush returns push messages currently handed to the delivery function,
// joined with the device keys needed to send them.
func (r *QueueRepository) ListProcessingPush(ctx context.Context, limit int) ([]*models.PushDelivery, error) {
	entries := []*models.PushDelivery{}
	query := `
		SELECT q.id, q.notification_id, q.user_id, q.subscription_id, q.title, q.body, q.data, q.priority,
			q.status, q.scheduled_for, q.retry_count, q.error_message, q.sent_at, q.created_at, q.updated_at,
			s.endpoint, s.p256dh, s.auth
		FROM push_queue q
		JOIN push_subscriptions s ON s.id = q.subscription_id
		WHERE q.status = 'processing'
		ORDER BY CASE q.priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC,
			q.scheduled_for
		LIMIT $1
	`
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list processing push messages: %w", err)
	}
	return entries, nil
}

// StatusUpdate is the outcome the delivery function reports for one queue row
type StatusUpdate struct {
	Status       models.QueueStatus // sent or failed
	ErrorMessage *string
}

// UpdateStatus records a delivery outcome on a pending or processing row and returns the
// notification the row belongs to (nil for transactional email). found is false when no
// such row is awaiting an outcome.
func (r *QueueRepository) UpdateStatus(ctx context.Context, channel models.Channel, id uuid.UUID, u StatusUpdate) (notificationID *uuid.UUID, found bool, err error) {
	table, err := queueTable(channel)
	if err != nil {
		return nil, false, err
	}

	var row *sqlx.Row
	switch u.Status {
	case models.QueueSent:
		row = r.db.QueryRowxContext(ctx, `
			UPDATE `+table+`
			SET status = 'sent', sent_at = NOW(), error_message = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'processing')
			RETURNING notification_id
		`, id)
	case models.QueueFailed:
		row = r.db.QueryRowxContext(ctx, `
			UPDATE `+table+`
			SET status = 'failed', retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'processing')
			RETURNING notification_id
		`, id, u.ErrorMessage)
	default:
		return nil, false, fmt.Errorf("unsupported queue status %q", u.Status)
	}

	err = row.Scan(&notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update %s status: %w", channel, err)
	}
	return notificationID, true, nil
}

// CountByStatus returns the number of rows in each status, for the ops endpoint
func (r *QueueRepository) CountByStatus(ctx context.Context, channel models.Channel) (map[models.QueueStatus]int, error) {
	table, err := queueTable(channel)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s queue: %w", channel, err)
	}
	defer rows.Close()

	counts := map[models.QueueStatus]int{}
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s queue count: %w", channel, err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
