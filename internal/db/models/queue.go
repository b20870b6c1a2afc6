// Package models - queue.go defines the email and push delivery queue entries drained by
// the background jobs, and push subscriptions (devices).
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of a queue entry
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
)

// EmailQueueEntry is an email waiting for the external delivery function.
// NotificationID and UserID are nil for transactional mail to addresses without an account.
type EmailQueueEntry struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	NotificationID *uuid.UUID      `db:"notification_id" json:"notification_id,omitempty"`
	UserID         *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	ToEmail        string          `db:"to_email" json:"to_email"`
	Subject        string          `db:"subject" json:"subject"`
	Body           string          `db:"body" json:"body"`
	TemplateData   json.RawMessage `db:"template_data" json:"template_data"`
	Priority       Priority        `db:"priority" json:"priority"`
	Status         QueueStatus     `db:"status" json:"status"`
	ScheduledFor   time.Time       `db:"scheduled_for" json:"scheduled_for"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	ErrorMessage   *string         `db:"error_message" json:"error_message,omitempty"`
	SentAt         *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// PushQueueEntry is a push message addressed to one device
type PushQueueEntry struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	NotificationID uuid.UUID       `db:"notification_id" json:"notification_id"`
	UserID         uuid.UUID       `db:"user_id" json:"user_id"`
	SubscriptionID uuid.UUID       `db:"subscription_id" json:"subscription_id"`
	Title          string          `db:"title" json:"title"`
	Body           string          `db:"body" json:"body"`
	Data           json.RawMessage `db:"data" json:"data"`
	Priority       Priority        `db:"priority" json:"priority"`
	Status         QueueStatus     `db:"status" json:"status"`
	ScheduledFor   time.Time       `db:"scheduled_for" json:"scheduled_for"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	ErrorMessage   *string         `db:"error_message" json:"error_message,omitempty"`
	SentAt         *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// PushDelivery is a claimed push entry joined with the device it goes to
type PushDelivery struct {
	PushQueueEntry
	Endpoint string `db:"endpoint" json:"endpoint"`
	P256dh   string `db:"p256dh" json:"p256dh"`
	Auth     string `db:"auth" json:"auth"`
}

// PushSubscription is a browser or device registered for push delivery
type PushSubscription struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	Endpoint    string     `db:"endpoint" json:"endpoint"`
	P256dh      string     `db:"p256dh" json:"p256dh"`
	Auth        string     `db:"auth" json:"-"`
	UserAgent   string     `db:"user_agent" json:"user_agent"`
	PushEnabled bool       `db:"push_enabled" json:"push_enabled"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
