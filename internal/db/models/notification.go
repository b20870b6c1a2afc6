// Package models - notification.go defines notifications, their closed set of types and
// priorities, and the per-channel delivery tracking rows.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationType is the closed set of notification kinds
type NotificationType string

const (
	NotificationSystem                NotificationType = "system"
	NotificationOrganizationAdded     NotificationType = "organization_added"
	NotificationProjectAdded          NotificationType = "project_added"
	NotificationTaskAssigned          NotificationType = "task_assigned"
	NotificationTaskUpdated           NotificationType = "task_updated"
	NotificationTaskComment           NotificationType = "task_comment"
	NotificationCommentMention        NotificationType = "comment_mention"
	NotificationTaskUnassigned        NotificationType = "task_unassigned"
	NotificationFormAssigned          NotificationType = "form_assigned"
	NotificationFormUnassigned        NotificationType = "form_unassigned"
	NotificationApprovalRequested     NotificationType = "approval_requested"
	NotificationApprovalStatusChanged NotificationType = "approval_status_changed"
	NotificationEntityAssigned        NotificationType = "entity_assigned"
)

// NotificationTypes lists every notification type in a stable order
var NotificationTypes = []NotificationType{
	NotificationSystem,
	NotificationOrganizationAdded,
	NotificationProjectAdded,
	NotificationTaskAssigned,
	NotificationTaskUpdated,
	NotificationTaskComment,
	NotificationCommentMention,
	NotificationTaskUnassigned,
	NotificationFormAssigned,
	NotificationFormUnassigned,
	NotificationApprovalRequested,
	NotificationApprovalStatusChanged,
	NotificationEntityAssigned,
}

// Valid reports whether t is a known notification type
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders delivery and sets the queue delay
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Delay returns how long a queued email or push waits before it is due.
// Unknown priorities are treated as medium.
func (p Priority) Delay() time.Duration {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return time.Minute
	case PriorityLow:
		return 15 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Notification is an in-app message addressed to one user
type Notification struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	UserID     uuid.UUID        `db:"user_id" json:"user_id"`
	Type       NotificationType `db:"type" json:"type"`
	Priority   Priority         `db:"priority" json:"priority"`
	Title      string           `db:"title" json:"title"`
	Message    string           `db:"message" json:"message"`
	Data       json.RawMessage  `db:"data" json:"data"`
	EntityType *string          `db:"entity_type" json:"entity_type,omitempty"`
	EntityID   *uuid.UUID       `db:"entity_id" json:"entity_id,omitempty"`
	CreatedBy  *uuid.UUID       `db:"created_by" json:"created_by,omitempty"`
	IsRead     bool             `db:"is_read" json:"is_read"`
	ReadAt     *time.Time       `db:"read_at" json:"read_at,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}

// Entity returns the typed entity reference, or nil when the notification has none
// or the stored pair is not recognised.
func (n *Notification) Entity() EntityRef {
	if n.EntityType == nil || n.EntityID == nil {
		return nil
	}
	ref, err := ParseEntityRef(EntityKind(*n.EntityType), *n.EntityID)
	if err != nil {
		return nil
	}
	return ref
}

// Channel is a delivery channel
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// DeliveryStatus is the outcome of delivering a notification on one channel
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// NotificationDelivery records a per-channel delivery outcome
type NotificationDelivery struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	NotificationID uuid.UUID      `db:"notification_id" json:"notification_id"`
	Channel        Channel        `db:"channel" json:"channel"`
	Status         DeliveryStatus `db:"status" json:"status"`
	ErrorMessage   *string        `db:"error_message" json:"error_message,omitempty"`
	DeliveredAt    *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// NotificationTemplate holds the subject and message for a (type, name) pair
type NotificationTemplate struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	Type            NotificationType `db:"type" json:"type"`
	Name            string           `db:"name" json:"name"`
	SubjectTemplate string           `db:"subject_template" json:"subject_template"`
	MessageTemplate string           `db:"message_template" json:"message_template"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}
