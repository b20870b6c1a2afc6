package notifications

import (
	"context"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
)

// Page size limits for inbox listings
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// InboxStore is the recipient-facing side of the notification table
type InboxStore interface {
	List(ctx context.Context, userID uuid.UUID, f repositories.NotificationFilter) ([]*models.Notification, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	SetRead(ctx context.Context, id, userID uuid.UUID, read bool) (bool, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

// ListOptions filters and pages an inbox listing
type ListOptions struct {
	UnreadOnly bool
	Type       models.NotificationType
	Limit      int
	Offset     int
}

// Inbox serves a user's own notifications
type Inbox struct {
	store InboxStore
}

// NewInbox creates an inbox service
func NewInbox(store InboxStore) *Inbox {
	return &Inbox{store: store}
}

func (i *Inbox) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*models.Notification, error) {
	if opts.Type != "" && !opts.Type.Valid() {
		return nil, apperr.New(apperr.InvalidInput, "unknown notification type "+string(opts.Type))
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageSize
	}
	if opts.Limit > MaxPageSize {
		opts.Limit = MaxPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	list, err := i.store.List(ctx, userID, repositories.NotificationFilter{
		UnreadOnly: opts.UnreadOnly,
		Type:       opts.Type,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list notifications")
	}
	return list, nil
}

func (i *Inbox) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := i.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(err, "failed to count notifications")
	}
	return n, nil
}

// MarkRead marks one of the user's notifications read. Notifications addressed to
// someone else are reported as not found.
func (i *Inbox) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	return i.setRead(ctx, id, userID, true)
}

// MarkUnread is the inverse of MarkRead
func (i *Inbox) MarkUnread(ctx context.Context, id, userID uuid.UUID) error {
	return i.setRead(ctx, id, userID, false)
}

func (i *Inbox) setRead(ctx context.Context, id, userID uuid.UUID, read bool) error {
	ok, err := i.store.SetRead(ctx, id, userID, read)
	if err != nil {
		return apperr.Wrap(err, "failed to update notification")
	}
	if !ok {
		return apperr.New(apperr.NotFound, "notification not found")
	}
	return nil
}

func (i *Inbox) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := i.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(err, "failed to update notifications")
	}
	return n, nil
}
