// notifications.go implements the inbox, notification preferences and push
// subscription endpoints. Every route acts on the caller's own data.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/notifications"
)

// InboxService reads and updates the caller's notifications
type InboxService interface {
	List(ctx context.Context, userID uuid.UUID, opts notifications.ListOptions) ([]*models.Notification, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	MarkUnread(ctx context.Context, id, userID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
}

// PreferenceService manages per-type notification preferences
type PreferenceService interface {
	List(ctx context.Context, userID uuid.UUID) ([]*models.NotificationPreference, error)
	Update(ctx context.Context, userID uuid.UUID, t models.NotificationType, u notifications.PreferenceUpdate) (*models.NotificationPreference, error)
}

// SubscriptionService manages push devices
type SubscriptionService interface {
	Register(ctx context.Context, userID uuid.UUID, in notifications.PushSubscriptionInput) (*models.PushSubscription, error)
	Remove(ctx context.Context, userID, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID) ([]*models.PushSubscription, error)
}

// NotificationHandlers handles the notification endpoints
type NotificationHandlers struct {
	inbox         InboxService
	preferences   PreferenceService
	subscriptions SubscriptionService
}

// NewNotificationHandlers creates notification handlers
func NewNotificationHandlers(inbox InboxService, preferences PreferenceService, subscriptions SubscriptionService) *NotificationHandlers {
	return &NotificationHandlers{inbox: inbox, preferences: preferences, subscriptions: subscriptions}
}

// List pages through the caller's notifications, newest first
// GET /api/v1/notifications?unread=true&type=task_assigned&limit=20&offset=0
func (h *NotificationHandlers) List(c *gin.Context) {
	limit, offset := pagination(c, notifications.DefaultPageSize)
	list, err := h.inbox.List(c.Request.Context(), actorID(c), notifications.ListOptions{
		UnreadOnly: c.Query("unread") == "true",
		Type:       models.NotificationType(c.Query("type")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "limit": limit, "offset": offset})
}

// UnreadCount returns the number of unread notifications
// GET /api/v1/notifications/unread-count
func (h *NotificationHandlers) UnreadCount(c *gin.Context) {
	n, err := h.inbox.UnreadCount(c.Request.Context(), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// MarkRead marks one notification read
// POST /api/v1/notifications/:id/read
func (h *NotificationHandlers) MarkRead(c *gin.Context) {
	h.setRead(c, h.inbox.MarkRead)
}

// MarkUnread marks one notification unread
// POST /api/v1/notifications/:id/unread
func (h *NotificationHandlers) MarkUnread(c *gin.Context) {
	h.setRead(c, h.inbox.MarkUnread)
}

func (h *NotificationHandlers) setRead(c *gin.Context, fn func(ctx context.Context, id, userID uuid.UUID) error) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id, actorID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkAllRead marks every unread notification read
// POST /api/v1/notifications/read-all
func (h *NotificationHandlers) MarkAllRead(c *gin.Context) {
	n, err := h.inbox.MarkAllRead(c.Request.Context(), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// ListPreferences returns one preference per notification type
// GET /api/v1/notification-preferences
func (h *NotificationHandlers) ListPreferences(c *gin.Context) {
	prefs, err := h.preferences.List(c.Request.Context(), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": prefs})
}

// UpdatePreference applies a partial update to one type's preference
// PUT /api/v1/notification-preferences/:type
func (h *NotificationHandlers) UpdatePreference(c *gin.Context) {
	var u notifications.PreferenceUpdate
	if !bindJSON(c, &u) {
		return
	}
	pref, err := h.preferences.Update(c.Request.Context(), actorID(c), models.NotificationType(c.Param("type")), u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pref)
}

// ListSubscriptions lists the caller's push devices
// GET /api/v1/push-subscriptions
func (h *NotificationHandlers) ListSubscriptions(c *gin.Context) {
	subs, err := h.subscriptions.List(c.Request.Context(), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if subs == nil {
		subs = []*models.PushSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// RegisterSubscription registers or refreshes a push device
// POST /api/v1/push-subscriptions
func (h *NotificationHandlers) RegisterSubscription(c *gin.Context) {
	var in notifications.PushSubscriptionInput
	if !bindJSON(c, &in) {
		return
	}
	if in.UserAgent == "" {
		in.UserAgent = c.Request.UserAgent()
	}
	sub, err := h.subscriptions.Register(c.Request.Context(), actorID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// RemoveSubscription deletes a push device
// DELETE /api/v1/push-subscriptions/:id
func (h *NotificationHandlers) RemoveSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.subscriptions.Remove(c.Request.Context(), actorID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
