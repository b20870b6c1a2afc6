// Package notifications creates in-app notifications and fans them out to the email and
// push delivery queues according to each recipient's preferences. It also serves the
// inbox, preference and push subscription operations behind the notification API.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/telemetry"
)

// Template names with special handling
const (
	DefaultTemplate               = "default"
	RequesterConfirmationTemplate = "requester_confirmation"
)

// Fallback text used when neither the named nor the default template exists
const (
	fallbackSubject = "Notification"
	fallbackMessage = "You have a new notification"
)

// ErrSuppressed is returned by CreateNotification when the notification was not created
// because the recipient caused it.
var ErrSuppressed = errors.New("notification suppressed")

// NotificationStore persists notifications and reads templates
type NotificationStore interface {
	CreateWithInAppDelivery(ctx context.Context, n *models.Notification) error
	GetTemplate(ctx context.Context, t models.NotificationType, name string) (*models.NotificationTemplate, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PreferenceStore reads a recipient's preference, creating the default row on first use
type PreferenceStore interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, t models.NotificationType) (*models.NotificationPreference, error)
}

// QueueStore accepts email and push queue entries
type QueueStore interface {
	EnqueueEmail(ctx context.Context, e *models.EmailQueueEntry) error
	EnqueuePush(ctx context.Context, e *models.PushQueueEntry) error
}

// DeviceStore lists the push-enabled subscriptions of a user
type DeviceStore interface {
	ListEnabled(ctx context.Context, userID uuid.UUID) ([]*models.PushSubscription, error)
}

// RecipientStore resolves the email address of a recipient
type RecipientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Request describes one notification to one recipient
type Request struct {
	UserID       uuid.UUID
	Type         models.NotificationType
	TemplateName string // empty means "default"
	TemplateArgs []string
	Data         map[string]any
	Entity       models.EntityRef
	Priority     models.Priority // empty means medium
	ActorID      *uuid.UUID
}

// Transactional is an email to an address that may not belong to an account, such as
// an invitation link or an email confirmation. No notification row is created.
type Transactional struct {
	To           string
	UserID       *uuid.UUID
	Type         models.NotificationType
	TemplateName string
	TemplateArgs []string
	Data         map[string]any
	Priority     models.Priority
}

// Engine creates notifications and enqueues their email and push deliveries
type Engine struct {
	notifications NotificationStore
	preferences   PreferenceStore
	queue         QueueStore
	devices       DeviceStore
	recipients    RecipientStore
	cfg           config.NotificationsConfig
	now           func() time.Time
}

// NewEngine creates a notification engine
func NewEngine(notifications NotificationStore, preferences PreferenceStore, queue QueueStore, devices DeviceStore, recipients RecipientStore, cfg config.NotificationsConfig) *Engine {
	return &Engine{
		notifications: notifications,
		preferences:   preferences,
		queue:         queue,
		devices:       devices,
		recipients:    recipients,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateNotification persists an in-app notification for req.UserID and, depending on
// the recipient's preference for the type, queues an email and one push per device.
// Channel enqueue failures are logged and counted; they never fail the call.
func (e *Engine) CreateNotification(ctx context.Context, req Request) (uuid.UUID, error) {
	if req.TemplateName == "" {
		req.TemplateName = DefaultTemplate
	}
	if !req.Priority.Valid() {
		req.Priority = models.PriorityMedium
	}
	if !req.Type.Valid() {
		return uuid.Nil, fmt.Errorf("unknown notification type %q", req.Type)
	}

	if req.ActorID != nil && *req.ActorID == req.UserID &&
		req.Type != models.NotificationSystem && req.TemplateName != RequesterConfirmationTemplate {
		telemetry.NotificationsSuppressedTotal.WithLabelValues("self").Inc()
		return uuid.Nil, ErrSuppressed
	}

	subject, message := e.render(ctx, req.Type, req.TemplateName, req.TemplateArgs)

	data, err := encodeData(req.Data)
	if err != nil {
		return uuid.Nil, err
	}
	entityType, entityID := models.EntityColumns(req.Entity)

	n := &models.Notification{
		UserID:     req.UserID,
		Type:       req.Type,
		Priority:   req.Priority,
		Title:      subject,
		Message:    message,
		Data:       data,
		EntityType: entityType,
		EntityID:   entityID,
		CreatedBy:  req.ActorID,
	}
	// The inbox copy does not depend on preferences; in_app_enabled is left to clients.
	if err := e.notifications.CreateWithInAppDelivery(ctx, n); err != nil {
		return uuid.Nil, err
	}
	telemetry.NotificationsCreatedTotal.WithLabelValues(string(req.Type)).Inc()

	pref, err := e.preferences.GetOrCreate(ctx, req.UserID, req.Type)
	if err != nil {
		slog.Error("failed to load notification preference, skipping email and push",
			"notification_id", n.ID, "user_id", req.UserID, "type", req.Type, "error", err)
		telemetry.NotificationChannelFailuresTotal.WithLabelValues("preference").Inc()
		return n.ID, nil
	}

	if (pref.Enabled && pref.EmailEnabled) || req.Type == models.NotificationSystem {
		if err := e.enqueueEmail(ctx, n); err != nil {
			slog.Error("failed to enqueue notification email", "notification_id", n.ID, "error", err)
			telemetry.NotificationChannelFailuresTotal.WithLabelValues(string(models.ChannelEmail)).Inc()
		}
	}

	if pref.Enabled && pref.PushEnabled {
		if pref.InQuietHours(e.now()) {
			slog.Debug("push suppressed by quiet hours", "notification_id", n.ID, "user_id", req.UserID)
		} else if err := e.enqueuePush(ctx, n); err != nil {
			slog.Error("failed to enqueue push notification", "notification_id", n.ID, "error", err)
			telemetry.NotificationChannelFailuresTotal.WithLabelValues(string(models.ChannelPush)).Inc()
		}
	}

	return n.ID, nil
}

// SendTransactional renders a template and queues it as an email
func (e *Engine) SendTransactional(ctx context.Context, t Transactional) error {
	if t.TemplateName == "" {
		t.TemplateName = DefaultTemplate
	}
	if !t.Priority.Valid() {
		t.Priority = models.PriorityHigh
	}
	subject, body := e.render(ctx, t.Type, t.TemplateName, t.TemplateArgs)

	payload := map[string]any{"type": t.Type, "template": t.TemplateName}
	for k, v := range t.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode email data: %w", err)
	}

	entry := &models.EmailQueueEntry{
		UserID:       t.UserID,
		ToEmail:      t.To,
		Subject:      subject,
		Body:         body,
		TemplateData: data,
		Priority:     t.Priority,
		ScheduledFor: e.now().Add(t.Priority.Delay()),
	}
	if err := e.queue.EnqueueEmail(ctx, entry); err != nil {
		telemetry.NotificationChannelFailuresTotal.WithLabelValues(string(models.ChannelEmail)).Inc()
		return err
	}
	telemetry.NotificationsEnqueuedTotal.WithLabelValues(string(models.ChannelEmail)).Inc()
	return nil
}

// PurgeExpired deletes notifications older than the retention period
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	if e.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := e.now().AddDate(0, 0, -e.cfg.RetentionDays)
	n, err := e.notifications.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged expired notifications", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// render resolves (type, name), then (type, default), then the built-in text, and
// substitutes args. A lookup error moves on to the next candidate.
func (e *Engine) render(ctx context.Context, t models.NotificationType, name string, args []string) (string, string) {
	candidates := []string{name}
	if name != DefaultTemplate {
		candidates = append(candidates, DefaultTemplate)
	}

	for _, candidate := range candidates {
		tmpl, err := e.notifications.GetTemplate(ctx, t, candidate)
		if err != nil {
			slog.Warn("notification template lookup failed", "type", t, "template", candidate, "error", err)
			continue
		}
		if tmpl != nil {
			return renderOrRaw(tmpl.SubjectTemplate, args), renderOrRaw(tmpl.MessageTemplate, args)
		}
	}
	return fallbackSubject, fallbackMessage
}

func (e *Engine) enqueueEmail(ctx context.Context, n *models.Notification) error {
	user, err := e.recipients.GetByID(ctx, n.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("recipient %s not found", n.UserID)
	}

	data, err := json.Marshal(deliveryPayload(n))
	if err != nil {
		return fmt.Errorf("failed to encode email data: %w", err)
	}
	entry := &models.EmailQueueEntry{
		NotificationID: &n.ID,
		UserID:         &n.UserID,
		ToEmail:        user.Email,
		Subject:        n.Title,
		Body:           n.Message,
		TemplateData:   data,
		Priority:       n.Priority,
		ScheduledFor:   e.now().Add(n.Priority.Delay()),
	}
	if err := e.queue.EnqueueEmail(ctx, entry); err != nil {
		return err
	}
	telemetry.NotificationsEnqueuedTotal.WithLabelValues(string(models.ChannelEmail)).Inc()
	return nil
}

func (e *Engine) enqueuePush(ctx context.Context, n *models.Notification) error {
	devices, err := e.devices.ListEnabled(ctx, n.UserID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	data, err := json.Marshal(deliveryPayload(n))
	if err != nil {
		return fmt.Errorf("failed to encode push data: %w", err)
	}
	scheduled := e.now().Add(n.Priority.Delay())

	var errs []error
	for _, device := range devices {
		entry := &models.PushQueueEntry{
			NotificationID: n.ID,
			UserID:         n.UserID,
			SubscriptionID: device.ID,
			Title:          n.Title,
			Body:           n.Message,
			Data:           data,
			Priority:       n.Priority,
			ScheduledFor:   scheduled,
		}
		if err := e.queue.EnqueuePush(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", device.ID, err))
			continue
		}
		telemetry.NotificationsEnqueuedTotal.WithLabelValues(string(models.ChannelPush)).Inc()
	}
	return errors.Join(errs...)
}

// deliveryPayload is the JSON handed to the external delivery functions
func deliveryPayload(n *models.Notification) map[string]any {
	p := map[string]any{
		"notification_id": n.ID,
		"type":            n.Type,
		"priority":        n.Priority,
		"data":            n.Data,
	}
	if n.EntityType != nil && n.EntityID != nil {
		p["entity_type"] = *n.EntityType
		p["entity_id"] = *n.EntityID
	}
	return p
}

func encodeData(data map[string]any) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification data: %w", err)
	}
	return b, nil
}
