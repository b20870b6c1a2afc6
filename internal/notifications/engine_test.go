package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type templateKey struct {
	t    models.NotificationType
	name string
}

type fakeNotifications struct {
	templates   map[templateKey]*models.NotificationTemplate
	brokenNames map[string]bool
	created     []*models.Notification
	createErr   error
	purgedAt    time.Time
}

func (f *fakeNotifications) CreateWithInAppDelivery(_ context.Context, n *models.Notification) error {
	if f.createErr != nil {
		return f.createErr
	}
	n.ID = uuid.New()
	f.created = append(f.created, n)
	return nil
}

func (f *fakeNotifications) GetTemplate(_ context.Context, t models.NotificationType, name string) (*models.NotificationTemplate, error) {
	if f.brokenNames[name] {
		return nil, errors.New("connection reset")
	}
	return f.templates[templateKey{t, name}], nil
}

func (f *fakeNotifications) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.purgedAt = cutoff
	return 7, nil
}

func (f *fakeNotifications) addTemplate(t models.NotificationType, name, subject, message string) {
	if f.templates == nil {
		f.templates = map[templateKey]*models.NotificationTemplate{}
	}
	f.templates[templateKey{t, name}] = &models.NotificationTemplate{Type: t, Name: name, SubjectTemplate: subject, MessageTemplate: message}
}

type fakePreferences struct {
	prefs map[models.NotificationType]*models.NotificationPreference
	err   error
}

func (f *fakePreferences) GetOrCreate(_ context.Context, userID uuid.UUID, t models.NotificationType) (*models.NotificationPreference, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.prefs[t]; ok {
		return p, nil
	}
	p := models.DefaultPreference(userID, t)
	return &p, nil
}

type fakeQueue struct {
	emails   []*models.EmailQueueEntry
	pushes   []*models.PushQueueEntry
	emailErr error
	pushErr  error
}

func (f *fakeQueue) EnqueueEmail(_ context.Context, e *models.EmailQueueEntry) error {
	if f.emailErr != nil {
		return f.emailErr
	}
	f.emails = append(f.emails, e)
	return nil
}

func (f *fakeQueue) EnqueuePush(_ context.Context, e *models.PushQueueEntry) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, e)
	return nil
}

type fakeDevices map[uuid.UUID][]*models.PushSubscription

func (f fakeDevices) ListEnabled(_ context.Context, userID uuid.UUID) ([]*models.PushSubscription, error) {
	return f[userID], nil
}

type fakeRecipients map[uuid.UUID]*models.User

func (f fakeRecipients) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return f[id], nil
}

type engineFixture struct {
	engine  *Engine
	store   *fakeNotifications
	prefs   *fakePreferences
	queue   *fakeQueue
	devices fakeDevices
	user    *models.User
	now     time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	user := &models.User{ID: uuid.New(), Email: "crew@example.com", Name: "Crew"}
	f := &engineFixture{
		store:   &fakeNotifications{},
		prefs:   &fakePreferences{prefs: map[models.NotificationType]*models.NotificationPreference{}},
		queue:   &fakeQueue{},
		devices: fakeDevices{},
		user:    user,
		now:     time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.prefs, f.queue, f.devices, fakeRecipients{user.ID: user}, config.NotificationsConfig{RetentionDays: 90})
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) setPref(t models.NotificationType, mutate func(p *models.NotificationPreference)) {
	p := models.DefaultPreference(f.user.ID, t)
	mutate(&p)
	f.prefs.prefs[t] = &p
}

func (f *engineFixture) addDevice() *models.PushSubscription {
	d := &models.PushSubscription{ID: uuid.New(), UserID: f.user.ID, Endpoint: "https://push.example.com/" + uuid.NewString(), PushEnabled: true}
	f.devices[f.user.ID] = append(f.devices[f.user.ID], d)
	return d
}

// ---------------------------------------------------------------------------
// CreateNotification
// ---------------------------------------------------------------------------

func TestCreateNotification_DefaultPreferences(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addTemplate(models.NotificationTaskAssigned, "default", "New task: %2$s", "%1$s assigned you to %2$s in %3$s.")
	f.addDevice()
	actor := uuid.New()
	taskID := uuid.New()

	id, err := f.engine.CreateNotification(context.Background(), Request{
		UserID:       f.user.ID,
		Type:         models.NotificationTaskAssigned,
		TemplateArgs: []string{"Ana", "Pour slab", "Harbour Tower"},
		Data:         map[string]any{"task_id": taskID},
		Entity:       models.TaskRef{ID: taskID},
		Priority:     models.PriorityHigh,
		ActorID:      &actor,
	})
	require.NoError(t, err)
	require.Len(t, f.store.created, 1)

	n := f.store.created[0]
	assert.Equal(t, id, n.ID)
	assert.Equal(t, "New task: Pour slab", n.Title)
	assert.Equal(t, "Ana assigned you to Pour slab in Harbour Tower.", n.Message)
	require.NotNil(t, n.EntityType)
	assert.Equal(t, "task", *n.EntityType)
	assert.Equal(t, taskID, *n.EntityID)
	assert.Equal(t, &actor, n.CreatedBy)

	require.Len(t, f.queue.emails, 1, "email is on by default")
	email := f.queue.emails[0]
	assert.Equal(t, "crew@example.com", email.ToEmail)
	assert.Equal(t, n.Title, email.Subject)
	assert.Equal(t, &n.ID, email.NotificationID)
	assert.Equal(t, f.now.Add(time.Minute), email.ScheduledFor, "high priority waits one minute")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(email.TemplateData, &payload))
	assert.Equal(t, "task_assigned", payload["type"])
	assert.Equal(t, taskID.String(), payload["entity_id"])

	assert.Empty(t, f.queue.pushes, "push is off by default")
}

func TestCreateNotification_SelfSuppressed(t *testing.T) {
	f := newEngineFixture(t)
	self := f.user.ID

	_, err := f.engine.CreateNotification(context.Background(), Request{
		UserID: f.user.ID, Type: models.NotificationTaskAssigned, ActorID: &self,
	})
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Empty(t, f.store.created)
	assert.Empty(t, f.queue.emails)
}

func TestCreateNotification_SelfAllowedForSystemAndRequesterConfirmation(t *testing.T) {
	f := newEngineFixture(t)
	self := f.user.ID
	ctx := context.Background()

	_, err := f.engine.CreateNotification(ctx, Request{UserID: self, Type: models.NotificationSystem, ActorID: &self})
	require.NoError(t, err)

	_, err = f.engine.CreateNotification(ctx, Request{
		UserID: self, Type: models.NotificationApprovalRequested, TemplateName: RequesterConfirmationTemplate, ActorID: &self,
	})
	require.NoError(t, err)
	assert.Len(t, f.store.created, 2)
}

func TestCreateNotification_TemplateChain(t *testing.T) {
	ctx := context.Background()

	t.Run("named template", func(t *testing.T) {
		f := newEngineFixture(t)
		f.store.addTemplate(models.NotificationApprovalStatusChanged, "comment_added", "Comment on %2$s", "x")
		f.store.addTemplate(models.NotificationApprovalStatusChanged, "default", "Default", "y")
		_, err := f.engine.CreateNotification(ctx, Request{
			UserID: f.user.ID, Type: models.NotificationApprovalStatusChanged, TemplateName: "comment_added",
			TemplateArgs: []string{"Ana", "Pour slab"},
		})
		require.NoError(t, err)
		assert.Equal(t, "Comment on Pour slab", f.store.created[0].Title)
	})

	t.Run("missing name falls back to default", func(t *testing.T) {
		f := newEngineFixture(t)
		f.store.addTemplate(models.NotificationTaskUpdated, "default", "Task updated", "Changed")
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskUpdated, TemplateName: "nope"})
		require.NoError(t, err)
		assert.Equal(t, "Task updated", f.store.created[0].Title)
	})

	t.Run("lookup error falls through", func(t *testing.T) {
		f := newEngineFixture(t)
		f.store.brokenNames = map[string]bool{"custom": true}
		f.store.addTemplate(models.NotificationTaskUpdated, "default", "Task updated", "Changed")
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskUpdated, TemplateName: "custom"})
		require.NoError(t, err)
		assert.Equal(t, "Task updated", f.store.created[0].Title)
	})

	t.Run("hardcoded fallback", func(t *testing.T) {
		f := newEngineFixture(t)
		f.store.brokenNames = map[string]bool{"default": true}
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskUpdated})
		require.NoError(t, err)
		assert.Equal(t, "Notification", f.store.created[0].Title)
		assert.Equal(t, "You have a new notification", f.store.created[0].Message)
	})

	t.Run("render failure keeps raw text", func(t *testing.T) {
		f := newEngineFixture(t)
		f.store.addTemplate(models.NotificationTaskUpdated, "default", "%s and %s", "ok %s")
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskUpdated, TemplateArgs: []string{"one"}})
		require.NoError(t, err)
		assert.Equal(t, "%s and %s", f.store.created[0].Title)
		assert.Equal(t, "ok one", f.store.created[0].Message)
	})
}

func TestCreateNotification_EmailPreferences(t *testing.T) {
	ctx := context.Background()

	t.Run("email disabled", func(t *testing.T) {
		f := newEngineFixture(t)
		f.setPref(models.NotificationTaskComment, func(p *models.NotificationPreference) { p.EmailEnabled = false })
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskComment})
		require.NoError(t, err)
		assert.Len(t, f.store.created, 1, "in-app is always written")
		assert.Empty(t, f.queue.emails)
	})

	t.Run("in-app flag only informs clients", func(t *testing.T) {
		f := newEngineFixture(t)
		f.addDevice()
		f.setPref(models.NotificationTaskComment, func(p *models.NotificationPreference) {
			p.InAppEnabled = false
			p.PushEnabled = true
		})
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskComment})
		require.NoError(t, err)
		assert.Len(t, f.store.created, 1)
		assert.Len(t, f.queue.emails, 1)
		assert.Len(t, f.queue.pushes, 1)
	})

	t.Run("type disabled", func(t *testing.T) {
		f := newEngineFixture(t)
		f.setPref(models.NotificationTaskComment, func(p *models.NotificationPreference) { p.Enabled = false })
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskComment})
		require.NoError(t, err)
		assert.Empty(t, f.queue.emails)
	})

	t.Run("system ignores preferences", func(t *testing.T) {
		f := newEngineFixture(t)
		f.setPref(models.NotificationSystem, func(p *models.NotificationPreference) { p.Enabled, p.EmailEnabled = false, false })
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationSystem, Priority: models.PriorityCritical})
		require.NoError(t, err)
		require.Len(t, f.queue.emails, 1)
		assert.Equal(t, f.now, f.queue.emails[0].ScheduledFor, "critical is due immediately")
	})

	t.Run("enqueue failure does not fail creation", func(t *testing.T) {
		f := newEngineFixture(t)
		f.queue.emailErr = errors.New("queue down")
		id, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskComment})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)
	})

	t.Run("preference failure still returns the notification", func(t *testing.T) {
		f := newEngineFixture(t)
		f.prefs.err = errors.New("timeout")
		id, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskComment})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)
		assert.Empty(t, f.queue.emails)
	})
}

func TestCreateNotification_Push(t *testing.T) {
	ctx := context.Background()
	pushOn := func(p *models.NotificationPreference) { p.PushEnabled = true }

	t.Run("one entry per device", func(t *testing.T) {
		f := newEngineFixture(t)
		f.setPref(models.NotificationCommentMention, pushOn)
		a, b := f.addDevice(), f.addDevice()

		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationCommentMention, Priority: models.PriorityLow})
		require.NoError(t, err)
		require.Len(t, f.queue.pushes, 2)
		assert.Equal(t, a.ID, f.queue.pushes[0].SubscriptionID)
		assert.Equal(t, b.ID, f.queue.pushes[1].SubscriptionID)
		assert.Equal(t, f.now.Add(15*time.Minute), f.queue.pushes[0].ScheduledFor)
	})

	t.Run("quiet hours across midnight", func(t *testing.T) {
		f := newEngineFixture(t)
		start, end := "22:00", "07:00"
		f.setPref(models.NotificationCommentMention, func(p *models.NotificationPreference) {
			p.PushEnabled = true
			p.QuietHoursStart, p.QuietHoursEnd = &start, &end
			p.Timezone = "Australia/Sydney"
		})
		f.addDevice()
		// 12:00 UTC is 22:00 in Sydney during May (AEST, UTC+10)
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationCommentMention})
		require.NoError(t, err)
		assert.Empty(t, f.queue.pushes)
		assert.Len(t, f.queue.emails, 1, "quiet hours only hold back push")
	})

	t.Run("outside quiet hours", func(t *testing.T) {
		f := newEngineFixture(t)
		start, end := "22:00", "07:00"
		f.setPref(models.NotificationCommentMention, func(p *models.NotificationPreference) {
			p.PushEnabled = true
			p.QuietHoursStart, p.QuietHoursEnd = &start, &end
		})
		f.addDevice()
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationCommentMention})
		require.NoError(t, err)
		assert.Len(t, f.queue.pushes, 1)
	})

	t.Run("no devices", func(t *testing.T) {
		f := newEngineFixture(t)
		f.setPref(models.NotificationCommentMention, pushOn)
		_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationCommentMention})
		require.NoError(t, err)
		assert.Empty(t, f.queue.pushes)
	})
}

func TestCreateNotification_Errors(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: "bogus"})
	assert.Error(t, err)

	f.store.createErr = errors.New("insert failed")
	_, err = f.engine.CreateNotification(ctx, Request{UserID: f.user.ID, Type: models.NotificationTaskComment})
	assert.Error(t, err)
	assert.Empty(t, f.queue.emails, "nothing is queued without a notification")
}

// ---------------------------------------------------------------------------
// SendTransactional and PurgeExpired
// ---------------------------------------------------------------------------

func TestSendTransactional(t *testing.T) {
	f := newEngineFixture(t)
	f.store.addTemplate(models.NotificationSystem, "organization_invitation", "Join %1$s", "%2$s invited you to %1$s as %3$s. Open %4$s")

	err := f.engine.SendTransactional(context.Background(), Transactional{
		To:           "new@example.com",
		Type:         models.NotificationSystem,
		TemplateName: "organization_invitation",
		TemplateArgs: []string{"Acme", "Ana", "member", "https://app.example.com/invitation/abc"},
		Data:         map[string]any{"invitation_id": "123"},
	})
	require.NoError(t, err)
	require.Len(t, f.queue.emails, 1)

	e := f.queue.emails[0]
	assert.Nil(t, e.NotificationID)
	assert.Nil(t, e.UserID)
	assert.Equal(t, "new@example.com", e.ToEmail)
	assert.Equal(t, "Join Acme", e.Subject)
	assert.Equal(t, "Ana invited you to Acme as member. Open https://app.example.com/invitation/abc", e.Body)
	assert.Equal(t, models.PriorityHigh, e.Priority)
	assert.Contains(t, string(e.TemplateData), `"invitation_id":"123"`)
}

func TestPurgeExpired(t *testing.T) {
	f := newEngineFixture(t)
	n, err := f.engine.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.Equal(t, f.now.AddDate(0, 0, -90), f.store.purgedAt)
}
