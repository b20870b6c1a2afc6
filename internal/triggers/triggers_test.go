package triggers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/notifications"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeNotifier struct {
	mu            sync.Mutex
	requests      []notifications.Request
	transactional []notifications.Transactional
	failFor       uuid.UUID
}

func (f *fakeNotifier) CreateNotification(_ context.Context, req notifications.Request) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.UserID == f.failFor {
		return uuid.Nil, errors.New("insert failed")
	}
	if req.ActorID != nil && *req.ActorID == req.UserID && req.Type != models.NotificationSystem &&
		req.TemplateName != notifications.RequesterConfirmationTemplate {
		return uuid.Nil, notifications.ErrSuppressed
	}
	f.requests = append(f.requests, req)
	return uuid.New(), nil
}

func (f *fakeNotifier) SendTransactional(_ context.Context, t notifications.Transactional) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactional = append(f.transactional, t)
	return nil
}

func (f *fakeNotifier) recipients(t models.NotificationType) []uuid.UUID {
	var out []uuid.UUID
	for _, r := range f.requests {
		if r.Type == t {
			out = append(out, r.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

type fakeDirectory struct {
	users map[uuid.UUID]*models.User
}

func (f *fakeDirectory) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return f.users[id], nil
}

func (f *fakeDirectory) GetByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) GetNames(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := map[uuid.UUID]string{}
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u.Name
		}
	}
	return out, nil
}

type fakeWork struct {
	tasks     map[uuid.UUID]*models.Task
	forms     map[uuid.UUID]*models.Form
	diaries   map[uuid.UUID]*models.SiteDiary
	assignees map[uuid.UUID][]uuid.UUID
	approvals map[uuid.UUID]*models.Approval
	names     map[uuid.UUID]string
}

func (f *fakeWork) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) { return f.tasks[id], nil }
func (f *fakeWork) GetForm(_ context.Context, id uuid.UUID) (*models.Form, error) { return f.forms[id], nil }
func (f *fakeWork) GetSiteDiary(_ context.Context, id uuid.UUID) (*models.SiteDiary, error) {
	return f.diaries[id], nil
}
func (f *fakeWork) ListAssignees(_ context.Context, ref models.EntityRef) ([]uuid.UUID, error) {
	return f.assignees[ref.EntityID()], nil
}
func (f *fakeWork) Get(_ context.Context, id uuid.UUID) (*models.Approval, error) {
	return f.approvals[id], nil
}
func (f *fakeWork) ScopeName(_ context.Context, scope models.Scope) (string, error) {
	return f.names[scope.ID], nil
}

type fixture struct {
	bus      *events.Bus
	notifier *fakeNotifier
	dir      *fakeDirectory
	work     *fakeWork
	project  uuid.UUID
	alice    uuid.UUID
	bob      uuid.UUID
	carol    uuid.UUID
	dave     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:      events.NewBus(events.WithSync()),
		notifier: &fakeNotifier{},
		dir:      &fakeDirectory{users: map[uuid.UUID]*models.User{}},
		work: &fakeWork{
			tasks:     map[uuid.UUID]*models.Task{},
			forms:     map[uuid.UUID]*models.Form{},
			diaries:   map[uuid.UUID]*models.SiteDiary{},
			assignees: map[uuid.UUID][]uuid.UUID{},
			approvals: map[uuid.UUID]*models.Approval{},
			names:     map[uuid.UUID]string{},
		},
		project: uuid.New(),
	}
	f.work.names[f.project] = "Harbour Tower"
	for _, p := range []struct {
		id   *uuid.UUID
		name string
	}{{&f.alice, "Alice"}, {&f.bob, "Bob"}, {&f.carol, "Carol"}, {&f.dave, "Dave"}} {
		*p.id = uuid.New()
		confirmed := time.Now()
		f.dir.users[*p.id] = &models.User{ID: *p.id, Name: p.name, Email: p.name + "@example.com", EmailConfirmedAt: &confirmed}
	}

	Register(f.bus, Deps{
		Notifier:  f.notifier,
		Users:     f.dir,
		WorkItems: f.work,
		Approvals: f.work,
		Scopes:    f.work,
		InvitationURL: func(scopeType, token string) string {
			return "https://app.example.com/" + scopeType + "/" + token
		},
	})
	return f
}

func (f *fixture) addTask(title string, creator uuid.UUID, assignees ...uuid.UUID) *models.Task {
	task := &models.Task{ID: uuid.New(), ProjectID: f.project, Title: title, Status: "open", Priority: "medium", CreatedBy: creator}
	f.work.tasks[task.ID] = task
	f.work.assignees[task.ID] = assignees
	return task
}

func (f *fixture) addApproval(requester uuid.UUID, approvers ...uuid.UUID) *models.Approval {
	a := &models.Approval{ID: uuid.New(), ProjectID: f.project, Title: "Concrete mix design", RequesterID: requester, Status: models.ApprovalStatusPending, Approvers: approvers}
	f.work.approvals[a.ID] = a
	return a
}

func sorted(ids ...uuid.UUID) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func TestTaskAssigned(t *testing.T) {
	f := newFixture(t)
	task := f.addTask("Pour slab", f.alice)
	ctx := context.Background()

	f.bus.Publish(ctx, events.TaskAssigned{TaskID: task.ID, ProjectID: f.project, AssigneeID: f.bob, ActorID: f.alice})
	f.bus.Publish(ctx, events.TaskAssigned{TaskID: task.ID, ProjectID: f.project, AssigneeID: f.alice, ActorID: f.alice})

	require.Len(t, f.notifier.requests, 1, "self-assignment is dropped")
	req := f.notifier.requests[0]
	assert.Equal(t, f.bob, req.UserID)
	assert.Equal(t, models.NotificationTaskAssigned, req.Type)
	assert.Equal(t, models.PriorityHigh, req.Priority)
	assert.Equal(t, []string{"Alice", "Pour slab", "Harbour Tower"}, req.TemplateArgs)
	assert.Equal(t, models.TaskRef{ID: task.ID}, req.Entity)
}

func TestTaskUnassigned(t *testing.T) {
	f := newFixture(t)
	task := f.addTask("Pour slab", f.alice)

	f.bus.Publish(context.Background(), events.TaskUnassigned{TaskID: task.ID, ProjectID: f.project, AssigneeID: f.bob, ActorID: f.alice})

	require.Len(t, f.notifier.requests, 1)
	assert.Equal(t, models.NotificationTaskUnassigned, f.notifier.requests[0].Type)
	assert.Equal(t, models.PriorityMedium, f.notifier.requests[0].Priority)
}

func TestTaskUpdated(t *testing.T) {
	f := newFixture(t)
	task := f.addTask("Pour slab", f.alice, f.alice, f.bob, f.carol)
	ctx := context.Background()

	before := *task
	after := *task
	after.UpdatedAt = time.Now()
	after.UpdatedBy = &f.alice
	f.bus.Publish(ctx, events.TaskUpdated{Before: before, After: after, ActorID: f.alice})
	assert.Empty(t, f.notifier.requests, "audit columns alone are not a change")

	after.Status = "done"
	f.bus.Publish(ctx, events.TaskUpdated{Before: before, After: after, ActorID: f.alice})
	assert.Equal(t, sorted(f.bob, f.carol), f.notifier.recipients(models.NotificationTaskUpdated), "the updater is excluded")
	assert.Equal(t, `status "open" → "done"`, f.notifier.requests[0].TemplateArgs[2])
}

func TestDiffTask(t *testing.T) {
	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	before := models.Task{Title: "A", Description: "x", Status: "open", Priority: "low"}
	after := models.Task{Title: "B", Description: "y", Status: "open", Priority: "high", DueDate: &due, UpdatedAt: time.Now()}

	changes := DiffTask(before, after)
	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	assert.Equal(t, []string{"title", "description", "priority", "due_date"}, fields)
	assert.Equal(t, `title "A" → "B", description updated, priority "low" → "high", due date none → 2026-06-01`, FormatChanges(changes))

	assert.Empty(t, DiffTask(before, before))
}

func TestCommentAdded_OnTask(t *testing.T) {
	f := newFixture(t)
	// Alice created the task; Bob and Carol are assigned.
	task := f.addTask("Pour slab", f.alice, f.bob, f.carol)

	f.bus.Publish(context.Background(), events.CommentAdded{
		Comment:   models.Comment{ID: uuid.New(), EntityType: models.EntityTask, EntityID: task.ID, UserID: f.bob, Content: "Formwork ready, @Carol @Dave"},
		ProjectID: f.project,
		Mentions:  []uuid.UUID{f.carol, f.dave, f.bob},
	})

	assert.Equal(t, sorted(f.carol, f.dave), f.notifier.recipients(models.NotificationCommentMention), "the commenter never hears about their own mention")
	assert.Equal(t, []uuid.UUID{f.alice}, f.notifier.recipients(models.NotificationTaskComment), "mentioned users and the commenter are excluded")
	for _, r := range f.notifier.requests {
		assert.Equal(t, "Pour slab", r.TemplateArgs[1])
	}
}

func TestCommentAdded_OnFormOnlyMentions(t *testing.T) {
	f := newFixture(t)
	form := &models.Form{ID: uuid.New(), ProjectID: f.project, Name: "Daily safety check"}
	f.work.forms[form.ID] = form

	f.bus.Publish(context.Background(), events.CommentAdded{
		Comment:  models.Comment{ID: uuid.New(), EntityType: models.EntityForm, EntityID: form.ID, UserID: f.alice, Content: "see this"},
		Mentions: []uuid.UUID{f.bob},
	})

	require.Len(t, f.notifier.requests, 1)
	assert.Equal(t, models.NotificationCommentMention, f.notifier.requests[0].Type)
	assert.Equal(t, models.FormRef{ID: form.ID}, f.notifier.requests[0].Entity)
}

func TestFormAndEntityAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	form := &models.Form{ID: uuid.New(), ProjectID: f.project, Name: "Daily safety check"}
	f.work.forms[form.ID] = form
	diary := models.SiteDiaryRef{ID: uuid.New()}

	f.bus.Publish(ctx, events.FormAssigned{FormID: form.ID, ProjectID: f.project, AssigneeID: f.bob, ActorID: f.alice})
	f.bus.Publish(ctx, events.FormUnassigned{FormID: form.ID, ProjectID: f.project, AssigneeID: f.bob, ActorID: f.alice})
	f.bus.Publish(ctx, events.EntityAssigned{Entity: diary, EntityName: "Level 3 pour", ProjectID: f.project, AssigneeID: f.carol, ActorID: f.alice})
	f.bus.Publish(ctx, events.EntityAssigned{Entity: diary, EntityName: "Level 3 pour", ProjectID: f.project, AssigneeID: f.alice, ActorID: f.alice})

	require.Len(t, f.notifier.requests, 3)
	assert.Equal(t, models.NotificationFormAssigned, f.notifier.requests[0].Type)
	assert.Equal(t, models.NotificationFormUnassigned, f.notifier.requests[1].Type)
	entity := f.notifier.requests[2]
	assert.Equal(t, models.NotificationEntityAssigned, entity.Type)
	assert.Equal(t, []string{"Alice", "site diary", "Level 3 pour", "Harbour Tower"}, entity.TemplateArgs)
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

func TestApprovalRequested(t *testing.T) {
	f := newFixture(t)
	a := f.addApproval(f.alice, f.bob, f.carol, f.alice)

	f.bus.Publish(context.Background(), events.ApprovalRequested{ApprovalID: a.ID})

	var toApprovers []uuid.UUID
	var confirmations []notifications.Request
	for _, r := range f.notifier.requests {
		if r.TemplateName == notifications.RequesterConfirmationTemplate {
			confirmations = append(confirmations, r)
		} else {
			toApprovers = append(toApprovers, r.UserID)
		}
	}
	assert.Equal(t, sorted(f.bob, f.carol), sorted(toApprovers...))
	require.Len(t, confirmations, 1, "the requester gets exactly one notification")
	assert.Equal(t, f.alice, confirmations[0].UserID)
	assert.Equal(t, []string{"Concrete mix design", "3"}, confirmations[0].TemplateArgs)
}

func TestApprovalResponded(t *testing.T) {
	f := newFixture(t)
	a := f.addApproval(f.alice, f.bob, f.carol)

	f.bus.Publish(context.Background(), events.ApprovalResponded{ApprovalID: a.ID, ResponderID: f.bob, Status: models.ApprovalStatusApproved})

	require.Len(t, f.notifier.requests, 1)
	r := f.notifier.requests[0]
	assert.Equal(t, f.alice, r.UserID)
	assert.Equal(t, "response_received", r.TemplateName)
	assert.Equal(t, []string{"Bob", "approved", "Concrete mix design"}, r.TemplateArgs)
}

func TestApprovalStatusChanged(t *testing.T) {
	f := newFixture(t)
	a := f.addApproval(f.alice, f.bob, f.carol)
	ctx := context.Background()

	f.bus.Publish(ctx, events.ApprovalStatusChanged{ApprovalID: a.ID, Previous: models.ApprovalStatusPending, Current: models.ApprovalStatusPending, ActorID: f.bob})
	assert.Empty(t, f.notifier.requests)

	f.bus.Publish(ctx, events.ApprovalStatusChanged{ApprovalID: a.ID, Previous: models.ApprovalStatusPending, Current: models.ApprovalStatusRevisionRequested, ActorID: f.bob})
	assert.Equal(t, sorted(f.alice, f.carol), f.notifier.recipients(models.NotificationApprovalStatusChanged))
	assert.Equal(t, "revision requested", f.notifier.requests[0].TemplateArgs[1])
}

func TestApprovalCommented(t *testing.T) {
	f := newFixture(t)
	a := f.addApproval(f.alice, f.bob, f.carol)

	f.bus.Publish(context.Background(), events.ApprovalCommented{ApprovalID: a.ID, CommenterID: f.carol, Content: "Needs a slump test"})

	assert.Equal(t, sorted(f.alice, f.bob), f.notifier.recipients(models.NotificationApprovalStatusChanged))
	assert.Equal(t, "comment_added", f.notifier.requests[0].TemplateName)
}

// ---------------------------------------------------------------------------
// Membership and invitations
// ---------------------------------------------------------------------------

func TestMemberAdded(t *testing.T) {
	f := newFixture(t)
	org := uuid.New()
	f.work.names[org] = "Acme Builders"
	ctx := context.Background()

	f.bus.Publish(ctx, events.OrganizationMemberAdded{OrganizationID: org, UserID: f.bob, Role: models.RoleAdmin, ActorID: f.alice})
	f.bus.Publish(ctx, events.OrganizationMemberAdded{OrganizationID: org, UserID: f.alice, Role: models.RoleOwner, ActorID: f.alice})
	f.bus.Publish(ctx, events.ProjectMemberAdded{ProjectID: f.project, UserID: f.carol, Role: models.RoleMember, ActorID: f.alice})

	require.Len(t, f.notifier.requests, 2, "founders are not told they joined their own organization")
	assert.Equal(t, models.NotificationOrganizationAdded, f.notifier.requests[0].Type)
	assert.Equal(t, []string{"Alice", "Acme Builders", "admin"}, f.notifier.requests[0].TemplateArgs)
	assert.Equal(t, models.NotificationProjectAdded, f.notifier.requests[1].Type)
	assert.Equal(t, models.ProjectRef{ID: f.project}, f.notifier.requests[1].Entity)
}

func TestInvitationIssued(t *testing.T) {
	f := newFixture(t)
	org := uuid.New()
	f.work.names[org] = "Acme Builders"
	ctx := context.Background()

	t.Run("existing account gets a system notification", func(t *testing.T) {
		inv := models.Invitation{ID: uuid.New(), ScopeType: models.ScopeOrganization, OrganizationID: org,
			Email: "Bob@example.com", Role: models.RoleMember, Token: "tok1", InvitedBy: f.alice}
		f.bus.Publish(ctx, events.InvitationIssued{Invitation: inv})

		require.Len(t, f.notifier.requests, 1)
		r := f.notifier.requests[0]
		assert.Equal(t, f.bob, r.UserID)
		assert.Equal(t, models.NotificationSystem, r.Type)
		assert.Equal(t, "organization_invitation", r.TemplateName)
		assert.Equal(t, []string{"Acme Builders", "Alice", "member", "https://app.example.com/organization/tok1"}, r.TemplateArgs)
	})

	t.Run("unknown address gets a transactional email", func(t *testing.T) {
		inv := models.Invitation{ID: uuid.New(), ScopeType: models.ScopeProject, OrganizationID: org, ProjectID: &f.project,
			Email: "new@example.com", Role: models.RoleMember, Token: "tok2", InvitedBy: f.alice}
		f.bus.Publish(ctx, events.InvitationIssued{Invitation: inv, Resent: true})

		require.Len(t, f.notifier.transactional, 1)
		mail := f.notifier.transactional[0]
		assert.Equal(t, "new@example.com", mail.To)
		assert.Equal(t, "project_invitation", mail.TemplateName)
		assert.Equal(t, "Harbour Tower", mail.TemplateArgs[0])
	})

	t.Run("unconfirmed account is mailed, not notified in-app", func(t *testing.T) {
		squatter := uuid.New()
		f.dir.users[squatter] = &models.User{ID: squatter, Name: "Eve", Email: "owner@site.test"}
		before := len(f.notifier.requests)

		inv := models.Invitation{ID: uuid.New(), ScopeType: models.ScopeOrganization, OrganizationID: org,
			Email: "owner@site.test", Role: models.RoleAdmin, Token: "tok3", InvitedBy: f.alice}
		f.bus.Publish(ctx, events.InvitationIssued{Invitation: inv})

		assert.Len(t, f.notifier.requests, before)
		require.Len(t, f.notifier.transactional, 2)
		assert.Equal(t, "owner@site.test", f.notifier.transactional[1].To)
	})
}

func TestHandlerErrorsAreReported(t *testing.T) {
	f := newFixture(t)
	task := f.addTask("Pour slab", f.alice, f.bob, f.carol)
	f.notifier.failFor = f.bob

	h := &handlers{Deps: Deps{Notifier: f.notifier, Users: f.dir, WorkItems: f.work, Approvals: f.work, Scopes: f.work}}
	after := *task
	after.Title = "Pour slab L2"
	err := h.taskUpdated(context.Background(), events.TaskUpdated{Before: *task, After: after, ActorID: f.alice})
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{f.carol}, f.notifier.recipients(models.NotificationTaskUpdated), "one failure does not stop the others")
}
