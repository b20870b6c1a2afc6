package invitations

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
	"github.com/conpanion/conpanion/internal/events"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeWorld struct {
	mu          sync.Mutex
	invitations map[uuid.UUID]*models.Invitation
	users       map[uuid.UUID]*models.User
	projects    map[uuid.UUID]*models.Project
	names       map[uuid.UUID]string
	memberships map[models.Scope]map[uuid.UUID]*models.Membership
	defaultProj *uuid.UUID
	createErr   error
}

func newWorld() *fakeWorld {
	return &fakeWorld{
		invitations: map[uuid.UUID]*models.Invitation{},
		users:       map[uuid.UUID]*models.User{},
		projects:    map[uuid.UUID]*models.Project{},
		names:       map[uuid.UUID]string{},
		memberships: map[models.Scope]map[uuid.UUID]*models.Membership{},
	}
}

func (w *fakeWorld) addUser(email string, confirmed bool) *models.User {
	u := &models.User{ID: uuid.New(), Email: email, Name: strings.Split(email, "@")[0]}
	if confirmed {
		now := time.Now()
		u.EmailConfirmedAt = &now
	}
	w.users[u.ID] = u
	return u
}

func (w *fakeWorld) addMember(scope models.Scope, userID uuid.UUID, role models.Role) {
	if w.memberships[scope] == nil {
		w.memberships[scope] = map[uuid.UUID]*models.Membership{}
	}
	w.memberships[scope][userID] = &models.Membership{ID: uuid.New(), ScopeID: scope.ID, UserID: userID, Role: role, Status: models.MembershipActive}
}

// InvitationStore

func (w *fakeWorld) Create(_ context.Context, inv *models.Invitation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return w.createErr
	}
	inv.ID = uuid.New()
	inv.Status = models.InvitationPending
	cp := *inv
	w.invitations[inv.ID] = &cp
	return nil
}

func (w *fakeWorld) GetByID(_ context.Context, id uuid.UUID) (*models.Invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inv, ok := w.invitations[id]; ok {
		cp := *inv
		return &cp, nil
	}
	return nil, nil
}

func (w *fakeWorld) GetByToken(_ context.Context, token string) (*models.Invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, inv := range w.invitations {
		if inv.Token == token {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (w *fakeWorld) FindPending(_ context.Context, scope models.Scope, email string) (*models.Invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, inv := range w.invitations {
		if inv.Scope() == scope && inv.Email == email && inv.Status == models.InvitationPending {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (w *fakeWorld) Resend(_ context.Context, id uuid.UUID, token string, now, expiresAt time.Time, limit int, window time.Duration) (*models.Invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inv, ok := w.invitations[id]
	if !ok || inv.Status != models.InvitationPending {
		return nil, nil
	}
	inWindow := inv.LastResendAt != nil && inv.LastResendAt.After(now.Add(-window))
	if inWindow && inv.ResendCount >= limit {
		return nil, nil
	}
	if inWindow {
		inv.ResendCount++
	} else {
		inv.ResendCount = 1
	}
	inv.Token, inv.IssuedAt, inv.ExpiresAt = token, now, expiresAt
	inv.LastResendAt = &now
	cp := *inv
	return &cp, nil
}

func (w *fakeWorld) MarkExpired(_ context.Context, id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inv, ok := w.invitations[id]; ok && inv.Status == models.InvitationPending {
		inv.Status = models.InvitationExpired
	}
	return nil
}

func (w *fakeWorld) Accept(_ context.Context, inv *models.Invitation, userID uuid.UUID, provision bool) (*repositories.AcceptResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := w.invitations[inv.ID]
	if stored.Status != models.InvitationPending || stored.Token != inv.Token {
		return nil, errors.New("invitation changed concurrently")
	}
	stored.Status = models.InvitationAccepted
	res := &repositories.AcceptResult{}
	scope := inv.Scope()
	if m := w.memberships[scope][userID]; m.IsActive() {
		return res, nil
	}
	w.addMember(scope, userID, inv.Role)
	res.Activated = true
	if provision {
		res.DefaultProjectID = w.defaultProj
	}
	return res, nil
}

func (w *fakeWorld) Decline(_ context.Context, id uuid.UUID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inv, ok := w.invitations[id]
	if !ok || inv.Status != models.InvitationPending {
		return false, nil
	}
	inv.Status = models.InvitationDeclined
	return true, nil
}

func (w *fakeWorld) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.invitations[id]
	delete(w.invitations, id)
	return ok, nil
}

func (w *fakeWorld) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, inv := range w.invitations {
		if inv.Status == models.InvitationPending && inv.IsExpired(now) {
			inv.Status = models.InvitationExpired
			n++
		}
	}
	return n, nil
}

func (w *fakeWorld) LinkUser(_ context.Context, userID uuid.UUID, email string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, inv := range w.invitations {
		if inv.Status == models.InvitationPending && inv.UserID == nil && strings.EqualFold(inv.Email, email) {
			id := userID
			inv.UserID = &id
			n++
		}
	}
	return n, nil
}

func (w *fakeWorld) ListPendingForScope(_ context.Context, scope models.Scope, now time.Time) ([]*models.Invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*models.Invitation
	for _, inv := range w.invitations {
		if inv.Scope() == scope && inv.Status == models.InvitationPending && !inv.IsExpired(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (w *fakeWorld) ListPendingForUser(_ context.Context, userID uuid.UUID, email string, now time.Time) ([]*models.Invitation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*models.Invitation
	for _, inv := range w.invitations {
		mine := (inv.UserID != nil && *inv.UserID == userID) || strings.EqualFold(inv.Email, email)
		if mine && inv.Status == models.InvitationPending && !inv.IsExpired(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// Users, Scopes, Members, Authorizer

type userView struct{ w *fakeWorld }

func (v userView) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return v.w.users[id], nil
}

func (v userView) GetByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range v.w.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, nil
}

func (w *fakeWorld) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	return w.projects[id], nil
}

func (w *fakeWorld) ScopeName(_ context.Context, scope models.Scope) (string, error) {
	return w.names[scope.ID], nil
}

type memberView struct{ w *fakeWorld }

func (v memberView) Get(_ context.Context, scope models.Scope, userID uuid.UUID) (*models.Membership, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	return v.w.memberships[scope][userID], nil
}

func (w *fakeWorld) RequireRole(_ context.Context, scope models.Scope, userID uuid.UUID, roles ...models.Role) (*models.Membership, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.memberships[scope][userID]
	if !m.IsActive() {
		return nil, apperr.New(apperr.PermissionDenied, "not a member")
	}
	for _, r := range roles {
		if m.Role == r {
			return m, nil
		}
	}
	return nil, apperr.New(apperr.PermissionDenied, "insufficient role")
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name())
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc     *Service
	world   *fakeWorld
	events  *recorder
	clock   *time.Time
	org     models.Scope
	project models.Scope
	owner   *models.User
	admin   *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := newWorld()
	rec := &recorder{}
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	orgID, projectID := uuid.New(), uuid.New()
	w.names[orgID] = "Acme Builders"
	w.names[projectID] = "Harbour Tower"
	w.projects[projectID] = &models.Project{ID: projectID, OrganizationID: orgID, Name: "Harbour Tower"}

	owner := w.addUser("owner@acme.test", true)
	admin := w.addUser("admin@acme.test", true)
	org := models.OrganizationScope(orgID)
	w.addMember(org, owner.ID, models.RoleOwner)
	w.addMember(org, admin.ID, models.RoleAdmin)
	project := models.ProjectScope(projectID)
	w.addMember(project, owner.ID, models.RoleOwner)

	cfg := config.InvitationsConfig{TTL: 7 * 24 * time.Hour, ResendLimit: 3, ResendWindow: 24 * time.Hour, ProvisionDefaultProject: true}
	svc := NewService(w, userView{w}, w, memberView{w}, w, rec, cfg)
	f := &fixture{svc: svc, world: w, events: rec, clock: &clock, org: org, project: project, owner: owner, admin: admin}
	svc.now = func() time.Time { return *f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) stored(t *testing.T, id uuid.UUID) *models.Invitation {
	t.Helper()
	inv, _ := f.world.GetByID(context.Background(), id)
	require.NotNil(t, inv)
	return inv
}

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

// ---------------------------------------------------------------------------
// Invite
// ---------------------------------------------------------------------------

func TestInvite_CreatesPendingInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.org, "  New.Hire@Example.com ", models.RoleMember, f.admin.ID)
	require.NoError(t, err)
	assert.False(t, res.Resent)

	inv := res.Invitation
	assert.Equal(t, "new.hire@example.com", inv.Email)
	assert.Equal(t, models.InvitationPending, inv.Status)
	assert.Equal(t, f.org.ID, inv.OrganizationID)
	assert.Nil(t, inv.UserID, "no account exists yet")
	assert.Len(t, inv.Token, 32)
	assert.Equal(t, f.clock.Add(7*24*time.Hour), inv.ExpiresAt)
	assert.Equal(t, []string{events.NameInvitationIssued}, f.events.names())
}

func TestInvite_BindsExistingAccount(t *testing.T) {
	f := newFixture(t)
	existing := f.world.addUser("sam@example.com", true)

	res, err := f.svc.Invite(context.Background(), f.org, "sam@example.com", models.RoleGuest, f.owner.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Invitation.UserID)
	assert.Equal(t, existing.ID, *res.Invitation.UserID)
}

func TestInvite_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Invite(ctx, f.org, "not-an-email", models.RoleMember, f.owner.ID)
	requireKind(t, err, apperr.InvalidInput)

	_, err = f.svc.Invite(ctx, f.org, "a@example.com", models.Role("superuser"), f.owner.ID)
	requireKind(t, err, apperr.InvalidRole)

	_, err = f.svc.Invite(ctx, f.org, "a@example.com", models.RoleOwner, f.admin.ID)
	requireKind(t, err, apperr.PermissionDenied)

	outsider := f.world.addUser("outsider@example.com", true)
	_, err = f.svc.Invite(ctx, f.org, "a@example.com", models.RoleMember, outsider.ID)
	requireKind(t, err, apperr.PermissionDenied)

	assert.Empty(t, f.world.invitations)
}

func TestInvite_AlreadyMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Invite(context.Background(), f.org, f.admin.Email, models.RoleMember, f.owner.ID)
	requireKind(t, err, apperr.AlreadyMember)
}

func TestInvite_ProjectRequiresOrganizationMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Invite(ctx, f.project, "nobody@example.com", models.RoleMember, f.owner.ID)
	requireKind(t, err, apperr.NotOrganizationMember)

	stranger := f.world.addUser("stranger@example.com", true)
	_, err = f.svc.Invite(ctx, f.project, stranger.Email, models.RoleMember, f.owner.ID)
	requireKind(t, err, apperr.NotOrganizationMember)

	res, err := f.svc.Invite(ctx, f.project, f.admin.Email, models.RoleMember, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScopeProject, res.Invitation.ScopeType)
	assert.Equal(t, f.org.ID, res.Invitation.OrganizationID)
	assert.Equal(t, f.project, res.Invitation.Scope())
}

func TestInvite_PendingIsResent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Invite(ctx, f.org, "crew@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)
	oldToken := first.Invitation.Token

	f.advance(time.Hour)
	second, err := f.svc.Invite(ctx, f.org, "crew@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)
	assert.True(t, second.Resent)
	assert.Equal(t, apperr.PendingInvitation, second.Notice)
	assert.Equal(t, first.Invitation.ID, second.Invitation.ID)
	assert.NotEqual(t, oldToken, second.Invitation.Token, "resend rotates the token")
	assert.Equal(t, 1, second.Invitation.ResendCount)
	assert.Len(t, f.world.invitations, 1)
}

func TestInvite_ExpiredPendingIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Invite(ctx, f.org, "late@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)

	f.advance(8 * 24 * time.Hour)
	second, err := f.svc.Invite(ctx, f.org, "late@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)
	assert.False(t, second.Resent)
	assert.NotEqual(t, first.Invitation.ID, second.Invitation.ID)
	assert.Equal(t, models.InvitationExpired, f.stored(t, first.Invitation.ID).Status)
}

// ---------------------------------------------------------------------------
// Resend
// ---------------------------------------------------------------------------

func TestResend_RateLimitedWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.org, "busy@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)
	id := res.Invitation.ID

	for i := 1; i <= 3; i++ {
		f.advance(time.Hour)
		r, err := f.svc.Resend(ctx, id, f.owner.ID)
		require.NoError(t, err, "resend %d", i)
		assert.Equal(t, i, r.Invitation.ResendCount)
	}

	f.advance(time.Hour)
	_, err = f.svc.Resend(ctx, id, f.owner.ID)
	requireKind(t, err, apperr.RateLimitExceeded)

	f.advance(24 * time.Hour)
	r, err := f.svc.Resend(ctx, id, f.owner.ID)
	require.NoError(t, err, "window has passed")
	assert.Equal(t, 1, r.Invitation.ResendCount)
}

func TestResend_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Resend(ctx, uuid.New(), f.owner.ID)
	requireKind(t, err, apperr.NotFound)

	res, err := f.svc.Invite(ctx, f.org, "x@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)

	member := f.world.addUser("member@acme.test", true)
	f.world.addMember(f.org, member.ID, models.RoleMember)
	_, err = f.svc.Resend(ctx, res.Invitation.ID, member.ID)
	requireKind(t, err, apperr.PermissionDenied)

	_, err = f.world.Decline(ctx, res.Invitation.ID)
	require.NoError(t, err)
	_, err = f.svc.Resend(ctx, res.Invitation.ID, f.owner.ID)
	requireKind(t, err, apperr.InvalidInvitation)
}

// ---------------------------------------------------------------------------
// Accept
// ---------------------------------------------------------------------------

func TestAccept_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defaultProject := uuid.New()
	f.world.defaultProj = &defaultProject

	res, err := f.svc.Invite(ctx, f.org, "joiner@example.com", models.RoleMember, f.admin.ID)
	require.NoError(t, err)
	token := res.Invitation.Token

	joiner := f.world.addUser("joiner@example.com", true)
	n, err := f.svc.LinkPendingForUser(ctx, joiner.ID, "Joiner@Example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	mine, err := f.svc.ListMine(ctx, joiner)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	accepted, err := f.svc.Accept(ctx, token, joiner)
	require.NoError(t, err)
	assert.Equal(t, f.org, accepted.Scope)
	assert.Equal(t, models.RoleMember, accepted.Role)
	require.NotNil(t, accepted.DefaultProjectID)
	assert.Equal(t, defaultProject, *accepted.DefaultProjectID)

	m, _ := memberView{f.world}.Get(ctx, f.org, joiner.ID)
	assert.True(t, m.IsActive())
	assert.Equal(t, models.InvitationAccepted, f.stored(t, res.Invitation.ID).Status)

	assert.Equal(t, []string{
		events.NameInvitationIssued,
		events.NameOrganizationMemberAdded,
		events.NameProjectMemberAdded,
	}, f.events.names())
	added := f.events.events[1].(events.OrganizationMemberAdded)
	assert.Equal(t, f.admin.ID, added.ActorID, "the inviter is credited")

	_, err = f.svc.Accept(ctx, token, joiner)
	requireKind(t, err, apperr.AlreadyMember)
}

func TestAccept_GuestGetsNoDefaultProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defaultProject := uuid.New()
	f.world.defaultProj = &defaultProject

	res, err := f.svc.Invite(ctx, f.org, "visitor@example.com", models.RoleGuest, f.owner.ID)
	require.NoError(t, err)
	visitor := f.world.addUser("visitor@example.com", true)

	accepted, err := f.svc.Accept(ctx, res.Invitation.Token, visitor)
	require.NoError(t, err)
	assert.Nil(t, accepted.DefaultProjectID)
}

func TestAccept_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invite := func(email string) *models.Invitation {
		res, err := f.svc.Invite(ctx, f.org, email, models.RoleMember, f.owner.ID)
		require.NoError(t, err)
		return res.Invitation
	}

	t.Run("malformed token", func(t *testing.T) {
		_, err := f.svc.Accept(ctx, "short", f.admin)
		requireKind(t, err, apperr.InvalidInput)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := f.svc.Accept(ctx, strings.Repeat("a", 32), f.admin)
		requireKind(t, err, apperr.InvalidInvitation)
	})

	t.Run("wrong email", func(t *testing.T) {
		inv := invite("right@example.com")
		other := f.world.addUser("other@example.com", true)
		_, err := f.svc.Accept(ctx, inv.Token, other)
		requireKind(t, err, apperr.WrongEmail)
	})

	t.Run("wrong user", func(t *testing.T) {
		bound := f.world.addUser("bound@example.com", true)
		inv := invite("bound@example.com")
		require.Equal(t, bound.ID, *inv.UserID)

		impostor := &models.User{ID: uuid.New(), Email: "bound@example.com"}
		_, err := f.svc.Accept(ctx, inv.Token, impostor)
		requireKind(t, err, apperr.WrongUser)
	})

	t.Run("unconfirmed email", func(t *testing.T) {
		inv := invite("fresh@example.com")
		fresh := &models.User{ID: uuid.New(), Email: "fresh@example.com"}
		_, err := f.svc.Accept(ctx, inv.Token, fresh)
		requireKind(t, err, apperr.PermissionDenied)
	})

	t.Run("expired", func(t *testing.T) {
		inv := invite("slow@example.com")
		slow := f.world.addUser("slow@example.com", true)
		f.advance(7 * 24 * time.Hour)
		_, err := f.svc.Accept(ctx, inv.Token, slow)
		requireKind(t, err, apperr.Expired)
	})

	t.Run("declined", func(t *testing.T) {
		inv := invite("nope@example.com")
		nope := f.world.addUser("nope@example.com", true)
		require.NoError(t, f.svc.Decline(ctx, inv.Token, nope))
		_, err := f.svc.Accept(ctx, inv.Token, nope)
		requireKind(t, err, apperr.InvalidInvitation)
	})
}

func TestAccept_ProjectInvitationPublishesProjectMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.project, f.admin.Email, models.RoleAdmin, f.owner.ID)
	require.NoError(t, err)

	accepted, err := f.svc.Accept(ctx, res.Invitation.Token, f.admin)
	require.NoError(t, err)
	assert.Equal(t, f.project, accepted.Scope)
	assert.Nil(t, accepted.DefaultProjectID)

	names := f.events.names()
	assert.Equal(t, events.NameProjectMemberAdded, names[len(names)-1])
}

func TestAccept_UnconfirmedAccountCannotClaimInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	squatter := f.world.addUser("site.lead@example.com", false)

	res, err := f.svc.Invite(ctx, f.org, "site.lead@example.com", models.RoleAdmin, f.owner.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Invitation.UserID, "unconfirmed accounts are not bound at invite time")

	_, err = f.svc.Accept(ctx, res.Invitation.Token, squatter)
	requireKind(t, err, apperr.PermissionDenied)

	m, _ := memberView{f.world}.Get(ctx, f.org, squatter.ID)
	assert.False(t, m.IsActive())
	assert.Equal(t, models.InvitationPending, f.stored(t, res.Invitation.ID).Status)
}

func TestAccept_ProjectInvitationAfterOrganizationRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.project, f.admin.Email, models.RoleAdmin, f.owner.ID)
	require.NoError(t, err)

	f.world.memberships[f.org][f.admin.ID].Status = models.MembershipDeactivated

	_, err = f.svc.Accept(ctx, res.Invitation.Token, f.admin)
	requireKind(t, err, apperr.NotOrganizationMember)

	m, _ := memberView{f.world}.Get(ctx, f.project, f.admin.ID)
	assert.False(t, m.IsActive())
	assert.Equal(t, models.InvitationPending, f.stored(t, res.Invitation.ID).Status)
}

// ---------------------------------------------------------------------------
// Decline, Cancel, cleanup, listings
// ---------------------------------------------------------------------------

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.org, "maybe@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)

	other := f.world.addUser("other@example.com", true)
	requireKind(t, f.svc.Decline(ctx, res.Invitation.Token, other), apperr.WrongEmail)

	require.NoError(t, f.svc.Decline(ctx, res.Invitation.Token, nil), "anonymous decline from the landing page")
	assert.Equal(t, models.InvitationDeclined, f.stored(t, res.Invitation.ID).Status)

	requireKind(t, f.svc.Decline(ctx, res.Invitation.Token, nil), apperr.InvalidInvitation)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.org, "gone@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)

	requireKind(t, f.svc.Cancel(ctx, uuid.New(), f.owner.ID), apperr.NotFound)
	require.NoError(t, f.svc.Cancel(ctx, res.Invitation.ID, f.admin.ID))
	assert.Empty(t, f.world.invitations)
}

func TestCleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Invite(ctx, f.org, "a@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)
	f.advance(3 * 24 * time.Hour)
	_, err = f.svc.Invite(ctx, f.org, "b@example.com", models.RoleMember, f.owner.ID)
	require.NoError(t, err)

	f.advance(5 * 24 * time.Hour)
	n, err := f.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	pending, err := f.svc.ListPending(ctx, f.org, f.admin.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b@example.com", pending[0].Email)
}

func TestListPending_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	member := f.world.addUser("m@acme.test", true)
	f.world.addMember(f.org, member.ID, models.RoleMember)

	_, err := f.svc.ListPending(context.Background(), f.org, member.ID)
	requireKind(t, err, apperr.PermissionDenied)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Invite(ctx, f.project, f.admin.Email, models.RoleMember, f.owner.ID)
	require.NoError(t, err)

	p, err := f.svc.Preview(ctx, res.Invitation.Token)
	require.NoError(t, err)
	assert.Equal(t, "Harbour Tower", p.ScopeName)
	assert.Equal(t, "Acme Builders", p.OrganizationName)
	assert.Equal(t, "owner", p.InviterName)
	assert.False(t, p.Expired)

	f.advance(8 * 24 * time.Hour)
	p, err = f.svc.Preview(ctx, res.Invitation.Token)
	require.NoError(t, err)
	assert.True(t, p.Expired)
}
