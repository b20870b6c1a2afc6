// Package invitations implements the organization and project invitation lifecycle:
// issue, resend (rate limited), accept, decline, cancel, expiry and linking
// invitations to accounts created after they were sent.
package invitations

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/auth"
	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/telemetry"
)

// Store is the invitation persistence the service needs
type Store interface {
	Create(ctx context.Context, inv *models.Invitation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invitation, error)
	GetByToken(ctx context.Context, token string) (*models.Invitation, error)
	FindPending(ctx context.Context, scope models.Scope, email string) (*models.Invitation, error)
	Resend(ctx context.Context, id uuid.UUID, token string, now, expiresAt time.Time, limit int, window time.Duration) (*models.Invitation, error)
	MarkExpired(ctx context.Context, id uuid.UUID) error
	Accept(ctx context.Context, inv *models.Invitation, userID uuid.UUID, provisionDefaultProject bool) (*repositories.AcceptResult, error)
	Decline(ctx context.Context, id uuid.UUID) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	LinkUser(ctx context.Context, userID uuid.UUID, email string) (int64, error)
	ListPendingForScope(ctx context.Context, scope models.Scope, now time.Time) ([]*models.Invitation, error)
	ListPendingForUser(ctx context.Context, userID uuid.UUID, email string, now time.Time) ([]*models.Invitation, error)
}

// Users resolves invitees and inviters
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// Scopes resolves projects and display names
type Scopes interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ScopeName(ctx context.Context, scope models.Scope) (string, error)
}

// Members answers membership questions. *membership.Service satisfies RequireRole;
// Get comes from the membership repository.
type Members interface {
	Get(ctx context.Context, scope models.Scope, userID uuid.UUID) (*models.Membership, error)
}

// Authorizer checks the actor's role in a scope
type Authorizer interface {
	RequireRole(ctx context.Context, scope models.Scope, userID uuid.UUID, roles ...models.Role) (*models.Membership, error)
}

// Service implements the invitation lifecycle
type Service struct {
	store    Store
	users    Users
	scopes   Scopes
	members  Members
	authz    Authorizer
	events   events.Publisher
	cfg      config.InvitationsConfig
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates an invitation service
func NewService(store Store, users Users, scopes Scopes, members Members, authz Authorizer, publisher events.Publisher, cfg config.InvitationsConfig) *Service {
	return &Service{
		store:    store,
		users:    users,
		scopes:   scopes,
		members:  members,
		authz:    authz,
		events:   publisher,
		cfg:      cfg,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InviteResult is the outcome of Invite or Resend
type InviteResult struct {
	Invitation *models.Invitation `json:"invitation"`
	// Resent is true when an existing pending invitation was renewed instead of a new one created.
	Resent bool `json:"resent"`
	// Notice is PendingInvitation when Resent is true.
	Notice apperr.Kind `json:"notice,omitempty"`
}

// AcceptResult is the outcome of Accept
type AcceptResult struct {
	Scope            models.Scope `json:"scope"`
	Role             models.Role  `json:"role"`
	DefaultProjectID *uuid.UUID   `json:"default_project_id,omitempty"`
}

// Invite offers membership of scope to email. An existing pending invitation for the
// same address is resent instead.
func (s *Service) Invite(ctx context.Context, scope models.Scope, email string, role models.Role, actor uuid.UUID) (*InviteResult, error) {
	email = normalizeEmail(email)
	if err := s.validate.Var(email, "required,email,max=320"); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "a valid email address is required")
	}
	if !models.ValidRole(scope.Kind, role) {
		return nil, apperr.New(apperr.InvalidRole, "role "+string(role)+" is not valid for a "+string(scope.Kind))
	}

	actorMembership, err := s.authz.RequireRole(ctx, scope, actor, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if role == models.RoleOwner && actorMembership.Role != models.RoleOwner {
		return nil, apperr.New(apperr.PermissionDenied, "only an owner can invite an owner")
	}

	orgID := scope.ID
	var projectID *uuid.UUID
	if scope.Kind == models.ScopeProject {
		project, err := s.scopes.GetProject(ctx, scope.ID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to invite")
		}
		if project == nil {
			return nil, apperr.New(apperr.NotFound, "project not found")
		}
		orgID, projectID = project.OrganizationID, &project.ID
	}

	target, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to invite")
	}

	if scope.Kind == models.ScopeProject {
		if target == nil {
			return nil, apperr.New(apperr.NotOrganizationMember, "project invitations require an existing member of the organization")
		}
		orgMembership, err := s.members.Get(ctx, models.OrganizationScope(orgID), target.ID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to invite")
		}
		if !orgMembership.IsActive() {
			return nil, apperr.New(apperr.NotOrganizationMember, "the invitee is not a member of the project's organization")
		}
	}

	if target != nil {
		existing, err := s.members.Get(ctx, scope, target.ID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to invite")
		}
		if existing.IsActive() {
			return nil, apperr.New(apperr.AlreadyMember, "the invitee is already a member")
		}
	}

	now := s.now()
	pending, err := s.store.FindPending(ctx, scope, email)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to invite")
	}
	if pending != nil {
		if !pending.IsExpired(now) {
			return s.resend(ctx, pending)
		}
		if err := s.store.MarkExpired(ctx, pending.ID); err != nil {
			return nil, apperr.Wrap(err, "failed to invite")
		}
		telemetry.InvitationsTotal.WithLabelValues(string(scope.Kind), "expired").Inc()
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return nil, apperr.Wrap(err, "failed to invite")
	}
	inv := &models.Invitation{
		ScopeType:      scope.Kind,
		OrganizationID: orgID,
		ProjectID:      projectID,
		Email:          email,
		Role:           role,
		Token:          token,
		InvitedBy:      actor,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}
	// Unconfirmed accounts are linked when they confirm the address.
	if target != nil && target.IsConfirmed() {
		inv.UserID = &target.ID
	}

	err = s.store.Create(ctx, inv)
	if db.IsUniqueViolation(err) {
		return nil, apperr.New(apperr.Conflict, "an invitation for this address was just created")
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to invite")
	}

	telemetry.InvitationsTotal.WithLabelValues(string(scope.Kind), "created").Inc()
	slog.Info("invitation created", "invitation_id", inv.ID, "scope", scope.String(), "role", role)
	s.events.Publish(ctx, events.InvitationIssued{Invitation: *inv})
	return &InviteResult{Invitation: inv}, nil
}

// Resend renews a pending invitation's token and expiry, subject to the resend limit
func (s *Service) Resend(ctx context.Context, invitationID uuid.UUID, actor uuid.UUID) (*InviteResult, error) {
	inv, err := s.store.GetByID(ctx, invitationID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to resend invitation")
	}
	if inv == nil {
		return nil, apperr.New(apperr.NotFound, "invitation not found")
	}
	if _, err := s.authz.RequireRole(ctx, inv.Scope(), actor, models.RoleOwner, models.RoleAdmin); err != nil {
		return nil, err
	}
	if inv.Status != models.InvitationPending {
		return nil, apperr.New(apperr.InvalidInvitation, "only pending invitations can be resent")
	}
	return s.resend(ctx, inv)
}

func (s *Service) resend(ctx context.Context, inv *models.Invitation) (*InviteResult, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, apperr.Wrap(err, "failed to resend invitation")
	}
	now := s.now()
	scopeLabel := string(inv.ScopeType)

	updated, err := s.store.Resend(ctx, inv.ID, token, now, now.Add(s.cfg.TTL), s.cfg.ResendLimit, s.cfg.ResendWindow)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to resend invitation")
	}
	if updated == nil {
		current, err := s.store.GetByID(ctx, inv.ID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to resend invitation")
		}
		if current == nil || current.Status != models.InvitationPending {
			return nil, apperr.New(apperr.InvalidInvitation, "invitation is no longer pending")
		}
		telemetry.InvitationsTotal.WithLabelValues(scopeLabel, "rate_limited").Inc()
		return nil, apperr.New(apperr.RateLimitExceeded, "invitation was resent too many times, try again later")
	}

	telemetry.InvitationsTotal.WithLabelValues(scopeLabel, "resent").Inc()
	slog.Info("invitation resent", "invitation_id", updated.ID, "resend_count", updated.ResendCount)
	s.events.Publish(ctx, events.InvitationIssued{Invitation: *updated, Resent: true})
	return &InviteResult{Invitation: updated, Resent: true, Notice: apperr.PendingInvitation}, nil
}

// Accept turns the invitation into an active membership for the actor
func (s *Service) Accept(ctx context.Context, token string, actor *models.User) (*AcceptResult, error) {
	inv, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	scope := inv.Scope()

	if inv.Status == models.InvitationAccepted {
		m, err := s.members.Get(ctx, scope, actor.ID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to accept invitation")
		}
		if m.IsActive() {
			return nil, apperr.New(apperr.AlreadyMember, "you are already a member")
		}
	}
	if inv.Status != models.InvitationPending {
		return nil, apperr.New(apperr.InvalidInvitation, "invitation is no longer valid")
	}
	if inv.IsExpired(s.now()) {
		return nil, apperr.New(apperr.Expired, "invitation has expired")
	}
	if err := checkIdentity(inv, actor); err != nil {
		return nil, err
	}
	if !actor.IsConfirmed() {
		return nil, apperr.New(apperr.PermissionDenied, "confirm your email address before accepting invitations")
	}
	if scope.Kind == models.ScopeProject {
		orgMembership, err := s.members.Get(ctx, models.OrganizationScope(inv.OrganizationID), actor.ID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to accept invitation")
		}
		if !orgMembership.IsActive() {
			return nil, errNotOrganizationMember()
		}
	}

	provision := s.cfg.ProvisionDefaultProject && scope.Kind == models.ScopeOrganization && inv.Role != models.RoleGuest
	res, err := s.store.Accept(ctx, inv, actor.ID, provision)
	if repositories.IsInvitationChanged(err) {
		return nil, apperr.New(apperr.InvalidInvitation, "invitation is no longer valid")
	}
	if repositories.IsNotOrganizationMember(err) {
		return nil, errNotOrganizationMember()
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to accept invitation")
	}
	if !res.Activated {
		return nil, apperr.New(apperr.AlreadyMember, "you are already a member")
	}

	telemetry.InvitationsTotal.WithLabelValues(string(scope.Kind), "accepted").Inc()
	slog.Info("invitation accepted", "invitation_id", inv.ID, "user_id", actor.ID, "scope", scope.String())

	if scope.Kind == models.ScopeProject {
		s.events.Publish(ctx, events.ProjectMemberAdded{ProjectID: scope.ID, UserID: actor.ID, Role: inv.Role, ActorID: inv.InvitedBy})
	} else {
		s.events.Publish(ctx, events.OrganizationMemberAdded{OrganizationID: scope.ID, UserID: actor.ID, Role: inv.Role, ActorID: inv.InvitedBy})
	}
	if res.DefaultProjectID != nil {
		s.events.Publish(ctx, events.ProjectMemberAdded{ProjectID: *res.DefaultProjectID, UserID: actor.ID, Role: models.RoleMember, ActorID: inv.InvitedBy})
	}
	return &AcceptResult{Scope: scope, Role: inv.Role, DefaultProjectID: res.DefaultProjectID}, nil
}

// Decline refuses a pending invitation. actor is nil for an anonymous decline from
// the landing page before signing up.
func (s *Service) Decline(ctx context.Context, token string, actor *models.User) error {
	inv, err := s.byToken(ctx, token)
	if err != nil {
		return err
	}
	if inv.Status != models.InvitationPending {
		return apperr.New(apperr.InvalidInvitation, "invitation is no longer valid")
	}
	if inv.IsExpired(s.now()) {
		return apperr.New(apperr.Expired, "invitation has expired")
	}
	if actor != nil {
		if err := checkIdentity(inv, actor); err != nil {
			return err
		}
	}

	declined, err := s.store.Decline(ctx, inv.ID)
	if err != nil {
		return apperr.Wrap(err, "failed to decline invitation")
	}
	if !declined {
		return apperr.New(apperr.InvalidInvitation, "invitation is no longer valid")
	}
	telemetry.InvitationsTotal.WithLabelValues(string(inv.ScopeType), "declined").Inc()
	return nil
}

// Cancel withdraws an invitation. Owners and admins of the scope only.
func (s *Service) Cancel(ctx context.Context, invitationID uuid.UUID, actor uuid.UUID) error {
	inv, err := s.store.GetByID(ctx, invitationID)
	if err != nil {
		return apperr.Wrap(err, "failed to cancel invitation")
	}
	if inv == nil {
		return apperr.New(apperr.NotFound, "invitation not found")
	}
	if _, err := s.authz.RequireRole(ctx, inv.Scope(), actor, models.RoleOwner, models.RoleAdmin); err != nil {
		return err
	}

	deleted, err := s.store.Delete(ctx, inv.ID)
	if err != nil {
		return apperr.Wrap(err, "failed to cancel invitation")
	}
	if !deleted {
		return apperr.New(apperr.NotFound, "invitation not found")
	}
	telemetry.InvitationsTotal.WithLabelValues(string(inv.ScopeType), "cancelled").Inc()
	return nil
}

// CleanupExpired flips every pending invitation past its expiry to expired
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.InvitationsTotal.WithLabelValues("all", "expired").Add(float64(n))
		slog.Info("expired invitations", "count", n)
	}
	return n, nil
}

// LinkPendingForUser attaches a newly confirmed account to the pending invitations
// addressed to its email
func (s *Service) LinkPendingForUser(ctx context.Context, userID uuid.UUID, email string) (int64, error) {
	n, err := s.store.LinkUser(ctx, userID, normalizeEmail(email))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("linked pending invitations", "user_id", userID, "count", n)
	}
	return n, nil
}

// ListPending returns a scope's unexpired pending invitations to its owners and admins
func (s *Service) ListPending(ctx context.Context, scope models.Scope, actor uuid.UUID) ([]*models.Invitation, error) {
	if _, err := s.authz.RequireRole(ctx, scope, actor, models.RoleOwner, models.RoleAdmin); err != nil {
		return nil, err
	}
	invs, err := s.store.ListPendingForScope(ctx, scope, s.now())
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list invitations")
	}
	return invs, nil
}

// ListMine returns the unexpired pending invitations addressed to the actor
func (s *Service) ListMine(ctx context.Context, actor *models.User) ([]*models.Invitation, error) {
	invs, err := s.store.ListPendingForUser(ctx, actor.ID, actor.Email, s.now())
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list invitations")
	}
	return invs, nil
}

// Preview describes an invitation for the public landing page
func (s *Service) Preview(ctx context.Context, token string) (*models.InvitationPreview, error) {
	inv, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}

	scopeName, err := s.scopes.ScopeName(ctx, inv.Scope())
	if err != nil {
		return nil, apperr.Wrap(err, "failed to load invitation")
	}
	orgName := scopeName
	if inv.ScopeType == models.ScopeProject {
		if orgName, err = s.scopes.ScopeName(ctx, models.OrganizationScope(inv.OrganizationID)); err != nil {
			return nil, apperr.Wrap(err, "failed to load invitation")
		}
	}
	inviterName := ""
	inviter, err := s.users.GetByID(ctx, inv.InvitedBy)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to load invitation")
	}
	if inviter != nil {
		inviterName = inviter.DisplayName()
	}

	return &models.InvitationPreview{
		ScopeType:        inv.ScopeType,
		ScopeName:        scopeName,
		OrganizationName: orgName,
		InviterName:      inviterName,
		Email:            inv.Email,
		Role:             inv.Role,
		Status:           inv.Status,
		ExpiresAt:        inv.ExpiresAt,
		Expired:          inv.Status == models.InvitationExpired || (inv.Status == models.InvitationPending && inv.IsExpired(s.now())),
	}, nil
}

func (s *Service) byToken(ctx context.Context, token string) (*models.Invitation, error) {
	if !auth.ValidTokenShape(token) {
		return nil, apperr.New(apperr.InvalidInput, "malformed invitation token")
	}
	inv, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to load invitation")
	}
	if inv == nil {
		return nil, apperr.New(apperr.InvalidInvitation, "invitation not found")
	}
	return inv, nil
}

// checkIdentity requires the actor to be the invitation's bound user, or when it is
// not yet bound, to own the invited address
func checkIdentity(inv *models.Invitation, actor *models.User) error {
	if inv.UserID != nil {
		if *inv.UserID != actor.ID {
			return apperr.New(apperr.WrongUser, "this invitation was sent to another account")
		}
		return nil
	}
	if !strings.EqualFold(inv.Email, actor.Email) {
		return apperr.New(apperr.WrongEmail, "this invitation was sent to a different email address")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func errNotOrganizationMember() error {
	return apperr.New(apperr.NotOrganizationMember, "you are no longer a member of the project's organization")
}
