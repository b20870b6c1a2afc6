// Package membership manages organizations, projects and who belongs to them. Every
// other service asks it whether a user may act in a scope (RequireRole).
package membership

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/session"
)

const maxSlugAttempts = 20

// OrganizationStore is the persistence the service needs for organizations and projects
type OrganizationStore interface {
	CreateWithOwner(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Organization, error)
	CreateProjectWithOwner(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, orgID uuid.UUID) ([]*models.Project, error)
}

// MembershipStore is the persistence the service needs for membership rows. UpdateRole
// and Deactivate refuse to remove a scope's only owner with repositories.ErrLastOwner.
type MembershipStore interface {
	Get(ctx context.Context, scope models.Scope, userID uuid.UUID) (*models.Membership, error)
	ListMembers(ctx context.Context, scope models.Scope) ([]*models.MemberWithUser, error)
	UpdateRole(ctx context.Context, scope models.Scope, userID uuid.UUID, role models.Role) (bool, error)
	Deactivate(ctx context.Context, scope models.Scope, userID uuid.UUID) (bool, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.UserMembership, error)
}

// Service implements organization, project and membership administration
type Service struct {
	orgs    OrganizationStore
	members MembershipStore
	events  events.Publisher
}

// NewService creates a membership service
func NewService(orgs OrganizationStore, members MembershipStore, publisher events.Publisher) *Service {
	return &Service{orgs: orgs, members: members, events: publisher}
}

// RequireRole returns the user's active membership in scope, or PermissionDenied if
// they have none or its role is not one of roles. No roles means any active member.
func (s *Service) RequireRole(ctx context.Context, scope models.Scope, userID uuid.UUID, roles ...models.Role) (*models.Membership, error) {
	m, err := s.members.Get(ctx, scope, userID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to check membership")
	}
	if !m.IsActive() {
		return nil, apperr.New(apperr.PermissionDenied, fmt.Sprintf("not a member of this %s", scope.Kind))
	}
	if len(roles) == 0 {
		return m, nil
	}
	for _, r := range roles {
		if m.Role == r {
			return m, nil
		}
	}
	return nil, apperr.New(apperr.PermissionDenied, fmt.Sprintf("requires %s role in this %s", joinRoles(roles), scope.Kind))
}

// CreateOrganization creates an organization with the actor as its owner
func (s *Service) CreateOrganization(ctx context.Context, name string, actor uuid.UUID) (*models.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.InvalidInput, "organization name is required")
	}

	base := Slugify(name)
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		slug := base
		if attempt > 1 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}
		taken, err := s.orgs.SlugExists(ctx, slug)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to create organization")
		}
		if taken {
			continue
		}

		org := &models.Organization{Name: name, Slug: slug, CreatedBy: actor}
		err = s.orgs.CreateWithOwner(ctx, org)
		if db.IsUniqueViolation(err) {
			continue // slug claimed between the check and the insert
		}
		if err != nil {
			return nil, apperr.Wrap(err, "failed to create organization")
		}

		s.events.Publish(ctx, events.OrganizationMemberAdded{
			OrganizationID: org.ID, UserID: actor, Role: models.RoleOwner, ActorID: actor,
		})
		return org, nil
	}
	return nil, apperr.New(apperr.Conflict, "could not allocate a unique organization slug")
}

// ListOrganizations returns the organizations the actor is an active member of
func (s *Service) ListOrganizations(ctx context.Context, actor uuid.UUID) ([]*models.Organization, error) {
	orgs, err := s.orgs.ListForUser(ctx, actor)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list organizations")
	}
	return orgs, nil
}

// CreateProject creates a project in an organization with the actor as project owner.
// Guests cannot create projects.
func (s *Service) CreateProject(ctx context.Context, orgID uuid.UUID, name, description string, actor uuid.UUID) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.InvalidInput, "project name is required")
	}
	if _, err := s.RequireRole(ctx, models.OrganizationScope(orgID), actor, models.RoleOwner, models.RoleAdmin, models.RoleMember); err != nil {
		return nil, err
	}

	project := &models.Project{OrganizationID: orgID, Name: name, Description: strings.TrimSpace(description), CreatedBy: actor}
	if err := s.orgs.CreateProjectWithOwner(ctx, project); err != nil {
		return nil, apperr.Wrap(err, "failed to create project")
	}

	s.events.Publish(ctx, events.ProjectMemberAdded{
		ProjectID: project.ID, UserID: actor, Role: models.RoleOwner, ActorID: actor,
	})
	return project, nil
}

// ListProjects returns an organization's projects to any active member
func (s *Service) ListProjects(ctx context.Context, orgID uuid.UUID, actor uuid.UUID) ([]*models.Project, error) {
	if _, err := s.RequireRole(ctx, models.OrganizationScope(orgID), actor); err != nil {
		return nil, err
	}
	projects, err := s.orgs.ListProjects(ctx, orgID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list projects")
	}
	return projects, nil
}

// GetProject returns a project, or NotFound
func (s *Service) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := s.orgs.GetProject(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get project")
	}
	if project == nil {
		return nil, apperr.New(apperr.NotFound, "project not found")
	}
	return project, nil
}

// ListMembers returns the members of a scope to any of its active members
func (s *Service) ListMembers(ctx context.Context, scope models.Scope, actor uuid.UUID) ([]*models.MemberWithUser, error) {
	if _, err := s.RequireRole(ctx, scope, actor); err != nil {
		return nil, err
	}
	members, err := s.members.ListMembers(ctx, scope)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list members")
	}
	return members, nil
}

// ListUserMemberships returns every active membership the user holds
func (s *Service) ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]*models.UserMembership, error) {
	ms, err := s.members.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list memberships")
	}
	return ms, nil
}

// ChangeRole changes a member's role. Owners and admins may change roles; only an
// owner may grant or take away the owner role, and the last owner keeps it.
func (s *Service) ChangeRole(ctx context.Context, scope models.Scope, userID uuid.UUID, role models.Role, actor uuid.UUID) error {
	if !models.ValidRole(scope.Kind, role) {
		return apperr.New(apperr.InvalidRole, fmt.Sprintf("role %q is not valid for a %s", role, scope.Kind))
	}
	actorMembership, err := s.RequireRole(ctx, scope, actor, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return err
	}

	target, err := s.activeMember(ctx, scope, userID)
	if err != nil {
		return err
	}
	if target.Role == role {
		return nil
	}
	if (role == models.RoleOwner || target.Role == models.RoleOwner) && actorMembership.Role != models.RoleOwner {
		return apperr.New(apperr.PermissionDenied, "only an owner can grant or revoke the owner role")
	}

	updated, err := s.members.UpdateRole(ctx, scope, userID, role)
	if errors.Is(err, repositories.ErrLastOwner) {
		return lastOwnerConflict(scope)
	}
	if err != nil {
		return apperr.Wrap(err, "failed to change role")
	}
	if !updated {
		return apperr.New(apperr.NotFound, "membership not found")
	}
	return nil
}

// Deactivate removes a member from a scope. Members may leave on their own; removing
// someone else requires owner or admin, and only an owner may remove an owner.
// Leaving an organization also ends the user's memberships in its projects.
func (s *Service) Deactivate(ctx context.Context, scope models.Scope, userID uuid.UUID, actor uuid.UUID) error {
	target, err := s.activeMember(ctx, scope, userID)
	if err != nil {
		return err
	}

	if userID != actor {
		actorMembership, err := s.RequireRole(ctx, scope, actor, models.RoleOwner, models.RoleAdmin)
		if err != nil {
			return err
		}
		if target.Role == models.RoleOwner && actorMembership.Role != models.RoleOwner {
			return apperr.New(apperr.PermissionDenied, "only an owner can remove an owner")
		}
	}

	ok, err := s.members.Deactivate(ctx, scope, userID)
	if errors.Is(err, repositories.ErrLastOwner) {
		return lastOwnerConflict(scope)
	}
	if err != nil {
		return apperr.Wrap(err, "failed to deactivate membership")
	}
	if !ok {
		return apperr.New(apperr.NotFound, "membership not found")
	}
	return nil
}

// Current is the validated session scope of a request
type Current struct {
	Organization     *models.Organization `json:"organization,omitempty"`
	OrganizationRole models.Role          `json:"organization_role,omitempty"`
	Project          *models.Project      `json:"project,omitempty"`
	ProjectRole      models.Role          `json:"project_role,omitempty"`
}

// ResolveSession checks that the actor belongs to the organization and project the
// client selected and loads them. A project outside the selected organization is
// rejected.
func (s *Service) ResolveSession(ctx context.Context, sc session.Scope, actor uuid.UUID) (*Current, error) {
	cur := &Current{}

	if sc.ProjectID != nil {
		project, err := s.GetProject(ctx, *sc.ProjectID)
		if err != nil {
			return nil, err
		}
		if sc.OrganizationID != nil && *sc.OrganizationID != project.OrganizationID {
			return nil, apperr.New(apperr.InvalidInput, "project does not belong to the selected organization")
		}
		m, err := s.RequireRole(ctx, models.ProjectScope(project.ID), actor)
		if err != nil {
			return nil, err
		}
		cur.Project, cur.ProjectRole = project, m.Role
		if sc.OrganizationID == nil {
			orgID := project.OrganizationID
			sc.OrganizationID = &orgID
		}
	}

	if sc.OrganizationID != nil {
		org, err := s.orgs.GetByID(ctx, *sc.OrganizationID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to get organization")
		}
		if org == nil {
			return nil, apperr.New(apperr.NotFound, "organization not found")
		}
		m, err := s.RequireRole(ctx, models.OrganizationScope(org.ID), actor)
		if err != nil {
			return nil, err
		}
		cur.Organization, cur.OrganizationRole = org, m.Role
	}
	return cur, nil
}

func (s *Service) activeMember(ctx context.Context, scope models.Scope, userID uuid.UUID) (*models.Membership, error) {
	m, err := s.members.Get(ctx, scope, userID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get membership")
	}
	if !m.IsActive() {
		return nil, apperr.New(apperr.NotFound, "membership not found")
	}
	return m, nil
}

func lastOwnerConflict(scope models.Scope) error {
	return apperr.New(apperr.Conflict, fmt.Sprintf("a %s must keep at least one owner", scope.Kind))
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a display name into a URL-safe slug
func Slugify(name string) string {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		return "org"
	}
	return slug
}

func joinRoles(roles []models.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, "/")
}
