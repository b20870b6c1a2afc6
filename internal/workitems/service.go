// Package workitems implements the project work items that notifications are about:
// tasks, forms, site diaries and approvals. Every mutation publishes a domain event
// after it has been stored.
package workitems

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
	"github.com/conpanion/conpanion/internal/events"
)

// Store persists tasks, forms, site diaries, assignees and comments
type Store interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, projectID uuid.UUID) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	CreateForm(ctx context.Context, f *models.Form) error
	GetForm(ctx context.Context, id uuid.UUID) (*models.Form, error)
	ListForms(ctx context.Context, projectID uuid.UUID) ([]*models.Form, error)
	CreateSiteDiary(ctx context.Context, d *models.SiteDiary) error
	GetSiteDiary(ctx context.Context, id uuid.UUID) (*models.SiteDiary, error)
	ListSiteDiaries(ctx context.Context, projectID uuid.UUID) ([]*models.SiteDiary, error)
	AddAssignee(ctx context.Context, ref models.EntityRef, userID, assignedBy uuid.UUID) (bool, error)
	RemoveAssignee(ctx context.Context, ref models.EntityRef, userID uuid.UUID) (bool, error)
	ListAssignees(ctx context.Context, ref models.EntityRef) ([]uuid.UUID, error)
	CreateComment(ctx context.Context, c *models.Comment) error
	ListComments(ctx context.Context, ref models.EntityRef) ([]*models.Comment, error)
}

// ApprovalStore persists approvals and applies the response state machine
type ApprovalStore interface {
	Create(ctx context.Context, a *models.Approval) error
	Get(ctx context.Context, id uuid.UUID) (*models.Approval, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Approval, error)
	Respond(ctx context.Context, resp *models.ApprovalResponse) (*repositories.RespondResult, error)
}

// Authorizer checks the actor's project role
type Authorizer interface {
	RequireRole(ctx context.Context, scope models.Scope, userID uuid.UUID, roles ...models.Role) (*models.Membership, error)
}

// Members reads memberships of users other than the actor
type Members interface {
	Get(ctx context.Context, scope models.Scope, userID uuid.UUID) (*models.Membership, error)
}

// Service implements the work item operations
type Service struct {
	store     Store
	approvals ApprovalStore
	authz     Authorizer
	members   Members
	events    events.Publisher
	validate  *validator.Validate
}

// NewService creates a work item service
func NewService(store Store, approvals ApprovalStore, authz Authorizer, members Members, publisher events.Publisher) *Service {
	return &Service{
		store:     store,
		approvals: approvals,
		authz:     authz,
		members:   members,
		events:    publisher,
		validate:  newValidator(),
	}
}

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// projectRoles are the roles that may work on a project's items
var projectRoles = []models.Role{models.RoleOwner, models.RoleAdmin, models.RoleMember}

func (s *Service) requireProjectMember(ctx context.Context, projectID, actor uuid.UUID) error {
	_, err := s.authz.RequireRole(ctx, models.ProjectScope(projectID), actor, projectRoles...)
	return err
}

// requireAssignable checks that userID is an active member of the project
func (s *Service) requireAssignable(ctx context.Context, projectID, userID uuid.UUID) error {
	m, err := s.members.Get(ctx, models.ProjectScope(projectID), userID)
	if err != nil {
		return apperr.Wrap(err, "failed to check project membership")
	}
	if !m.IsActive() {
		return apperr.New(apperr.InvalidInput, "assignee is not a member of the project")
	}
	return nil
}

// activeMembers filters ids down to active project members, dropping duplicates
func (s *Service) activeMembers(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		m, err := s.members.Get(ctx, models.ProjectScope(projectID), id)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to check project membership")
		}
		if m.IsActive() {
			out = append(out, id)
		}
	}
	return out, nil
}

// invalid turns the first validation failure into an InvalidInput error
func (s *Service) invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.New(apperr.InvalidInput, err.Error())
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return apperr.New(apperr.InvalidInput, field+" is required")
	case "oneof":
		return apperr.New(apperr.InvalidInput, field+" must be one of: "+fe.Param())
	case "max":
		return apperr.New(apperr.InvalidInput, field+" must be at most "+fe.Param()+" long")
	case "min":
		return apperr.New(apperr.InvalidInput, field+" must be at least "+fe.Param()+" long")
	}
	return apperr.New(apperr.InvalidInput, field+" is invalid")
}
