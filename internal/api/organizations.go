// organizations.go implements organization, project and member administration.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
)

// MembershipService is the organization and membership administration used by
// OrganizationHandlers
type MembershipService interface {
	MembershipLister
	CreateOrganization(ctx context.Context, name string, actor uuid.UUID) (*models.Organization, error)
	ListOrganizations(ctx context.Context, actor uuid.UUID) ([]*models.Organization, error)
	CreateProject(ctx context.Context, orgID uuid.UUID, name, description string, actor uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, orgID uuid.UUID, actor uuid.UUID) ([]*models.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	RequireRole(ctx context.Context, scope models.Scope, userID uuid.UUID, roles ...models.Role) (*models.Membership, error)
	ListMembers(ctx context.Context, scope models.Scope, actor uuid.UUID) ([]*models.MemberWithUser, error)
	ChangeRole(ctx context.Context, scope models.Scope, userID uuid.UUID, role models.Role, actor uuid.UUID) error
	Deactivate(ctx context.Context, scope models.Scope, userID uuid.UUID, actor uuid.UUID) error
}

// OrganizationHandlers handles organization and project endpoints
type OrganizationHandlers struct {
	svc MembershipService
}

// NewOrganizationHandlers creates organization handlers
func NewOrganizationHandlers(svc MembershipService) *OrganizationHandlers {
	return &OrganizationHandlers{svc: svc}
}

type organizationRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateOrganization creates an organization owned by the caller
// POST /api/v1/organizations
func (h *OrganizationHandlers) CreateOrganization(c *gin.Context) {
	var req organizationRequest
	if !bindJSON(c, &req) {
		return
	}
	org, err := h.svc.CreateOrganization(c.Request.Context(), req.Name, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, org)
}

// ListOrganizations lists the organizations the caller belongs to
// GET /api/v1/organizations
func (h *OrganizationHandlers) ListOrganizations(c *gin.Context) {
	orgs, err := h.svc.ListOrganizations(c.Request.Context(), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if orgs == nil {
		orgs = []*models.Organization{}
	}
	c.JSON(http.StatusOK, gin.H{"organizations": orgs})
}

type projectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateProject creates a project with the caller as owner
// POST /api/v1/organizations/:id/projects
func (h *OrganizationHandlers) CreateProject(c *gin.Context) {
	orgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req projectRequest
	if !bindJSON(c, &req) {
		return
	}
	project, err := h.svc.CreateProject(c.Request.Context(), orgID, req.Name, req.Description, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects lists an organization's projects
// GET /api/v1/organizations/:id/projects
func (h *OrganizationHandlers) ListProjects(c *gin.Context) {
	orgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	projects, err := h.svc.ListProjects(c.Request.Context(), orgID, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject returns a project to its members
// GET /api/v1/projects/:id
func (h *OrganizationHandlers) GetProject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	project, err := h.svc.GetProject(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := h.svc.RequireRole(ctx, models.ProjectScope(id), actorID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// ListMembers lists the members of the organization or project in the path
// GET /api/v1/{organizations|projects}/:id/members
func (h *OrganizationHandlers) ListMembers(kind models.ScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		members, err := h.svc.ListMembers(c.Request.Context(), models.Scope{Kind: kind, ID: id}, actorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		if members == nil {
			members = []*models.MemberWithUser{}
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

type roleRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

// ChangeRole changes a member's role
// PUT /api/v1/{organizations|projects}/:id/members/:user_id
func (h *OrganizationHandlers) ChangeRole(kind models.ScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		userID, ok := pathID(c, "user_id")
		if !ok {
			return
		}
		var req roleRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := h.svc.ChangeRole(c.Request.Context(), models.Scope{Kind: kind, ID: id}, userID, req.Role, actorID(c)); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": req.Role})
	}
}

// RemoveMember deactivates a membership. A member may remove themselves to leave.
// DELETE /api/v1/{organizations|projects}/:id/members/:user_id
func (h *OrganizationHandlers) RemoveMember(kind models.ScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		userID, ok := pathID(c, "user_id")
		if !ok {
			return
		}
		if err := h.svc.Deactivate(c.Request.Context(), models.Scope{Kind: kind, ID: id}, userID, actorID(c)); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
