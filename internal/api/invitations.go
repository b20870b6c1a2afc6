// invitations.go implements the invitation endpoints: issuing and managing
// invitations as a scope administrator, and previewing, accepting or declining one
// as the invitee.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/invitations"
	"github.com/conpanion/conpanion/internal/middleware"
)

// InvitationService is the invitation lifecycle used by InvitationHandlers
type InvitationService interface {
	Invite(ctx context.Context, scope models.Scope, email string, role models.Role, actor uuid.UUID) (*invitations.InviteResult, error)
	Resend(ctx context.Context, invitationID uuid.UUID, actor uuid.UUID) (*invitations.InviteResult, error)
	Accept(ctx context.Context, token string, actor *models.User) (*invitations.AcceptResult, error)
	Decline(ctx context.Context, token string, actor *models.User) error
	Cancel(ctx context.Context, invitationID uuid.UUID, actor uuid.UUID) error
	ListPending(ctx context.Context, scope models.Scope, actor uuid.UUID) ([]*models.Invitation, error)
	ListMine(ctx context.Context, actor *models.User) ([]*models.Invitation, error)
	Preview(ctx context.Context, token string) (*models.InvitationPreview, error)
}

// InvitationHandlers handles invitation endpoints
type InvitationHandlers struct {
	svc InvitationService
}

// NewInvitationHandlers creates invitation handlers
func NewInvitationHandlers(svc InvitationService) *InvitationHandlers {
	return &InvitationHandlers{svc: svc}
}

type inviteRequest struct {
	Email string      `json:"email" binding:"required"`
	Role  models.Role `json:"role"`
}

// Invite invites an email address into the organization or project in the path.
// A pending invitation for the same address is resent instead; the response then
// carries resent=true and notice=pending_invitation.
// POST /api/v1/{organizations|projects}/:id/invitations
func (h *InvitationHandlers) Invite(kind models.ScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req inviteRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.Role == "" {
			req.Role = models.RoleMember
		}
		res, err := h.svc.Invite(c.Request.Context(), models.Scope{Kind: kind, ID: id}, req.Email, req.Role, actorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		status := http.StatusCreated
		if res.Resent {
			status = http.StatusOK
		}
		c.JSON(status, res)
	}
}

// ListPending lists a scope's pending invitations
// GET /api/v1/{organizations|projects}/:id/invitations
func (h *InvitationHandlers) ListPending(kind models.ScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		invs, err := h.svc.ListPending(c.Request.Context(), models.Scope{Kind: kind, ID: id}, actorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		respondInvitations(c, invs)
	}
}

// ListMine lists the pending invitations addressed to the caller
// GET /api/v1/invitations/mine
func (h *InvitationHandlers) ListMine(c *gin.Context) {
	invs, err := h.svc.ListMine(c.Request.Context(), middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondInvitations(c, invs)
}

func respondInvitations(c *gin.Context, invs []*models.Invitation) {
	if invs == nil {
		invs = []*models.Invitation{}
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invs})
}

// Resend renews an invitation's token and expiry and emails it again
// POST /api/v1/invitations/:id/resend
func (h *InvitationHandlers) Resend(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Resend(c.Request.Context(), id, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Cancel withdraws an invitation
// DELETE /api/v1/invitations/:id
func (h *InvitationHandlers) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), id, actorID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Preview describes an invitation for the public landing page
// GET /api/v1/invitations/token/:token
func (h *InvitationHandlers) Preview(c *gin.Context) {
	preview, err := h.svc.Preview(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// Accept joins the caller to the invitation's scope
// POST /api/v1/invitations/token/:token/accept
func (h *InvitationHandlers) Accept(c *gin.Context) {
	res, err := h.svc.Accept(c.Request.Context(), c.Param("token"), middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Decline refuses an invitation. Anonymous callers may decline; a signed-in caller
// must be the invitee.
// POST /api/v1/invitations/token/:token/decline
func (h *InvitationHandlers) Decline(c *gin.Context) {
	if err := h.svc.Decline(c.Request.Context(), c.Param("token"), middleware.CurrentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
