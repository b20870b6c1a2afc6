package triggers

import (
	"context"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/notifications"
)

func (h *handlers) organizationMemberAdded(ctx context.Context, e events.Event) error {
	ev := e.(events.OrganizationMemberAdded)
	return h.memberAdded(ctx, models.OrganizationScope(ev.OrganizationID), ev.UserID, ev.Role, ev.ActorID,
		models.NotificationOrganizationAdded, models.OrganizationRef{ID: ev.OrganizationID})
}

func (h *handlers) projectMemberAdded(ctx context.Context, e events.Event) error {
	ev := e.(events.ProjectMemberAdded)
	return h.memberAdded(ctx, models.ProjectScope(ev.ProjectID), ev.UserID, ev.Role, ev.ActorID,
		models.NotificationProjectAdded, models.ProjectRef{ID: ev.ProjectID})
}

func (h *handlers) memberAdded(ctx context.Context, scope models.Scope, member uuid.UUID, role models.Role, actor uuid.UUID, t models.NotificationType, ref models.EntityRef) error {
	return h.notifyAll(ctx, []uuid.UUID{member}, nil, notifications.Request{
		Type:         t,
		TemplateArgs: []string{h.name(ctx, actor), h.scopeName(ctx, scope), string(role)},
		Data:         map[string]any{string(scope.Kind) + "_id": scope.ID, "role": role},
		Entity:       ref,
		Priority:     models.PriorityMedium,
		ActorID:      ptr(actor),
	})
}

// invitationIssued notifies an existing account in-app (which also emails it), or
// emails the link to an address that has no account yet.
func (h *handlers) invitationIssued(ctx context.Context, e events.Event) error {
	inv := e.(events.InvitationIssued).Invitation
	scope := inv.Scope()

	template := "organization_invitation"
	var ref models.EntityRef = models.OrganizationRef{ID: inv.OrganizationID}
	if scope.Kind == models.ScopeProject {
		template = "project_invitation"
		ref = models.ProjectRef{ID: scope.ID}
	}

	url := h.InvitationURL(string(inv.ScopeType), inv.Token)
	args := []string{h.scopeName(ctx, scope), h.name(ctx, inv.InvitedBy), string(inv.Role), url}
	data := map[string]any{
		"invitation_id": inv.ID,
		"scope_type":    inv.ScopeType,
		"scope_id":      scope.ID,
		"role":          inv.Role,
		"url":           url,
		"expires_at":    inv.ExpiresAt,
	}

	recipient := inv.UserID
	if recipient == nil {
		u, err := h.Users.GetByEmail(ctx, inv.Email)
		if err != nil {
			return err
		}
		if u != nil && u.IsConfirmed() {
			recipient = &u.ID
		}
	}

	if recipient != nil {
		return h.notifyAll(ctx, []uuid.UUID{*recipient}, nil, notifications.Request{
			Type:         models.NotificationSystem,
			TemplateName: template,
			TemplateArgs: args,
			Data:         data,
			Entity:       ref,
			Priority:     models.PriorityHigh,
			ActorID:      ptr(inv.InvitedBy),
		})
	}

	return h.Notifier.SendTransactional(ctx, notifications.Transactional{
		To:           inv.Email,
		Type:         models.NotificationSystem,
		TemplateName: template,
		TemplateArgs: args,
		Data:         data,
		Priority:     models.PriorityHigh,
	})
}
