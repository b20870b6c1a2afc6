package triggers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/notifications"
)

const (
	templateResponseReceived = "response_received"
	templateCommentAdded     = "comment_added"
)

func (h *handlers) loadApproval(ctx context.Context, id uuid.UUID) (*models.Approval, error) {
	a, err := h.Approvals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	return a, nil
}

func approvalData(a *models.Approval) map[string]any {
	data := map[string]any{"approval_id": a.ID, "project_id": a.ProjectID, "status": a.Status}
	if a.EntityType != nil && a.EntityID != nil {
		data["entity_type"] = *a.EntityType
		data["entity_id"] = *a.EntityID
	}
	return data
}

// approvalRequested notifies every approver, and confirms the request to the requester
func (h *handlers) approvalRequested(ctx context.Context, e events.Event) error {
	ev := e.(events.ApprovalRequested)
	a, err := h.loadApproval(ctx, ev.ApprovalID)
	if err != nil {
		return err
	}
	requester := h.name(ctx, a.RequesterID)
	ref := models.ApprovalRef{ID: a.ID}

	toApprovers := h.notifyAll(ctx, a.Approvers, []uuid.UUID{a.RequesterID}, notifications.Request{
		Type:         models.NotificationApprovalRequested,
		TemplateArgs: []string{requester, a.Title},
		Data:         approvalData(a),
		Entity:       ref,
		Priority:     models.PriorityHigh,
		ActorID:      ptr(a.RequesterID),
	})

	toRequester := h.notifyAll(ctx, []uuid.UUID{a.RequesterID}, nil, notifications.Request{
		Type:         models.NotificationApprovalRequested,
		TemplateName: notifications.RequesterConfirmationTemplate,
		TemplateArgs: []string{a.Title, strconv.Itoa(len(a.Approvers))},
		Data:         approvalData(a),
		Entity:       ref,
		Priority:     models.PriorityLow,
		ActorID:      ptr(a.RequesterID),
	})
	return errors.Join(toApprovers, toRequester)
}

// approvalResponded tells the requester about a response that did not settle the approval
func (h *handlers) approvalResponded(ctx context.Context, e events.Event) error {
	ev := e.(events.ApprovalResponded)
	a, err := h.loadApproval(ctx, ev.ApprovalID)
	if err != nil {
		return err
	}

	return h.notifyAll(ctx, []uuid.UUID{a.RequesterID}, []uuid.UUID{ev.ResponderID}, notifications.Request{
		Type:         models.NotificationApprovalStatusChanged,
		TemplateName: templateResponseReceived,
		TemplateArgs: []string{h.name(ctx, ev.ResponderID), statusLabel(ev.Status), a.Title},
		Data:         approvalData(a),
		Entity:       models.ApprovalRef{ID: a.ID},
		Priority:     models.PriorityMedium,
		ActorID:      ptr(ev.ResponderID),
	})
}

// approvalStatusChanged tells the requester and the other approvers about the outcome
func (h *handlers) approvalStatusChanged(ctx context.Context, e events.Event) error {
	ev := e.(events.ApprovalStatusChanged)
	if ev.Previous == ev.Current || !ev.Current.IsTerminal() {
		return nil
	}
	a, err := h.loadApproval(ctx, ev.ApprovalID)
	if err != nil {
		return err
	}

	data := approvalData(a)
	data["previous_status"] = ev.Previous
	recipients := append([]uuid.UUID{a.RequesterID}, a.Approvers...)

	return h.notifyAll(ctx, recipients, []uuid.UUID{ev.ActorID}, notifications.Request{
		Type:         models.NotificationApprovalStatusChanged,
		TemplateArgs: []string{a.Title, statusLabel(ev.Current), h.name(ctx, ev.ActorID)},
		Data:         data,
		Entity:       models.ApprovalRef{ID: a.ID},
		Priority:     models.PriorityHigh,
		ActorID:      ptr(ev.ActorID),
	})
}

func (h *handlers) approvalCommented(ctx context.Context, e events.Event) error {
	ev := e.(events.ApprovalCommented)
	a, err := h.loadApproval(ctx, ev.ApprovalID)
	if err != nil {
		return err
	}
	recipients := append([]uuid.UUID{a.RequesterID}, a.Approvers...)

	return h.notifyAll(ctx, recipients, []uuid.UUID{ev.CommenterID}, notifications.Request{
		Type:         models.NotificationApprovalStatusChanged,
		TemplateName: templateCommentAdded,
		TemplateArgs: []string{h.name(ctx, ev.CommenterID), a.Title, excerpt(ev.Content, 140)},
		Data:         approvalData(a),
		Entity:       models.ApprovalRef{ID: a.ID},
		Priority:     models.PriorityMedium,
		ActorID:      ptr(ev.CommenterID),
	})
}

func statusLabel(s models.ApprovalStatus) string {
	return strings.ReplaceAll(string(s), "_", " ")
}
