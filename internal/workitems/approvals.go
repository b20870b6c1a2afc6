package workitems

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
	"github.com/conpanion/conpanion/internal/events"
)

// ApprovalInput requests sign-off. EntityType and EntityID optionally link the
// approval to the item being approved.
type ApprovalInput struct {
	Title      string            `json:"title" validate:"required,max=200"`
	EntityType models.EntityKind `json:"entity_type"`
	EntityID   *uuid.UUID        `json:"entity_id"`
	Approvers  []uuid.UUID       `json:"approvers" validate:"required,min=1,max=50"`
}

// ApprovalResponseInput is an approver's decision
type ApprovalResponseInput struct {
	Status  models.ApprovalStatus `json:"status"`
	Comment string                `json:"comment" validate:"max=5000"`
}

// CreateApproval stores the approval with its approvers and publishes ApprovalRequested.
// Approvers must be active project members.
func (s *Service) CreateApproval(ctx context.Context, projectID uuid.UUID, in ApprovalInput, actor uuid.UUID) (*models.Approval, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}

	a := &models.Approval{ProjectID: projectID, Title: in.Title, RequesterID: actor}
	if in.EntityType != "" || in.EntityID != nil {
		if in.EntityID == nil {
			return nil, apperr.New(apperr.InvalidInput, "entity_id is required with entity_type")
		}
		ref, err := models.ParseEntityRef(in.EntityType, *in.EntityID)
		if err != nil {
			return nil, apperr.New(apperr.InvalidInput, err.Error())
		}
		a.EntityType, a.EntityID = models.EntityColumns(ref)
	}

	approvers, err := s.activeMembers(ctx, projectID, in.Approvers)
	if err != nil {
		return nil, err
	}
	if len(approvers) != len(dedupe(in.Approvers)) {
		return nil, apperr.New(apperr.InvalidInput, "every approver must be a member of the project")
	}
	a.Approvers = approvers

	if err := s.approvals.Create(ctx, a); err != nil {
		return nil, apperr.Wrap(err, "failed to create approval")
	}
	s.events.Publish(ctx, events.ApprovalRequested{ApprovalID: a.ID})
	return a, nil
}

// GetApproval returns an approval with its approvers and responses
func (s *Service) GetApproval(ctx context.Context, id, actor uuid.UUID) (*models.Approval, error) {
	a, err := s.approvals.Get(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get approval")
	}
	if a == nil {
		return nil, apperr.New(apperr.NotFound, "approval not found")
	}
	if err := s.requireProjectMember(ctx, a.ProjectID, actor); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ListApprovals(ctx context.Context, projectID, actor uuid.UUID) ([]*models.Approval, error) {
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}
	list, err := s.approvals.ListByProject(ctx, projectID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list approvals")
	}
	return list, nil
}

// RespondToApproval records an approver's decision. A response that settles the
// approval publishes ApprovalStatusChanged, otherwise ApprovalResponded. A non-empty
// comment is also published as ApprovalCommented.
func (s *Service) RespondToApproval(ctx context.Context, id uuid.UUID, in ApprovalResponseInput, actor uuid.UUID) (*models.Approval, error) {
	if !in.Status.ValidResponse() {
		return nil, apperr.New(apperr.InvalidInput, "status must be approved, declined or revision_requested")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	a, err := s.GetApproval(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	in.Comment = strings.TrimSpace(in.Comment)
	res, err := s.approvals.Respond(ctx, &models.ApprovalResponse{ApprovalID: a.ID, ApproverID: actor, Status: in.Status, Comment: in.Comment})
	switch {
	case errors.Is(err, repositories.ErrApprovalClosed):
		return nil, apperr.New(apperr.Conflict, "approval is already "+string(a.Status))
	case errors.Is(err, repositories.ErrNotApprover):
		return nil, apperr.New(apperr.PermissionDenied, "only approvers can respond")
	case err != nil:
		return nil, apperr.Wrap(err, "failed to record response")
	}

	if res.Changed() {
		s.events.Publish(ctx, events.ApprovalStatusChanged{ApprovalID: a.ID, Previous: res.Previous, Current: res.Current, ActorID: actor})
	} else {
		s.events.Publish(ctx, events.ApprovalResponded{ApprovalID: a.ID, ResponderID: actor, Status: in.Status})
	}
	if in.Comment != "" {
		s.events.Publish(ctx, events.ApprovalCommented{ApprovalID: a.ID, CommenterID: actor, Content: in.Comment})
	}

	a.Status = res.Current
	return a, nil
}

// CommentOnApproval adds a discussion comment to an approval
func (s *Service) CommentOnApproval(ctx context.Context, id uuid.UUID, content string, actor uuid.UUID) (*models.Comment, error) {
	content = strings.TrimSpace(content)
	if err := s.validate.Var(content, "required,max=5000"); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "comment must be between 1 and 5000 characters")
	}
	a, err := s.GetApproval(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	c := &models.Comment{EntityType: models.EntityApproval, EntityID: a.ID, UserID: actor, Content: content}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, apperr.Wrap(err, "failed to add comment")
	}
	s.events.Publish(ctx, events.ApprovalCommented{ApprovalID: a.ID, CommenterID: actor, Content: content})
	return c, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
