package events

import (
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
)

// Event names
const (
	NameTaskAssigned            = "task.assigned"
	NameTaskUnassigned          = "task.unassigned"
	NameTaskUpdated             = "task.updated"
	NameCommentAdded            = "comment.added"
	NameFormAssigned            = "form.assigned"
	NameFormUnassigned          = "form.unassigned"
	NameEntityAssigned          = "entity.assigned"
	NameApprovalRequested       = "approval.requested"
	NameApprovalResponded       = "approval.responded"
	NameApprovalStatusChanged   = "approval.status_changed"
	NameApprovalCommented       = "approval.commented"
	NameOrganizationMemberAdded = "organization.member_added"
	NameProjectMemberAdded      = "project.member_added"
	NameInvitationIssued        = "invitation.issued"
)

// TaskAssigned is published after a user is assigned to a task
type TaskAssigned struct {
	TaskID     uuid.UUID
	ProjectID  uuid.UUID
	AssigneeID uuid.UUID
	ActorID    uuid.UUID
}

func (TaskAssigned) Name() string { return NameTaskAssigned }

// TaskUnassigned is published after a user is removed from a task
type TaskUnassigned struct {
	TaskID     uuid.UUID
	ProjectID  uuid.UUID
	AssigneeID uuid.UUID
	ActorID    uuid.UUID
}

func (TaskUnassigned) Name() string { return NameTaskUnassigned }

// TaskUpdated carries the task before and after an update
type TaskUpdated struct {
	Before  models.Task
	After   models.Task
	ActorID uuid.UUID
}

func (TaskUpdated) Name() string { return NameTaskUpdated }

// CommentAdded is published for a comment on a task or other entity. Mentions holds
// the users named in the comment.
type CommentAdded struct {
	Comment   models.Comment
	ProjectID uuid.UUID
	Mentions  []uuid.UUID
}

func (CommentAdded) Name() string { return NameCommentAdded }

// FormAssigned is published after a user is assigned to a form
type FormAssigned struct {
	FormID     uuid.UUID
	ProjectID  uuid.UUID
	AssigneeID uuid.UUID
	ActorID    uuid.UUID
}

func (FormAssigned) Name() string { return NameFormAssigned }

// FormUnassigned is published after a user is removed from a form
type FormUnassigned struct {
	FormID     uuid.UUID
	ProjectID  uuid.UUID
	AssigneeID uuid.UUID
	ActorID    uuid.UUID
}

func (FormUnassigned) Name() string { return NameFormUnassigned }

// EntityAssigned covers assignment to entities without a dedicated notification type
type EntityAssigned struct {
	Entity     models.EntityRef
	EntityName string
	ProjectID  uuid.UUID
	AssigneeID uuid.UUID
	ActorID    uuid.UUID
}

func (EntityAssigned) Name() string { return NameEntityAssigned }

// ApprovalRequested is published after an approval and its approvers are created
type ApprovalRequested struct {
	ApprovalID uuid.UUID
}

func (ApprovalRequested) Name() string { return NameApprovalRequested }

// ApprovalResponded is published for a response that left the approval pending
type ApprovalResponded struct {
	ApprovalID  uuid.UUID
	ResponderID uuid.UUID
	Status      models.ApprovalStatus
}

func (ApprovalResponded) Name() string { return NameApprovalResponded }

// ApprovalStatusChanged is published when a response moved the approval to a final status
type ApprovalStatusChanged struct {
	ApprovalID uuid.UUID
	Previous   models.ApprovalStatus
	Current    models.ApprovalStatus
	ActorID    uuid.UUID
}

func (ApprovalStatusChanged) Name() string { return NameApprovalStatusChanged }

// ApprovalCommented is published for a comment on an approval
type ApprovalCommented struct {
	ApprovalID  uuid.UUID
	CommenterID uuid.UUID
	Content     string
}

func (ApprovalCommented) Name() string { return NameApprovalCommented }

// OrganizationMemberAdded is published when a membership becomes active
type OrganizationMemberAdded struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Role           models.Role
	ActorID        uuid.UUID
}

func (OrganizationMemberAdded) Name() string { return NameOrganizationMemberAdded }

// ProjectMemberAdded is published when a project membership becomes active
type ProjectMemberAdded struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Role      models.Role
	ActorID   uuid.UUID
}

func (ProjectMemberAdded) Name() string { return NameProjectMemberAdded }

// InvitationIssued is published after an invitation is created or resent. Token is
// the plaintext capability for building the acceptance link.
type InvitationIssued struct {
	Invitation models.Invitation
	Resent     bool
}

func (InvitationIssued) Name() string { return NameInvitationIssued }
